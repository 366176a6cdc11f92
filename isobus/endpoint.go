package isobus

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/purduesensorsw/goisobus/driver"
)

// Option names an Endpoint.SetOption knob.
type Option int

const (
	OptFilter Option = iota
	OptLoopback
	OptOwnMsgs
	OptPriority
	// OptDedupeDeliveries controls whether a frame matching more than one
	// installed filter is queued once (true) or once per matching filter
	// (false, the default), matching the alternative policy named for
	// multi-filter overlap.
	OptDedupeDeliveries
)

// Endpoint is the socket-facing object: it binds to a CAN interface, owns
// its filter set and claim state, queues inbound messages and accepts
// outbound ones. One layer below, driver/socketcan.Driver plays the same
// role (bind a raw socket, poll it for reads, hand frames to callers) for
// raw CAN frames.
type Endpoint struct {
	mu sync.Mutex

	drv     driver.Driver
	engine  *FilterEngine
	claim   *addressClaim
	ifindex int

	loopback         bool
	ownMsgs          bool
	priority         uint8
	filters          []IsobusFilter
	dedupeDeliveries bool

	inbox      chan IsobusMessage
	recvCancel context.CancelFunc
	lastErr    error

	nodeTable *NodeTable
}

// SetNodeTable attaches a NodeTable that passively observes every
// Address-Claimed frame this endpoint sees, regardless of its own filter
// set. Pass nil to detach.
func (e *Endpoint) SetNodeTable(t *NodeTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodeTable = t
}

// Open returns an Endpoint in its initial Idle state: loopback on, own-msg
// reception off, priority 6, a single default filter matching every frame,
// and DedupeDeliveries off (a frame matching N installed filters is queued
// N times).
func Open(name Name) *Endpoint {
	return &Endpoint{
		claim:    newAddressClaim(nil, name, time.Now().UnixNano()),
		loopback: true,
		ownMsgs:  false,
		priority: 6,
		filters:  []IsobusFilter{{}},
		inbox:    make(chan IsobusMessage, 256),
	}
}

// SetOption updates one of the Filter/Loopback/OwnMsgs/Priority knobs. A
// Filter update is re-registered atomically: the new list is installed
// before the old one is torn down, so an install failure leaves the
// previous filters active.
func (e *Endpoint) SetOption(opt Option, val interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch opt {
	case OptFilter:
		filters, ok := val.([]IsobusFilter)
		if !ok {
			return ErrInvalidArgument
		}
		if e.engine != nil {
			if err := e.engine.Install(filters); err != nil {
				return err
			}
		}
		e.filters = filters
	case OptLoopback:
		b, ok := val.(bool)
		if !ok {
			return ErrInvalidArgument
		}
		e.loopback = b
	case OptOwnMsgs:
		b, ok := val.(bool)
		if !ok {
			return ErrInvalidArgument
		}
		e.ownMsgs = b
	case OptPriority:
		p, ok := val.(uint8)
		if !ok || p > 7 {
			return ErrInvalidArgument
		}
		e.priority = p
	case OptDedupeDeliveries:
		b, ok := val.(bool)
		if !ok {
			return ErrInvalidArgument
		}
		e.dedupeDeliveries = b
	default:
		return ErrInvalidArgument
	}
	return nil
}

// checkInterface validates that ifindex names an interface usable as an
// ISOBUS link: present, of CAN hardware type, and administratively up.
// Overridden in tests, which bind against an in-memory driver with no
// corresponding kernel interface.
var checkInterface = checkInterfaceNetlink

// checkInterfaceNetlink is checkInterface's production implementation,
// querying the link through vishvananda/netlink, the package
// netiface.Registry also uses.
func checkInterfaceNetlink(ifindex int) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return ErrNoDevice
	}
	if link.Attrs().EncapType != "can" {
		return ErrNoDevice
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return ErrNoDevice
	}
	return nil
}

// Bind attaches the endpoint to drv, installs its filters, and drives the
// address-claim protocol to completion. It returns NoDevice if drv is nil
// or ifindex does not name an up CAN interface, or AddressInUse if the
// claim is lost, or propagates a filter-install failure.
func (e *Endpoint) Bind(ctx context.Context, drv driver.Driver, ifindex int, preferred Address) error {
	if drv == nil {
		return ErrNoDevice
	}
	if err := checkInterface(ifindex); err != nil {
		return err
	}

	e.mu.Lock()
	e.drv = drv
	e.ifindex = ifindex
	e.engine = NewFilterEngine(drv)
	e.claim.transport = e
	filters := append([]IsobusFilter(nil), e.filters...)
	e.mu.Unlock()

	if err := e.engine.Install(filters); err != nil {
		return err
	}

	// The recv loop must already be draining the driver before run() blocks
	// on its T1/T2 timers, or inbound Address-Claimed frames from other
	// stations would never reach onInboundClaim.
	recvCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.recvCancel = cancel
	e.mu.Unlock()
	go e.recvLoop(recvCtx)

	e.claim.run(ctx, preferred)

	if e.claim.State() != ClaimHaveAddr {
		cancel()
		e.engine.Release()
		return ErrAddressInUse
	}

	return nil
}

// sendRaw implements claimTransport, letting the address-claim state
// machine emit frames through this endpoint's driver.
func (e *Endpoint) sendRaw(ctx context.Context, priority uint8, pgn Pgn, da, sa Address, payload []byte) error {
	id, err := Encode(priority, pgn, da, sa)
	if err != nil {
		return err
	}
	e.mu.Lock()
	drv := e.drv
	e.mu.Unlock()
	if drv == nil {
		return ErrNotBound
	}
	return drv.Send(ctx, driver.Frame{ID: id, Data: payload})
}

// Send transmits data under pgn. PDU1 PGNs require an explicit dest; for
// PDU2 PGNs dest must be nil or point at AddressGlobal.
func (e *Endpoint) Send(ctx context.Context, pgn Pgn, dest *Address, data []byte) (int, error) {
	state := e.claim.State()
	sa := e.claim.CurrentAddr()

	e.mu.Lock()
	priority := e.priority
	loopback := e.loopback
	drv := e.drv
	e.mu.Unlock()

	if state != ClaimHaveAddr {
		return 0, ErrAddressInUse
	}
	if drv == nil {
		return 0, ErrNotBound
	}

	var da Address
	if pgn.IsPDU1() {
		if dest == nil {
			return 0, ErrInvalidArgument
		}
		da = *dest
	} else {
		if dest != nil && *dest != AddressGlobal {
			return 0, ErrInvalidArgument
		}
		da = AddressGlobal
	}

	id, err := Encode(priority, pgn, da, sa)
	if err != nil {
		return 0, err
	}

	frame := driver.Frame{ID: id, Data: data}
	if err := drv.Send(ctx, frame); err != nil {
		return 0, err
	}

	if loopback {
		e.dispatch(ctx, frame, true)
	}

	return len(data), nil
}

// Recv blocks until a message is queued, timeout elapses, or ctx is done.
// A zero timeout blocks indefinitely.
func (e *Endpoint) Recv(ctx context.Context, timeout time.Duration) (IsobusMessage, error) {
	e.mu.Lock()
	if err := e.lastErr; err != nil {
		e.mu.Unlock()
		return IsobusMessage{}, err
	}
	e.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case msg := <-e.inbox:
		return msg, nil
	case <-timeoutCh:
		return IsobusMessage{}, ErrWouldBlock
	case <-ctx.Done():
		return IsobusMessage{}, ErrInterrupted
	}
}

// Release uninstalls filters, drops the inbox and returns the endpoint to
// Idle. It may be called from any state.
func (e *Endpoint) Release() {
	e.mu.Lock()
	if e.recvCancel != nil {
		e.recvCancel()
		e.recvCancel = nil
	}
	if e.engine != nil {
		e.engine.Release()
	}
	e.claim.release()
	e.lastErr = nil
	drv := e.drv
	e.drv = nil
	e.mu.Unlock()

	if drv != nil {
		_ = drv.Close()
	}

	drain := true
	for drain {
		select {
		case <-e.inbox:
		default:
			drain = false
		}
	}
}

// OnNetworkDown is invoked by netiface.Registry on a NETDEV_DOWN
// notification for the bound interface: NetworkDown is surfaced, but the
// endpoint stays bound.
func (e *Endpoint) OnNetworkDown() {
	e.mu.Lock()
	e.lastErr = ErrNetworkDown
	e.mu.Unlock()
}

// OnDeviceRemoved is invoked on a NETDEV_UNREGISTER notification: the
// endpoint is force-unbound and the next Recv returns NoDevice. A Recv that
// is already blocked is not interrupted; it returns on its own timeout or
// context.
func (e *Endpoint) OnDeviceRemoved() {
	e.Release()
	e.mu.Lock()
	e.lastErr = ErrNoDevice
	e.mu.Unlock()
}

func (e *Endpoint) recvLoop(ctx context.Context) {
	for {
		e.mu.Lock()
		drv := e.drv
		e.mu.Unlock()
		if drv == nil {
			return
		}
		frame, err := drv.Recv(ctx)
		if err != nil {
			return
		}
		e.dispatch(ctx, frame, false)
	}
}

// dispatch implements FilterEngine's inbound side (§4.2 Dispatch): drop
// oversized or EDP-set frames, route network-management traffic to the
// claim state machine, and deliver everything else to the inbox subject to
// own-message suppression and the installed filter set. Unless
// DedupeDeliveries is set, a frame matching N installed filters is queued
// N times.
func (e *Endpoint) dispatch(ctx context.Context, frame driver.Frame, isLoopback bool) {
	if len(frame.Data) > 8 {
		return
	}
	if hasEDP(frame.ID) {
		return
	}

	decoded := Decode(frame.ID)

	ourAddr := e.claim.CurrentAddr()
	e.mu.Lock()
	ownMsgs := e.ownMsgs
	filters := e.filters
	dedupe := e.dedupeDeliveries
	e.mu.Unlock()

	switch decoded.Pgn {
	case PgnAddressClaimed:
		if len(frame.Data) == 8 {
			name, _ := NameFromBytes(frame.Data)
			e.claim.onInboundClaim(ctx, decoded.Source, name)

			e.mu.Lock()
			nt := e.nodeTable
			e.mu.Unlock()
			if nt != nil {
				if decoded.Source.IsClaimable() {
					nt.Observe(decoded.Source, name)
				} else {
					// SA = NULL: a Cannot-Claim-Address message. We don't
					// know which address the sender vacated from the
					// payload alone, so there's nothing to forget here;
					// a stale entry stays until a lower NAME claims its
					// address.
					_ = name
				}
			}
		}
		return
	case PgnRequest:
		e.claim.onRequestAddressClaimed(ctx, decoded.Destination)
		return
	case PgnProductInfo, PgnConfigurationInformation:
		e.mu.Lock()
		nt := e.nodeTable
		e.mu.Unlock()
		if nt != nil && decoded.Source.IsClaimable() {
			nt.ObserveInfo(decoded.Source, decoded.Pgn, frame.Data)
		}
		// Fall through: these are ordinary application PGNs, still subject
		// to the installed filter set below like any other message.
	}

	isOwn := isLoopback || (decoded.Source == ourAddr && ourAddr.IsClaimable())
	if isOwn && !ownMsgs {
		return
	}

	matches := countMatchingFilters(frame.ID, filters)
	if matches == 0 {
		return
	}
	if dedupe {
		matches = 1
	}

	msg := IsobusMessage{
		Priority:    decoded.Priority,
		Pgn:         decoded.Pgn,
		Source:      decoded.Source,
		Destination: decoded.Destination,
		Data:        frame.Data,
		Timestamp:   time.Now(),
	}

	for i := 0; i < matches; i++ {
		select {
		case e.inbox <- msg:
		default:
			// inbox full: drop rather than block the read loop.
		}
	}
}

// countMatchingFilters reports how many installed filters id matches. With
// DedupeDeliveries off, dispatch queues one message per match, so a frame
// matching overlapping filters is received once per filter.
func countMatchingFilters(id uint32, filters []IsobusFilter) int {
	n := 0
	for _, f := range filters {
		df, err := f.ToDriverFilter()
		if err != nil {
			continue
		}
		match := (id^df.ID)&df.Mask == 0
		if df.Inverted {
			match = !match
		}
		if match {
			n++
		}
	}
	return n
}
