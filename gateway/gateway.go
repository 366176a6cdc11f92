// Package gateway orchestrates the isobusgwd daemon: one drain goroutine
// per bound CAN endpoint, one RingLog-to-peer writer, and one command
// reader, coordinated with golang.org/x/sync/errgroup the way the original
// isoblued.c split the same responsibilities across bt_func/send_func/
// command_func pthreads.
package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/purduesensorsw/goisobus/gateway/replay"
	"github.com/purduesensorsw/goisobus/gateway/ringlog"
	"github.com/purduesensorsw/goisobus/isobus"
)

// Endpoint is the subset of *isobus.Endpoint the gateway depends on,
// narrowed for testability.
type Endpoint interface {
	Recv(ctx context.Context, timeout time.Duration) (isobus.IsobusMessage, error)
	Send(ctx context.Context, pgn isobus.Pgn, dest *isobus.Address, data []byte) (int, error)
	SetOption(opt isobus.Option, val interface{}) error
}

// recvTimeout bounds each endpoint drain's Recv call so the drain loop can
// notice context cancellation between messages.
const recvTimeout = 200 * time.Millisecond

// Gateway wires bound endpoints, a RingLog, a replay index, and a
// command/record peer stream together.
type Gateway struct {
	ifaceNames []string
	endpoints  []Endpoint
	ring       *ringlog.RingLog
	store      *replay.Store
	peer       io.ReadWriter
	logger     *log.Logger

	writeMu sync.Mutex
}

// New builds a Gateway. ifaceNames[i] and endpoints[i] must correspond to
// the same socket index used by SetFiltersCommand/SendCommand.
func New(ifaceNames []string, endpoints []Endpoint, ring *ringlog.RingLog, store *replay.Store, peer io.ReadWriter, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{
		ifaceNames: ifaceNames,
		endpoints:  endpoints,
		ring:       ring,
		store:      store,
		peer:       peer,
		logger:     logger,
	}
}

// Run blocks, draining endpoints into the RingLog and replay index,
// flushing the RingLog to the peer, and servicing commands read from the
// peer, until ctx is cancelled or any goroutine returns an error.
func (g *Gateway) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)

	for i, ep := range g.endpoints {
		i, ep := i, ep
		grp.Go(func() error { return g.drainEndpoint(ctx, i, ep) })
	}
	grp.Go(func() error { return g.writePeerLoop(ctx) })
	grp.Go(func() error { return g.readCommandsLoop(ctx) })

	return grp.Wait()
}

func (g *Gateway) drainEndpoint(ctx context.Context, socket int, ep Endpoint) error {
	iface := ""
	if socket < len(g.ifaceNames) {
		iface = g.ifaceNames[socket]
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := ep.Recv(ctx, recvTimeout)
		if err != nil {
			if err == isobus.ErrWouldBlock {
				continue
			}
			if err == isobus.ErrInterrupted {
				return ctx.Err()
			}
			return fmt.Errorf("gateway: drain %s: %w", iface, err)
		}

		rec := replay.Record{
			Pgn:    msg.Pgn,
			Data:   msg.Data,
			TsSec:  msg.Timestamp.Unix(),
			TsUsec: int64(msg.Timestamp.Nanosecond() / 1000),
			Dest:   msg.Destination,
			Source: msg.Source,
		}
		key, err := g.store.Append(rec)
		if err != nil {
			g.logger.Error("replay append failed", "err", err)
			continue
		}

		live := LiveMessage{
			Iface:  iface,
			DBKey:  key,
			Pgn:    msg.Pgn,
			Data:   msg.Data,
			TsSec:  rec.TsSec,
			TsUsec: rec.TsUsec,
			Dest:   msg.Destination,
			Source: msg.Source,
		}
		if err := g.ring.Append(live.Encode()); err != nil {
			g.logger.Error("ringlog append failed", "err", err)
		}
	}
}

func (g *Gateway) writePeerLoop(ctx context.Context) error {
	for {
		if err := g.ring.WaitUnread(ctx); err != nil {
			return err
		}
		line := g.ring.ReadUnread()
		if len(line) == 0 {
			continue
		}
		if err := g.writePeerLine(line); err != nil {
			return fmt.Errorf("gateway: write peer: %w", err)
		}
		g.ring.ReadAdvance(uint64(len(line)))
	}
}

func (g *Gateway) writePeerLine(b []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_, err := g.peer.Write(b)
	return err
}

func (g *Gateway) readCommandsLoop(ctx context.Context) error {
	cr := NewCommandReader(g.peer)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cmd, err := cr.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("gateway: read command: %w", err)
		}

		if err := g.handleCommand(ctx, cmd); err != nil {
			g.logger.Error("command failed", "err", err)
		}
	}
}

func (g *Gateway) handleCommand(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case SetFiltersCommand:
		return g.handleSetFilters(c)
	case SendCommand:
		return g.handleSend(ctx, c)
	case GetPastCommand:
		return g.handleGetPast(c)
	default:
		return fmt.Errorf("gateway: unhandled command type %T", cmd)
	}
}

func (g *Gateway) handleSetFilters(c SetFiltersCommand) error {
	if c.Socket < 0 || c.Socket >= len(g.endpoints) {
		return fmt.Errorf("%w: socket %d out of range", isobus.ErrInvalidArgument, c.Socket)
	}

	filters := make([]isobus.IsobusFilter, 0, len(c.Pgns))
	for _, pgn := range c.Pgns {
		filters = append(filters, isobus.IsobusFilter{Pgn: pgn, PgnMask: 0x3FFFF})
	}
	if len(filters) == 0 {
		// No PGNs means "receive everything": one zero-mask filter matches
		// every frame, where an empty list would match none.
		filters = append(filters, isobus.IsobusFilter{})
	}

	if err := g.endpoints[c.Socket].SetOption(isobus.OptFilter, filters); err != nil {
		return fmt.Errorf("gateway: set filters: %w", err)
	}

	// Matches isoblued.c's ring_buffer_clear(&buf) after a filter change:
	// stale backlog built under the old filter set is discarded.
	return g.ring.Clear()
}

func (g *Gateway) handleSend(ctx context.Context, c SendCommand) error {
	if c.Socket < 0 || c.Socket >= len(g.endpoints) {
		return fmt.Errorf("%w: socket %d out of range", isobus.ErrInvalidArgument, c.Socket)
	}
	dest := c.Dest
	_, err := g.endpoints[c.Socket].Send(ctx, c.Pgn, &dest, c.Data)
	return err
}

func (g *Gateway) handleGetPast(c GetPastCommand) error {
	records, err := g.store.Range(c.IDLow, c.IDHigh)
	if err != nil {
		return fmt.Errorf("gateway: get past: %w", err)
	}

	for _, rec := range records {
		old := OldMessage{
			DBKey:  rec.Key,
			Pgn:    rec.Record.Pgn,
			Data:   rec.Record.Data,
			TsSec:  rec.Record.TsSec,
			TsUsec: rec.Record.TsUsec,
			Dest:   rec.Record.Dest,
			Source: rec.Record.Source,
		}
		if err := g.writePeerLine(old.Encode()); err != nil {
			return fmt.Errorf("gateway: write replay record: %w", err)
		}
	}
	return nil
}
