package isobus

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// ClaimState is a step in the per-endpoint address-claim state machine.
type ClaimState int

const (
	ClaimIdle ClaimState = iota
	ClaimWaitAddr
	ClaimWaitHaveAddr
	ClaimHaveAddr
	ClaimLost
)

func (s ClaimState) String() string {
	switch s {
	case ClaimIdle:
		return "Idle"
	case ClaimWaitAddr:
		return "WaitAddr"
	case ClaimWaitHaveAddr:
		return "WaitHaveAddr"
	case ClaimHaveAddr:
		return "HaveAddr"
	case ClaimLost:
		return "Lost"
	default:
		return "Unknown"
	}
}

const (
	claimT1Base = 250 * time.Millisecond
	// claimT1JitterMax is 153 * 100ns, the jitter range named by the
	// address-claim timing rule.
	claimT1JitterMax = 153 * 100 * time.Nanosecond
	claimT2          = 250 * time.Millisecond
)

// claimTransport is the subset of frame I/O the claim state machine needs,
// satisfied by Endpoint against its bound driver.Driver.
type claimTransport interface {
	sendRaw(ctx context.Context, priority uint8, pgn Pgn, da Address, sa Address, payload []byte) error
}

// addressClaim runs the per-endpoint address-request/claim/contention
// protocol described for PGN 59904 (Request) and PGN 60928 (Address
// Claimed), grounded on original_source/socketcan-isobus/isobus.c's
// isobus_claim_addr/isobus_addr_claimed_handler. run() executes in the
// goroutine that called Endpoint.Bind; onInboundClaim/onRequestAddressClaimed
// are called from Endpoint's recv loop goroutine, so all shared state is
// guarded by mu.
type addressClaim struct {
	transport claimTransport
	name      Name
	rng       *rand.Rand

	mu          sync.Mutex
	state       ClaimState
	preferred   Address
	currentAddr Address
	occupiedSC  map[Address]bool

	// claimInbox carries the SA of an inbound Address-Claimed frame from
	// the recv loop to the goroutine blocked in run()'s select loop.
	claimInbox chan Address
}

func newAddressClaim(transport claimTransport, name Name, seed int64) *addressClaim {
	return &addressClaim{
		transport:   transport,
		name:        name,
		rng:         rand.New(rand.NewSource(seed)),
		state:       ClaimIdle,
		currentAddr: AddressNull,
		occupiedSC:  make(map[Address]bool),
		claimInbox:  make(chan Address, 8),
	}
}

// State returns the current step of the state machine.
func (c *addressClaim) State() ClaimState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentAddr returns the address currently held (AddressNull if none).
func (c *addressClaim) CurrentAddr() Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentAddr
}

// run drives the full claim sequence for preferred, returning once the
// endpoint has HaveAddr or has Lost. It does not return an error on Lost:
// the caller observes the final state and surfaces AddressInUse itself.
// The caller must ensure inbound frames are already being routed to
// onInboundClaim before calling run, or the WaitAddr/WaitHaveAddr timers
// will simply expire without observing contention.
func (c *addressClaim) run(ctx context.Context, preferred Address) {
	c.mu.Lock()
	c.preferred = preferred
	c.currentAddr = AddressNull
	c.state = ClaimWaitAddr
	c.occupiedSC = make(map[Address]bool)
	c.mu.Unlock()

	_ = c.transport.sendRaw(ctx, 6, PgnRequest, preferred, AddressNull, []byte{byte(PgnAddressClaimed), byte(PgnAddressClaimed >> 8), byte(PgnAddressClaimed >> 16)})

	t1 := claimT1Base + time.Duration(c.rng.Int63n(int64(claimT1JitterMax)+1))
	preferredAvailable := preferred != AddressGlobal
	timer := time.NewTimer(t1)
	defer timer.Stop()

waitAddr:
	for {
		select {
		case sa := <-c.claimInbox:
			c.mu.Lock()
			if sa.IsSelfConfigurable() {
				c.occupiedSC[sa] = true
			}
			c.mu.Unlock()
			if sa == preferred {
				preferredAvailable = false
			}
		case <-timer.C:
			break waitAddr
		case <-ctx.Done():
			c.toLost(ctx)
			return
		}
	}

	c.mu.Lock()
	selfConfigurable := c.name.IsSelfConfigurable()
	c.mu.Unlock()

	var chosen Address
	switch {
	case preferredAvailable && preferred.IsClaimable():
		chosen = preferred
	case selfConfigurable:
		addr, ok := c.lowestFreeSC()
		if !ok {
			c.toLost(ctx)
			return
		}
		chosen = addr
	default:
		c.toLost(ctx)
		return
	}

	c.mu.Lock()
	c.currentAddr = chosen
	c.state = ClaimWaitHaveAddr
	c.mu.Unlock()

	if err := c.emitClaim(ctx); err != nil {
		c.toLost(ctx)
		return
	}

	t2 := time.NewTimer(claimT2)
	defer t2.Stop()

waitHaveAddr:
	for {
		select {
		case sa := <-c.claimInbox:
			if sa != chosen {
				continue
			}
			// A claim landed on our address during WaitHaveAddr; the
			// recv loop already routed the NAME comparison through
			// onContention, which may have already moved us to Lost or
			// re-emitted our claim. Re-read the state to decide.
			break waitHaveAddr
		case <-t2.C:
			c.mu.Lock()
			if c.state == ClaimWaitHaveAddr {
				c.state = ClaimHaveAddr
			}
			c.mu.Unlock()
			return
		case <-ctx.Done():
			c.toLost(ctx)
			return
		}
	}

	c.mu.Lock()
	if c.state == ClaimLost {
		c.mu.Unlock()
		return
	}
	c.state = ClaimHaveAddr
	c.mu.Unlock()
}

// onContention is called when an inbound Address-Claimed frame lands on our
// current address while we are in WaitHaveAddr or HaveAddr. We lose if our
// NAME is not strictly lower than the contender's (a tie is a loss too).
func (c *addressClaim) onContention(ctx context.Context, contender Name) {
	c.mu.Lock()
	state := c.state
	weWin := c.name.Less(contender)
	c.mu.Unlock()

	if state != ClaimWaitHaveAddr && state != ClaimHaveAddr {
		return
	}
	if weWin {
		_ = c.emitClaim(ctx)
		return
	}
	c.toLost(ctx)
}

// onInboundClaim feeds an observed Address-Claimed frame (SA, NAME) into
// the state machine during WaitAddr, and routes contention during
// WaitHaveAddr/HaveAddr.
func (c *addressClaim) onInboundClaim(ctx context.Context, sa Address, name Name) {
	c.mu.Lock()
	state := c.state
	preferred := c.preferred
	weWinPreferred := sa == preferred && c.name.Less(name)
	currentAddr := c.currentAddr
	if weWinPreferred && sa.IsSelfConfigurable() {
		c.occupiedSC[sa] = true
	}
	c.mu.Unlock()

	switch state {
	case ClaimWaitAddr:
		if weWinPreferred {
			// Ours is strictly lower: keep pursuing preferred, do not
			// mark it unavailable.
			return
		}
		select {
		case c.claimInbox <- sa:
		default:
		}
	case ClaimWaitHaveAddr, ClaimHaveAddr:
		if sa == currentAddr {
			c.onContention(ctx, name)
		}
	}
}

// onRequestAddressClaimed replies with our NAME if we HaveAddr and the
// request targets us or GLOBAL.
func (c *addressClaim) onRequestAddressClaimed(ctx context.Context, ps Address) {
	c.mu.Lock()
	state := c.state
	currentAddr := c.currentAddr
	c.mu.Unlock()

	if state != ClaimHaveAddr {
		return
	}
	if ps != currentAddr && ps != AddressGlobal {
		return
	}
	_ = c.emitClaim(ctx)
}

func (c *addressClaim) lowestFreeSC() (Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for a := AddressSCMin; a <= AddressSCMax; a++ {
		if !c.occupiedSC[a] {
			return a, true
		}
	}
	return 0, false
}

func (c *addressClaim) emitClaim(ctx context.Context) error {
	b := c.name.Bytes()
	addr := c.CurrentAddr()
	return c.transport.sendRaw(ctx, 6, PgnAddressClaimed, AddressGlobal, addr, b[:])
}

// toLost transmits a Cannot-Claim-Address frame (SA = NULL, per protocol)
// and transitions to Lost.
func (c *addressClaim) toLost(ctx context.Context) {
	b := c.name.Bytes()
	_ = c.transport.sendRaw(ctx, 6, PgnAddressClaimed, AddressGlobal, AddressNull, b[:])
	c.mu.Lock()
	c.currentAddr = AddressNull
	c.state = ClaimLost
	c.mu.Unlock()
}

// release returns the state machine to Idle, as on Endpoint.release().
func (c *addressClaim) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ClaimIdle
	c.currentAddr = AddressNull
	c.occupiedSC = make(map[Address]bool)
}
