package isobus

import (
	"sync"
	"time"
)

// NodeTableEntry is one bus station as currently known to a NodeTable.
type NodeTableEntry struct {
	Address  Address
	Name     Name
	LastSeen time.Time

	// ProductInfo and ConfigurationInfo hold the most recent raw payload
	// observed under PgnProductInfo / PgnConfigurationInformation for this
	// station. Both are single-frame fragments, not reassembled messages.
	ProductInfo       []byte
	ConfigurationInfo []byte
}

// NodeTable is a passive roster of address-to-NAME claims observed on the
// bus: who currently holds which address, and since when. Alongside each
// claim it keeps the latest single-frame Product-Info and
// Configuration-Information payloads (see ObserveInfo); multi-packet
// versions of those messages are not reassembled.
type NodeTable struct {
	mu      sync.Mutex
	entries map[Address]*NodeTableEntry
	now     func() time.Time
}

// NewNodeTable returns an empty NodeTable.
func NewNodeTable() *NodeTable {
	return &NodeTable{
		entries: make(map[Address]*NodeTableEntry),
		now:     time.Now,
	}
}

// Observe records a claim of addr by name. If addr is already held by a
// different NAME, the lower NAME wins the slot, matching the bus's own
// arbitration rule; ties favor the existing occupant. Observe reports
// whether the slot's occupant changed.
func (t *NodeTable) Observe(addr Address, name Name) bool {
	if !addr.IsClaimable() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[addr]
	if ok && !name.Less(existing.Name) {
		existing.LastSeen = t.now()
		return false
	}

	t.entries[addr] = &NodeTableEntry{Address: addr, Name: name, LastSeen: t.now()}
	return true
}

// ObserveInfo records the latest raw Product-Info or
// Configuration-Information fragment seen from addr. It has no effect if
// addr hasn't already claimed an entry: these PGNs are tied to the station
// that sent them, and without an Address-Claimed there's no station to tie
// the fragment to.
func (t *NodeTable) ObserveInfo(addr Address, pgn Pgn, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[addr]
	if !ok {
		return
	}

	cp := append([]byte(nil), data...)
	switch pgn {
	case PgnProductInfo:
		e.ProductInfo = cp
	case PgnConfigurationInformation:
		e.ConfigurationInfo = cp
	default:
		return
	}
	e.LastSeen = t.now()
}

// Forget removes any entry at addr, e.g. on a Cannot-Claim-Address message.
func (t *NodeTable) Forget(addr Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, addr)
}

// Lookup returns the NAME currently occupying addr, if any.
func (t *NodeTable) Lookup(addr Address) (Name, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		return 0, false
	}
	return e.Name, true
}

// Entries returns a snapshot of every currently known station.
func (t *NodeTable) Entries() []NodeTableEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]NodeTableEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}
