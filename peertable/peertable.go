// Package peertable is the in-memory registry of peers a CTP runtime can
// ask for blocks, with liveness tracked by consecutive request failures.
package peertable

import (
	"bytes"
	"net"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/xtfly/clustershare/ctp"
)

// State is a peer record's liveness state.
type State int

const (
	Alive State = iota
	Suspect
	Gone
)

func (s State) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Gone:
		return "GONE"
	default:
		return "UNKNOWN"
	}
}

// SuspectThreshold is R from spec.md: the number of consecutive failed
// requests that demotes a peer from ALIVE to SUSPECT.
const SuspectThreshold = 3

// Peer is a point-in-time view of one cluster member. Values returned by
// Snapshot are copies, safe to read without the table's lock held.
type Peer struct {
	ID                  ctp.ID
	Addr                *net.UDPAddr
	LastSeenAt          time.Time
	State               State
	ConsecutiveFailures int
}

// Table is the thread-safe peer_id -> Peer registry.
type Table struct {
	mu    sync.Mutex
	peers map[ctp.ID]*Peer
}

// New returns an empty peer table.
func New() *Table {
	return &Table{peers: make(map[ctp.ID]*Peer)}
}

// Upsert adds id if unknown, or updates its address if known. It never
// changes state or failure count for an existing record.
func (t *Table) Upsert(id ctp.ID, addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.peers[id]; ok {
		p.Addr = addr
		return
	}
	t.peers[id] = &Peer{ID: id, Addr: addr, LastSeenAt: time.Now(), State: Alive}
}

// MarkSuccess resets a peer's failure count and restores it to ALIVE.
func (t *Table) MarkSuccess(id ctp.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.ConsecutiveFailures = 0
	p.State = Alive
	p.LastSeenAt = time.Now()
}

// MarkFailure increments a peer's consecutive-failure count, demoting it
// to SUSPECT once the count reaches SuspectThreshold. It reports whether
// this call is the one that crossed into SUSPECT, so the caller knows to
// report the peer to the control server exactly once.
func (t *Table) MarkFailure(id ctp.ID) (becameSuspect bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		return false
	}
	p.ConsecutiveFailures++
	if p.State == Alive && p.ConsecutiveFailures >= SuspectThreshold {
		p.State = Suspect
		return true
	}
	return false
}

// MarkGone transitions a peer to GONE, typically after the control server
// has been told about it via wellness_check. GONE records are dropped on
// the next Replace.
func (t *Table) MarkGone(id ctp.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.peers[id]; ok {
		p.State = Gone
	}
}

// Get returns a copy of the record for id, if present.
func (t *Table) Get(id ctp.ID) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Snapshot returns a point-in-time copy of every non-GONE peer, safe to
// range over without the table's lock held. Entries are sorted by peer id
// so that two snapshots of the same table content iterate identically
// regardless of Go's randomized map order — callers that need random
// acquisition order (see syncengine.randomOrder) shuffle this afterward
// rather than relying on map iteration for it.
func (t *Table) Snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.State == Gone {
			continue
		}
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Peer) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return out
}

// Replace atomically swaps the known peer set for incoming, preserving
// LastSeenAt for any peer that persists across the swap. Records not
// present in incoming, GONE or not, are dropped; incoming entries are
// always installed ALIVE with a zero failure count regardless of prior
// state, matching a fresh peer-list push from the control server.
func (t *Table) Replace(incoming []Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[ctp.ID]*Peer, len(incoming))
	for _, np := range incoming {
		p := &Peer{ID: np.ID, Addr: np.Addr, State: Alive, LastSeenAt: time.Now()}
		if old, ok := t.peers[np.ID]; ok {
			p.LastSeenAt = old.LastSeenAt
		}
		next[np.ID] = p
	}
	t.peers = next
}
