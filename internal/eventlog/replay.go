package eventlog

import (
	"math"

	"github.com/go-git/go-git/v5/plumbing"
)

// Latest selects the newest committed transaction in as-of queries.
const Latest uint64 = math.MaxUint64

// Replayer folds the event log into derived state as of any transaction
// boundary. It is a read-only snapshot; re-create it after appending.
type Replayer struct {
	events []Event
}

// NewReplayer wraps an already loaded, ordered event slice.
func NewReplayer(events []Event) *Replayer {
	return &Replayer{events: events}
}

// FromStore loads the full log from genesis.
func FromStore(s *Store) (*Replayer, error) {
	events, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	return NewReplayer(events), nil
}

// Events returns the underlying ordered log.
func (r *Replayer) Events() []Event {
	return r.events
}

// MaxTransaction returns the highest transaction id seen in the log.
func (r *Replayer) MaxTransaction() uint64 {
	var max uint64
	for _, e := range r.events {
		if e.TxID > max {
			max = e.TxID
		}
	}
	return max
}

// EventsOf returns the events of one transaction, in append order.
func (r *Replayer) EventsOf(txID uint64) []Event {
	var out []Event
	for _, e := range r.events {
		if e.TxID == txID {
			out = append(out, e)
		}
	}
	return out
}

// RefsAsOf folds ref state up to and including the given transaction.
// HEAD is tracked under its own name via Checkout events.
func (r *Replayer) RefsAsOf(txID uint64) map[string]plumbing.Hash {
	refs := make(map[string]plumbing.Hash)
	for _, e := range r.events {
		if e.TxID > txID {
			break
		}
		switch e.Kind {
		case KindRefUpdate, KindCheckout:
			if e.New().IsZero() {
				delete(refs, e.RefName)
			} else {
				refs[e.RefName] = e.New()
			}
		}
	}
	return refs
}

// HeadAsOf returns the checked-out commit as of the given transaction.
func (r *Replayer) HeadAsOf(txID uint64) plumbing.Hash {
	return r.RefsAsOf(txID)["HEAD"]
}

// ActiveAsOf folds per-commit visibility: true for commits the user is
// working on, false for commits abandoned by rewrite or hidden explicitly.
// Commits never mentioned by the log are absent from the map.
func (r *Replayer) ActiveAsOf(txID uint64) map[plumbing.Hash]bool {
	active := make(map[plumbing.Hash]bool)
	for _, e := range r.events {
		if e.TxID > txID {
			break
		}
		switch e.Kind {
		case KindCommitCreate:
			active[e.New()] = true
		case KindCheckout, KindRefUpdate:
			if !e.New().IsZero() {
				active[e.New()] = true
			}
		case KindCommitRewrite:
			active[e.Old()] = false
			if !e.New().IsZero() {
				active[e.New()] = true
			}
		case KindHide:
			active[e.Old()] = false
		case KindUnhide:
			active[e.Old()] = true
		}
	}
	return active
}
