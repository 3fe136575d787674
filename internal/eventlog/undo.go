package eventlog

import (
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNothingToUndo is returned when every transaction has already been
// compensated (or the log is empty).
var ErrNothingToUndo = errors.New("nothing to undo")

// ErrNothingToRedo is returned when no undone transaction is available.
var ErrNothingToRedo = errors.New("nothing to redo")

// UndoPlan describes the compensating transaction about to be appended:
// the target being undone and the inverse events, oldest effect last so the
// net ref movement replays cleanly.
type UndoPlan struct {
	Target Transaction
	Events []Event
}

// PlanUndo locates the most recent ordinary transaction that has not been
// undone and builds its compensation. History is never deleted; the caller
// applies the inverse ref effects and then commits the plan.
func (s *Store) PlanUndo(at time.Time) (*UndoPlan, error) {
	return s.planCompensation(at, false)
}

// PlanRedo locates the most recent compensating transaction that has not
// itself been undone and builds its inverse, re-applying the original
// effect.
func (s *Store) PlanRedo(at time.Time) (*UndoPlan, error) {
	return s.planCompensation(at, true)
}

func (s *Store) planCompensation(at time.Time, redo bool) (*UndoPlan, error) {
	rows, err := s.Transactions()
	if err != nil {
		return nil, err
	}

	byID := make(map[uint64]Transaction, len(rows))
	for _, t := range rows {
		byID[t.ID] = t
	}

	for i := len(rows) - 1; i >= 0; i-- {
		t := rows[i]
		if t.UndoneBy != 0 {
			continue
		}
		if redo {
			// Redo targets undos of ordinary transactions only; undoing
			// a redo is just Undo again.
			if t.Undoes == 0 || byID[t.Undoes].Undoes != 0 {
				continue
			}
		} else if t.Undoes != 0 {
			continue
		}

		replayer, err := FromStore(s)
		if err != nil {
			return nil, err
		}
		events := replayer.EventsOf(t.ID)
		if len(events) == 0 {
			continue
		}

		inverse := make([]Event, 0, len(events))
		for j := len(events) - 1; j >= 0; j-- {
			inverse = append(inverse, events[j].Invert(at))
		}
		return &UndoPlan{Target: t, Events: inverse}, nil
	}

	if redo {
		return nil, ErrNothingToRedo
	}
	return nil, ErrNothingToUndo
}

// CommitCompensation appends the planned compensation as its own
// transaction and marks the target as undone. Returns the new transaction
// id.
func (s *Store) CommitCompensation(plan *UndoPlan, at time.Time, message string) (uint64, error) {
	txID, err := s.beginCompensation(at, message, plan.Target.ID)
	if err != nil {
		return 0, err
	}
	if _, err := s.Append(txID, plan.Events); err != nil {
		return 0, err
	}
	if err := s.markUndone(plan.Target.ID, txID); err != nil {
		return 0, err
	}
	if plan.Target.Undoes != 0 {
		// Redo reopens the original transaction for another undo.
		orig, err := s.GetTransaction(plan.Target.Undoes)
		if err != nil {
			return 0, err
		}
		orig.UndoneBy = 0
		if err := s.putTransaction(*orig); err != nil {
			return 0, err
		}
	}
	return txID, nil
}

func (s *Store) beginCompensation(at time.Time, message string, undoes uint64) (uint64, error) {
	id, err := s.BeginTransaction(at, message)
	if err != nil {
		return 0, err
	}
	// Stamp the Undoes link on the freshly created row.
	t, err := s.GetTransaction(id)
	if err != nil {
		return 0, err
	}
	t.Undoes = undoes
	if err := s.putTransaction(*t); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) putTransaction(t Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateTransactionRow(t)
}

func (s *Store) updateTransactionRow(t Transaction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketTransactions), u64be(t.ID), t)
	})
}

// NetRefEffect reduces a transaction's events to one old→new pair per ref:
// the first old observed and the last new written.
func NetRefEffect(events []Event) map[string][2]string {
	net := make(map[string][2]string)
	for _, e := range events {
		if e.Kind != KindRefUpdate && e.Kind != KindCheckout {
			continue
		}
		pair, ok := net[e.RefName]
		if !ok {
			pair[0] = e.OldID
		}
		pair[1] = e.NewID
		net[e.RefName] = pair
	}
	return net
}
