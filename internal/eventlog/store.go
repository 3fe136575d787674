package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kurobon/restack/internal/facade"
)

// schemaVersion is bumped on any bucket layout change. Migrations are
// additive; an unrecognized version aborts instead of misreading rows.
const schemaVersion = 1

var (
	bucketMeta         = []byte("meta")
	bucketEvents       = []byte("events")
	bucketTransactions = []byte("transactions")
	bucketCursors      = []byte("cursors")

	keySchemaVersion = []byte("schemaVersion")
)

// ErrSchemaVersion is returned when the on-disk store was written by an
// incompatible version.
var ErrSchemaVersion = errors.New("unrecognized event log schema version")

// Store is the durable event log, backed by a single bbolt file. Appends
// are serialized (single-writer discipline); reads see the last committed
// transaction.
type Store struct {
	db *bolt.DB
	mu sync.Mutex // append discipline on top of bolt's own writer lock
}

// Open opens or initializes the event log at path. A held file lock
// surfaces as ErrBusy rather than blocking.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("event log %s: %w", path, facade.ErrBusy)
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketEvents, bucketTransactions, bucketCursors} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if stored := meta.Get(keySchemaVersion); stored != nil {
			if v := binary.BigEndian.Uint64(stored); v != schemaVersion {
				return fmt.Errorf("found version %d, want %d: %w", v, schemaVersion, ErrSchemaVersion)
			}
			return nil
		}
		return meta.Put(keySchemaVersion, u64be(schemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginTransaction allocates a transaction id and records its row. Events
// appended under this id form one logical user action.
func (s *Store) BeginTransaction(at time.Time, message string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTransactions)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		return putJSON(bucket, u64be(id), Transaction{ID: id, Message: message, CreatedAt: at})
	})
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	return id, nil
}

// CurrentTransactionBoundary returns the id of the last allocated
// transaction, 0 when the log is empty.
func (s *Store) CurrentTransactionBoundary() (uint64, error) {
	var id uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket(bucketTransactions).Sequence()
		return nil
	})
	return id, err
}

// Append durably records the events under the given transaction id. Either
// every event is written or none; event ids come out monotonic and
// contiguous within the call.
func (s *Store) Append(txID uint64, events []Event) (uint64, error) {
	if len(events) == 0 {
		return txID, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTransactions).Get(u64be(txID)) == nil {
			return fmt.Errorf("append to unknown transaction %d", txID)
		}
		bucket := tx.Bucket(bucketEvents)
		for i := range events {
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			events[i].ID = seq
			events[i].TxID = txID
			if err := putJSON(bucket, u64be(seq), events[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append events: %w", err)
	}
	return txID, nil
}

// ReadSince returns all events with id greater than after, in order.
func (s *Store) ReadSince(after uint64) ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(u64be(after + 1)); k != nil; k, v = c.Next() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("event row %d: %w", binary.BigEndian.Uint64(k), err)
			}
			events = append(events, e)
		}
		return nil
	})
	return events, err
}

// ReadAll returns the full log from genesis.
func (s *Store) ReadAll() ([]Event, error) {
	return s.ReadSince(0)
}

// GetTransaction looks up one transaction row.
func (s *Store) GetTransaction(id uint64) (*Transaction, error) {
	var t Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTransactions).Get(u64be(id))
		if raw == nil {
			return fmt.Errorf("transaction %d: %w", id, facade.ErrNotFound)
		}
		return json.Unmarshal(raw, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Transactions returns all transaction rows in id order.
func (s *Store) Transactions() ([]Transaction, error) {
	var rows []Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).ForEach(func(k, v []byte) error {
			var t Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			rows = append(rows, t)
			return nil
		})
	})
	return rows, err
}

func (s *Store) markUndone(target, by uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTransactions)
		raw := bucket.Get(u64be(target))
		if raw == nil {
			return fmt.Errorf("transaction %d: %w", target, facade.ErrNotFound)
		}
		var t Transaction
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		t.UndoneBy = by
		return putJSON(bucket, u64be(target), t)
	})
}

// PutCursor persists a serialized execution cursor under the given plan id
// so a paused rebase survives the process.
func (s *Store) PutCursor(planID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCursors).Put([]byte(planID), data)
	})
}

// GetCursor loads a persisted cursor; ErrNotFound when absent.
func (s *Store) GetCursor(planID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCursors).Get([]byte(planID))
		if raw == nil {
			return fmt.Errorf("cursor %s: %w", planID, facade.ErrNotFound)
		}
		data = append([]byte(nil), raw...)
		return nil
	})
	return data, err
}

// DeleteCursor drops a persisted cursor after completion or abort.
func (s *Store) DeleteCursor(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCursors).Delete([]byte(planID))
	})
}

func putJSON(bucket *bolt.Bucket, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put(key, raw)
}

func u64be(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
