package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Store persists escrow entries, orders, and the event journal in Pebble.
// All writes go through Batch so every engine operation lands atomically.
type Store struct {
	db     *pebble.DB
	closed atomic.Bool
}

// ErrStoreClosed is returned by writes against a closed store.
var ErrStoreClosed = errors.New("exchange: store closed")

// OpenStore opens a Pebble database at the given path.
func OpenStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20),
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// escrowRecord is the stored form of one escrow entry. Token and user are in
// the key too; keeping them in the value makes scans self-describing.
type escrowRecord struct {
	Token  common.Address `json:"token"`
	User   common.Address `json:"user"`
	Amount *uint256.Int   `json:"amount"`
}

// eventEnvelope wraps a journal entry with its wire name so the concrete
// event type can be restored on load.
type eventEnvelope struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// LoadEscrow scans all escrow entries into a token -> user -> amount map.
func (s *Store) LoadEscrow() (map[common.Address]map[common.Address]*uint256.Int, error) {
	prefix := []byte(prefixEscrow)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan escrow: %w", err)
	}
	defer iter.Close()

	escrow := make(map[common.Address]map[common.Address]*uint256.Int)
	for iter.First(); iter.Valid(); iter.Next() {
		var rec escrowRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal escrow entry: %w", err)
		}
		column, ok := escrow[rec.Token]
		if !ok {
			column = make(map[common.Address]*uint256.Int)
			escrow[rec.Token] = column
		}
		column[rec.User] = rec.Amount
	}
	return escrow, nil
}

// LoadOrders scans all orders in id order.
func (s *Store) LoadOrders() ([]*Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan orders: %w", err)
	}
	defer iter.Close()

	var orders []*Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		orders = append(orders, &o)
	}
	return orders, nil
}

// LoadEvents scans the journal in emission order.
func (s *Store) LoadEvents() ([]Event, error) {
	prefix := []byte(prefixEvent)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}
	defer iter.Close()

	var events []Event
	for iter.First(); iter.Valid(); iter.Next() {
		var env eventEnvelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
		}
		ev, err := decodeEvent(env)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeEvent(env eventEnvelope) (Event, error) {
	switch env.Name {
	case "Deposit":
		var ev DepositEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "Withdraw":
		var ev WithdrawEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "Order":
		var ev OrderEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "Cancel":
		var ev CancelEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case "Trade":
		var ev TradeEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event %q in journal", env.Name)
	}
}

// Batch accumulates the writes of one engine operation.
type Batch struct {
	batch *pebble.Batch
}

// NewBatch starts a batch. Fails once the store is closed so engine
// operations surface an error instead of panicking inside pebble.
func (s *Store) NewBatch() (*Batch, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return &Batch{batch: s.db.NewBatch()}, nil
}

// SetEscrow stages an escrow entry write.
func (b *Batch) SetEscrow(token, user common.Address, amount *uint256.Int) error {
	data, err := json.Marshal(escrowRecord{Token: token, User: user, Amount: amount})
	if err != nil {
		return err
	}
	return b.batch.Set(escrowKey(token, user), data, nil)
}

// PutOrder stages an order write (create or status change).
func (b *Batch) PutOrder(o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return b.batch.Set(orderKey(o.ID), data, nil)
}

// DeleteEvent stages removal of the journal entry at seq. Used to undo a
// committed entry whose operation failed after the commit.
func (b *Batch) DeleteEvent(seq uint64) error {
	return b.batch.Delete(eventKey(seq), nil)
}

// PutEvent stages a journal entry at the given sequence number.
func (b *Batch) PutEvent(seq uint64, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	env, err := json.Marshal(eventEnvelope{Name: e.EventName(), Data: data})
	if err != nil {
		return err
	}
	return b.batch.Set(eventKey(seq), env, nil)
}

// Commit writes the batch atomically.
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (b *Batch) Close() error {
	return b.batch.Close()
}
