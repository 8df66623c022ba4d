package exchange

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Event is a state-transition record emitted by the engine. Events are
// published to sinks synchronously, inside the operation that caused them,
// and retained in an append-only log for queries.
type Event interface {
	// EventName returns the wire name ("Deposit", "Withdraw", ...).
	EventName() string
}

// Sink receives every event the engine emits. Publish is called inside the
// operation that produced the event, so sinks must return quickly and must
// not call back into the engine.
type Sink interface {
	Publish(Event)
}

// DepositEvent records a deposit into escrow. Balance is the caller's escrow
// balance for Token after the deposit.
type DepositEvent struct {
	Token     common.Address `json:"token"`
	User      common.Address `json:"user"`
	Amount    *uint256.Int   `json:"amount"`
	Balance   *uint256.Int   `json:"balance"`
	Timestamp int64          `json:"timestamp"`
}

func (DepositEvent) EventName() string { return "Deposit" }

// WithdrawEvent records a withdrawal out of escrow back to the user's wallet.
type WithdrawEvent struct {
	Token     common.Address `json:"token"`
	User      common.Address `json:"user"`
	Amount    *uint256.Int   `json:"amount"`
	Balance   *uint256.Int   `json:"balance"`
	Timestamp int64          `json:"timestamp"`
}

func (WithdrawEvent) EventName() string { return "Withdraw" }

// OrderEvent records a newly opened order.
type OrderEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

func (OrderEvent) EventName() string { return "Order" }

// CancelEvent carries the original order fields plus the cancellation time.
type CancelEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

func (CancelEvent) EventName() string { return "Cancel" }

// TradeEvent records a fill. User is the filler; Creator is the order maker.
// FeeAmount was debited from the filler on top of AmountGet.
type TradeEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	FeeAmount  *uint256.Int   `json:"feeAmount"`
	Creator    common.Address `json:"creator"`
	Timestamp  int64          `json:"timestamp"`
}

func (TradeEvent) EventName() string { return "Trade" }

// Log is an append-only event log with sink fan-out.
type Log struct {
	mu     sync.RWMutex
	events []Event
	sinks  []Sink
}

func NewLog(sinks ...Sink) *Log {
	return &Log{sinks: sinks}
}

// AddSink attaches a sink. Sinks added after events were published do not
// see the backlog; use Events for catch-up.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Publish appends the event and fans it out to all sinks.
func (l *Log) Publish(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	sinks := make([]Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.mu.Unlock()

	for _, s := range sinks {
		s.Publish(e)
	}
}

// append records an event without notifying sinks (journal replay on open).
func (l *Log) append(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// Events returns a snapshot of all events in emission order.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
