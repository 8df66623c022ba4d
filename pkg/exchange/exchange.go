package exchange

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowx/pkg/util"
)

// Ledger is the token-ledger contract the engine calls into. The engine never
// mutates ledger balances directly; deposits pull via TransferFrom and
// withdrawals push via Transfer, both with the exchange's own address as caller.
type Ledger interface {
	Transfer(caller, to common.Address, amount *uint256.Int) error
	TransferFrom(caller, from, to common.Address, amount *uint256.Int) error
	BalanceOf(owner common.Address) *uint256.Int
}

// LedgerFunc resolves a token address to its ledger.
type LedgerFunc func(token common.Address) (Ledger, error)

// Exchange is the custodial escrow + order engine. All operations are
// serialized behind one mutex: each call completes fully, including balance
// mutations, persistence, and event emission, before the next begins. Every
// failure path returns before the first mutation.
type Exchange struct {
	mu sync.Mutex

	// Immutable after construction.
	address    common.Address // custody account on every token ledger
	feeAccount common.Address
	feePercent uint64

	resolve LedgerFunc
	clock   util.Clock
	logger  *zap.SugaredLogger

	// escrow: token -> user -> deposited amount.
	escrow map[common.Address]map[common.Address]*uint256.Int

	// Order arena: orders are never deleted, ids are 1..len(orders).
	orders []*Order
	byID   map[uint64]int

	events *Log
	store  *Store // nil when running in memory
}

// New creates an in-memory engine. addr is the exchange's custody account on
// the token ledgers, feeAccount receives the fee cut of every fill, and
// feePercent is the integer percentage charged to the filler.
func New(addr, feeAccount common.Address, feePercent uint64, resolve LedgerFunc) *Exchange {
	return &Exchange{
		address:    addr,
		feeAccount: feeAccount,
		feePercent: feePercent,
		resolve:    resolve,
		clock:      util.RealClock{},
		logger:     zap.NewNop().Sugar(),
		escrow:     make(map[common.Address]map[common.Address]*uint256.Int),
		byID:       make(map[uint64]int),
		events:     NewLog(),
	}
}

// Open creates an engine backed by a pebble database at dbPath and reloads
// escrow entries, orders, and the event journal from it.
func Open(addr, feeAccount common.Address, feePercent uint64, resolve LedgerFunc, dbPath string) (*Exchange, error) {
	e := New(addr, feeAccount, feePercent, resolve)

	store, err := OpenStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	e.store = store

	escrow, err := store.LoadEscrow()
	if err != nil {
		store.Close()
		return nil, err
	}
	e.escrow = escrow

	orders, err := store.LoadOrders()
	if err != nil {
		store.Close()
		return nil, err
	}
	e.orders = orders
	for i, o := range orders {
		e.byID[o.ID] = i
	}

	events, err := store.LoadEvents()
	if err != nil {
		store.Close()
		return nil, err
	}
	for _, ev := range events {
		e.events.append(ev)
	}

	return e, nil
}

// Close closes the underlying database, if any. Taken under the engine lock
// so it cannot interleave with an in-flight operation's commit.
func (e *Exchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// SetClock swaps the time source. Call before serving traffic.
func (e *Exchange) SetClock(c util.Clock) { e.clock = c }

// SetLogger attaches a structured logger. Call before serving traffic.
func (e *Exchange) SetLogger(l *zap.SugaredLogger) { e.logger = l }

// AddSink subscribes a sink to future events.
func (e *Exchange) AddSink(s Sink) { e.events.AddSink(s) }

func (e *Exchange) Address() common.Address    { return e.address }
func (e *Exchange) FeeAccount() common.Address { return e.feeAccount }
func (e *Exchange) FeePercent() uint64         { return e.feePercent }

// DepositTokens pulls amount of token from caller's wallet into exchange
// custody and credits caller's escrow entry. The caller must have approved
// the exchange address on the token ledger beforehand.
func (e *Exchange) DepositTokens(caller, token common.Address, amount *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	led, err := e.resolve(token)
	if err != nil {
		return err
	}
	if err := led.TransferFrom(e.address, caller, e.address, amount); err != nil {
		return err
	}

	balance := new(uint256.Int).Add(e.escrowBalance(token, caller), amount)
	ev := DepositEvent{
		Token:     token,
		User:      caller,
		Amount:    amount.Clone(),
		Balance:   balance.Clone(),
		Timestamp: e.clock.Now().Unix(),
	}
	if err := e.commit(func(b *Batch) error {
		if err := b.SetEscrow(token, caller, balance); err != nil {
			return err
		}
		return b.PutEvent(uint64(e.events.Len()), ev)
	}); err != nil {
		// Push the pulled tokens back so a failed commit leaves the ledger
		// untouched too.
		if rbErr := led.Transfer(e.address, caller, amount); rbErr != nil {
			e.logger.Errorw("deposit_rollback_failed", "token", token.Hex(), "user", caller.Hex(), "err", rbErr)
		}
		return err
	}

	e.setEscrow(token, caller, balance)
	e.events.Publish(ev)
	e.logger.Infow("deposit", "token", token.Hex(), "user", caller.Hex(), "amount", amount.Dec(), "balance", balance.Dec())
	return nil
}

// WithdrawTokens debits caller's escrow entry first, then pushes the amount
// back to caller's wallet. The debit is committed before any tokens leave
// custody, so neither a failed commit nor a crash between commit and transfer
// can ever let the same entry be withdrawn twice.
func (e *Exchange) WithdrawTokens(caller, token common.Address, amount *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	led, err := e.resolve(token)
	if err != nil {
		return err
	}
	have := e.escrowBalance(token, caller)
	if have.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientEscrowBalance, have.Dec(), amount.Dec())
	}

	balance := new(uint256.Int).Sub(have, amount)
	ev := WithdrawEvent{
		Token:     token,
		User:      caller,
		Amount:    amount.Clone(),
		Balance:   balance.Clone(),
		Timestamp: e.clock.Now().Unix(),
	}
	seq := uint64(e.events.Len())
	if err := e.commit(func(b *Batch) error {
		if err := b.SetEscrow(token, caller, balance); err != nil {
			return err
		}
		return b.PutEvent(seq, ev)
	}); err != nil {
		return err
	}
	e.setEscrow(token, caller, balance)

	if err := led.Transfer(e.address, caller, amount); err != nil {
		e.setEscrow(token, caller, have)
		if rbErr := e.commit(func(b *Batch) error {
			if err := b.SetEscrow(token, caller, have); err != nil {
				return err
			}
			return b.DeleteEvent(seq)
		}); rbErr != nil {
			e.logger.Errorw("withdraw_rollback_failed", "token", token.Hex(), "user", caller.Hex(), "err", rbErr)
		}
		return err
	}

	e.events.Publish(ev)
	e.logger.Infow("withdraw", "token", token.Hex(), "user", caller.Hex(), "amount", amount.Dec(), "balance", balance.Dec())
	return nil
}

// BalanceOf returns user's escrow balance for token, zero if none.
func (e *Exchange) BalanceOf(user, token common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.escrowBalance(token, user).Clone()
}

// MakeOrder opens a new order and returns its id. Ids start at 1, increase
// strictly in call order, and are never reused. The creator's escrowed
// tokenGive balance must cover amountGive at call time; nothing is reserved.
func (e *Exchange) MakeOrder(caller, tokenGet common.Address, amountGet *uint256.Int, tokenGive common.Address, amountGive *uint256.Int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	have := e.escrowBalance(tokenGive, caller)
	if have.Lt(amountGive) {
		return 0, fmt.Errorf("%w: have %s, need %s", ErrInsufficientEscrowBalance, have.Dec(), amountGive.Dec())
	}

	id := uint64(len(e.orders)) + 1
	o := &Order{
		ID:         id,
		Creator:    caller,
		TokenGet:   tokenGet,
		AmountGet:  amountGet.Clone(),
		TokenGive:  tokenGive,
		AmountGive: amountGive.Clone(),
		Timestamp:  e.clock.Now().Unix(),
		Status:     OrderOpen,
	}
	ev := OrderEvent{
		ID:         id,
		User:       caller,
		TokenGet:   tokenGet,
		AmountGet:  o.AmountGet.Clone(),
		TokenGive:  tokenGive,
		AmountGive: o.AmountGive.Clone(),
		Timestamp:  o.Timestamp,
	}
	if err := e.commit(func(b *Batch) error {
		if err := b.PutOrder(o); err != nil {
			return err
		}
		return b.PutEvent(uint64(e.events.Len()), ev)
	}); err != nil {
		return 0, err
	}

	e.orders = append(e.orders, o)
	e.byID[id] = len(e.orders) - 1
	e.events.Publish(ev)
	e.logger.Infow("order_opened", "id", id, "creator", caller.Hex())
	return id, nil
}

// CancelOrder moves an Open order to Cancelled. Only the creator may cancel.
func (e *Exchange) CancelOrder(caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.orderByID(id)
	if err != nil {
		return err
	}
	if o.Creator != caller {
		return fmt.Errorf("%w: order %d belongs to %s", ErrUnauthorized, id, o.Creator.Hex())
	}
	if o.IsClosed() {
		return fmt.Errorf("%w: order %d is %s", ErrAlreadyFinalized, id, o.Status)
	}

	upd := o.clone()
	upd.Status = OrderCancelled
	ev := CancelEvent{
		ID:         o.ID,
		User:       o.Creator,
		TokenGet:   o.TokenGet,
		AmountGet:  o.AmountGet.Clone(),
		TokenGive:  o.TokenGive,
		AmountGive: o.AmountGive.Clone(),
		Timestamp:  e.clock.Now().Unix(),
	}
	if err := e.commit(func(b *Batch) error {
		if err := b.PutOrder(upd); err != nil {
			return err
		}
		return b.PutEvent(uint64(e.events.Len()), ev)
	}); err != nil {
		return err
	}

	o.Status = OrderCancelled
	e.events.Publish(ev)
	e.logger.Infow("order_cancelled", "id", id)
	return nil
}

// FillOrder executes an Open order on behalf of caller (the filler). The
// filler pays amountGet plus the fee out of escrowed tokenGet; the creator
// pays amountGive out of escrowed tokenGive. All five balance mutations are
// applied under the engine lock after both sufficiency checks pass, so a
// failed fill leaves every balance untouched.
func (e *Exchange) FillOrder(caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.orderByID(id)
	if err != nil {
		return err
	}
	if o.IsClosed() {
		return fmt.Errorf("%w: order %d is %s", ErrAlreadyFinalized, id, o.Status)
	}

	fee, overflow := new(uint256.Int).MulOverflow(o.AmountGet, uint256.NewInt(e.feePercent))
	if overflow {
		return fmt.Errorf("%w: fee on order %d", ErrAmountOverflow, id)
	}
	fee.Div(fee, uint256.NewInt(100))
	totalGet, carry := new(uint256.Int).AddOverflow(o.AmountGet, fee)
	if carry {
		return fmt.Errorf("%w: debit on order %d", ErrAmountOverflow, id)
	}

	fillerHas := e.escrowBalance(o.TokenGet, caller)
	if fillerHas.Lt(totalGet) {
		return fmt.Errorf("%w: filler has %s, needs %s", ErrInsufficientEscrowBalance, fillerHas.Dec(), totalGet.Dec())
	}
	creatorHas := e.escrowBalance(o.TokenGive, o.Creator)
	if creatorHas.Lt(o.AmountGive) {
		return fmt.Errorf("%w: creator has %s, needs %s", ErrInsufficientEscrowBalance, creatorHas.Dec(), o.AmountGive.Dec())
	}

	// The five mutations must run sequentially against live balances: with a
	// self-fill or a shared token the entries alias, and the batch below
	// relies on later writes to the same key superseding earlier ones.
	fillerGet := e.debitEscrow(o.TokenGet, caller, totalGet)
	creatorGet := e.creditEscrow(o.TokenGet, o.Creator, o.AmountGet)
	feeBal := e.creditEscrow(o.TokenGet, e.feeAccount, fee)
	creatorGive := e.debitEscrow(o.TokenGive, o.Creator, o.AmountGive)
	fillerGive := e.creditEscrow(o.TokenGive, caller, o.AmountGive)

	upd := o.clone()
	upd.Status = OrderFilled
	ev := TradeEvent{
		ID:         o.ID,
		User:       caller,
		TokenGet:   o.TokenGet,
		AmountGet:  o.AmountGet.Clone(),
		TokenGive:  o.TokenGive,
		AmountGive: o.AmountGive.Clone(),
		FeeAmount:  fee.Clone(),
		Creator:    o.Creator,
		Timestamp:  e.clock.Now().Unix(),
	}
	if err := e.commit(func(b *Batch) error {
		if err := b.SetEscrow(o.TokenGet, caller, fillerGet); err != nil {
			return err
		}
		if err := b.SetEscrow(o.TokenGet, o.Creator, creatorGet); err != nil {
			return err
		}
		if err := b.SetEscrow(o.TokenGet, e.feeAccount, feeBal); err != nil {
			return err
		}
		if err := b.SetEscrow(o.TokenGive, o.Creator, creatorGive); err != nil {
			return err
		}
		if err := b.SetEscrow(o.TokenGive, caller, fillerGive); err != nil {
			return err
		}
		if err := b.PutOrder(upd); err != nil {
			return err
		}
		return b.PutEvent(uint64(e.events.Len()), ev)
	}); err != nil {
		// Reverse the five mutations in opposite order.
		e.debitEscrow(o.TokenGive, caller, o.AmountGive)
		e.creditEscrow(o.TokenGive, o.Creator, o.AmountGive)
		e.debitEscrow(o.TokenGet, e.feeAccount, fee)
		e.debitEscrow(o.TokenGet, o.Creator, o.AmountGet)
		e.creditEscrow(o.TokenGet, caller, totalGet)
		return err
	}

	o.Status = OrderFilled
	e.events.Publish(ev)
	e.logger.Infow("order_filled", "id", id, "filler", caller.Hex(), "fee", fee.Dec())
	return nil
}

// OrderCount returns the number of orders ever created.
func (e *Exchange) OrderCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(len(e.orders))
}

// OpenOrderCount returns the number of orders still in the open state.
func (e *Exchange) OpenOrderCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n uint64
	for _, o := range e.orders {
		if !o.IsClosed() {
			n++
		}
	}
	return n
}

// OrderCancelled reports whether id exists and was cancelled.
func (e *Exchange) OrderCancelled(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.orderByID(id)
	return err == nil && o.Status == OrderCancelled
}

// OrderFilled reports whether id exists and was filled.
func (e *Exchange) OrderFilled(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.orderByID(id)
	return err == nil && o.Status == OrderFilled
}

// GetOrder returns a copy of the order with the given id.
func (e *Exchange) GetOrder(id uint64) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.orderByID(id)
	if err != nil {
		return nil, err
	}
	return o.clone(), nil
}

// Orders returns copies of all orders in creation order.
func (e *Exchange) Orders() []*Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Order, len(e.orders))
	for i, o := range e.orders {
		out[i] = o.clone()
	}
	return out
}

// Events returns a snapshot of the audit log.
func (e *Exchange) Events() []Event {
	return e.events.Events()
}

// CheckConservation verifies that the escrow column sum for token does not
// exceed the exchange's balance on that token's ledger.
func (e *Exchange) CheckConservation(token common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	led, err := e.resolve(token)
	if err != nil {
		return err
	}
	sum := uint256.NewInt(0)
	for _, amount := range e.escrow[token] {
		sum.Add(sum, amount)
	}
	held := led.BalanceOf(e.address)
	if sum.Gt(held) {
		return fmt.Errorf("escrow sum %s exceeds custody balance %s for token %s", sum.Dec(), held.Dec(), token.Hex())
	}
	return nil
}

// orderByID resolves an order id. Lock must be held.
func (e *Exchange) orderByID(id uint64) (*Order, error) {
	idx, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownOrder, id)
	}
	return e.orders[idx], nil
}

// escrowBalance returns the live escrow entry. Lock must be held; callers
// must not retain the returned value across mutations.
func (e *Exchange) escrowBalance(token, user common.Address) *uint256.Int {
	if column, ok := e.escrow[token]; ok {
		if amount, ok := column[user]; ok {
			return amount
		}
	}
	return uint256.NewInt(0)
}

// setEscrow stores the balance for one escrow entry. Lock must be held.
func (e *Exchange) setEscrow(token, user common.Address, balance *uint256.Int) {
	column, ok := e.escrow[token]
	if !ok {
		column = make(map[common.Address]*uint256.Int)
		e.escrow[token] = column
	}
	column[user] = balance
}

func (e *Exchange) creditEscrow(token, user common.Address, amount *uint256.Int) *uint256.Int {
	next := new(uint256.Int).Add(e.escrowBalance(token, user), amount)
	e.setEscrow(token, user, next)
	return next
}

func (e *Exchange) debitEscrow(token, user common.Address, amount *uint256.Int) *uint256.Int {
	next := new(uint256.Int).Sub(e.escrowBalance(token, user), amount)
	e.setEscrow(token, user, next)
	return next
}

// commit writes a batch through the store, if one is attached. Operations
// call this before mutating in-memory state, so a failed commit leaves the
// engine exactly as it was.
func (e *Exchange) commit(mut func(*Batch) error) error {
	if e.store == nil {
		return nil
	}
	b, err := e.store.NewBatch()
	if err != nil {
		return err
	}
	defer b.Close()
	if err := mut(b); err != nil {
		return err
	}
	return b.Commit()
}
