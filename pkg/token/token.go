package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrTransferRejected is returned when a token movement is not authorized or
// the source balance/allowance cannot cover it. No state changes on rejection.
var ErrTransferRejected = errors.New("token: transfer rejected")

const decimals = 18

// Units scales a whole-token count to 18-decimal fixed point.
func Units(n uint64) *uint256.Int {
	amount := uint256.NewInt(n)
	return amount.Mul(amount, uint256.NewInt(1e18))
}

// TransferEvent records a balance movement between two holders.
type TransferEvent struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

// ApprovalEvent records an allowance grant from owner to spender.
type ApprovalEvent struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

// Token is an in-process fungible token ledger: balances, allowances, and the
// standard transfer/approve/transferFrom operations. Caller identity is an
// explicit parameter on every mutating call; there is no ambient sender.
type Token struct {
	mu sync.RWMutex

	address     common.Address
	name        string
	symbol      string
	totalSupply *uint256.Int

	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int

	// Append-only audit trail of Transfer/Approval records.
	events []any
}

// NewToken creates a token ledger identified by addr and mints supply whole
// tokens (scaled by 18 decimals) to the deployer.
func NewToken(addr common.Address, name, symbol string, supply uint64, deployer common.Address) *Token {
	t := &Token{
		address:     addr,
		name:        name,
		symbol:      symbol,
		totalSupply: Units(supply),
		balances:    make(map[common.Address]*uint256.Int),
		allowances:  make(map[common.Address]map[common.Address]*uint256.Int),
	}
	t.balances[deployer] = t.totalSupply.Clone()
	return t
}

func (t *Token) Address() common.Address { return t.address }
func (t *Token) Name() string            { return t.name }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) Decimals() uint8         { return decimals }

func (t *Token) TotalSupply() *uint256.Int {
	return t.totalSupply.Clone()
}

// BalanceOf returns the current balance of owner, zero if unknown.
func (t *Token) BalanceOf(owner common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if bal, ok := t.balances[owner]; ok {
		return bal.Clone()
	}
	return uint256.NewInt(0)
}

// Allowance returns how much spender may still move out of owner's balance.
func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if grants, ok := t.allowances[owner]; ok {
		if a, ok := grants[spender]; ok {
			return a.Clone()
		}
	}
	return uint256.NewInt(0)
}

// Transfer moves amount from caller to recipient. Rejects the zero address
// and insufficient balances.
func (t *Token) Transfer(caller, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer to zero address", ErrTransferRejected)
	}
	if err := t.move(caller, to, amount); err != nil {
		return err
	}
	t.events = append(t.events, TransferEvent{From: caller, To: to, Amount: amount.Clone()})
	return nil
}

// Approve grants spender the right to move up to amount out of caller's
// balance via TransferFrom. Overwrites any previous grant.
func (t *Token) Approve(caller, spender common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if spender == (common.Address{}) {
		return fmt.Errorf("%w: approve zero address", ErrTransferRejected)
	}
	grants, ok := t.allowances[caller]
	if !ok {
		grants = make(map[common.Address]*uint256.Int)
		t.allowances[caller] = grants
	}
	grants[spender] = amount.Clone()
	t.events = append(t.events, ApprovalEvent{Owner: caller, Spender: spender, Amount: amount.Clone()})
	return nil
}

// TransferFrom moves amount from `from` to `to` on behalf of caller,
// consuming caller's allowance. Allowance is checked before balance; both
// failures surface as ErrTransferRejected with no state change.
func (t *Token) TransferFrom(caller, from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer to zero address", ErrTransferRejected)
	}
	allowance := uint256.NewInt(0)
	if grants, ok := t.allowances[from]; ok {
		if a, ok := grants[caller]; ok {
			allowance = a
		}
	}
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: allowance %s < amount %s", ErrTransferRejected, allowance.Dec(), amount.Dec())
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	t.allowances[from][caller] = new(uint256.Int).Sub(allowance, amount)
	t.events = append(t.events, TransferEvent{From: from, To: to, Amount: amount.Clone()})
	return nil
}

// move applies the balance mutation. Lock must be held.
func (t *Token) move(from, to common.Address, amount *uint256.Int) error {
	bal, ok := t.balances[from]
	if !ok || bal.Lt(amount) {
		have := uint256.NewInt(0)
		if ok {
			have = bal
		}
		return fmt.Errorf("%w: balance %s < amount %s", ErrTransferRejected, have.Dec(), amount.Dec())
	}
	t.balances[from] = new(uint256.Int).Sub(bal, amount)
	dst, ok := t.balances[to]
	if !ok {
		dst = uint256.NewInt(0)
	}
	t.balances[to] = new(uint256.Int).Add(dst, amount)
	return nil
}

// Events returns a snapshot of the audit trail in emission order.
func (t *Token) Events() []any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]any, len(t.events))
	copy(out, t.events)
	return out
}
