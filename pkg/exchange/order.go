package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OrderStatus represents the lifecycle state of an order.
// Transitions: Open -> Cancelled or Open -> Filled, both terminal.
type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderCancelled
	OrderFilled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderCancelled:
		return "cancelled"
	case OrderFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// Order is a standing offer by Creator to give AmountGive of TokenGive in
// exchange for AmountGet of TokenGet. Nothing is reserved at creation;
// escrow sufficiency is re-checked against live balances at fill time.
type Order struct {
	ID         uint64         `json:"id"`
	Creator    common.Address `json:"creator"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
	Status     OrderStatus    `json:"status"`
}

// IsClosed returns true once the order left the Open state.
func (o *Order) IsClosed() bool {
	return o.Status == OrderCancelled || o.Status == OrderFilled
}

func (o *Order) clone() *Order {
	c := *o
	c.AmountGet = o.AmountGet.Clone()
	c.AmountGive = o.AmountGive.Clone()
	return &c
}
