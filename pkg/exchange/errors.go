package exchange

import "errors"

var (
	// ErrInsufficientEscrowBalance rejects withdrawals, order creation, and
	// fills that would overdraw an escrow entry.
	ErrInsufficientEscrowBalance = errors.New("exchange: insufficient escrow balance")

	// ErrUnknownOrder rejects references to order ids that were never issued.
	ErrUnknownOrder = errors.New("exchange: unknown order")

	// ErrUnauthorized rejects actions by callers other than the order creator.
	ErrUnauthorized = errors.New("exchange: unauthorized")

	// ErrAlreadyFinalized rejects actions on cancelled or filled orders.
	ErrAlreadyFinalized = errors.New("exchange: order already finalized")

	// ErrAmountOverflow rejects fee arithmetic that would wrap 256 bits.
	ErrAmountOverflow = errors.New("exchange: amount overflow")
)
