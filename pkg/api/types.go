package api

import "github.com/uhyunpark/escrowx/pkg/exchange"

// Request/response types for REST endpoints and WebSocket messages.
// Amounts are decimal strings in 18-decimal fixed point; signatures are
// 0x-prefixed 65-byte hex over the matching pkg/crypto request digest.

type ApproveRequest struct {
	Token     string `json:"token"`
	Spender   string `json:"spender"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type DepositRequest struct {
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type WithdrawRequest struct {
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type MakeOrderRequest struct {
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Nonce      uint64 `json:"nonce"`
	Signature  string `json:"signature"`
}

type CancelOrderRequest struct {
	ID        uint64 `json:"id"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type FillOrderRequest struct {
	ID        uint64 `json:"id"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// TokenInfo describes a registered token ledger.
type TokenInfo struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

// BalanceInfo is one escrow entry.
type BalanceInfo struct {
	User   string `json:"user"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// OrderInfo is the REST view of an order.
type OrderInfo struct {
	ID         uint64 `json:"id"`
	Creator    string `json:"creator"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"`
}

type MakeOrderResponse struct {
	ID uint64 `json:"id"`
}

// EventEnvelope wraps an engine event for the websocket feed and /events.
type EventEnvelope struct {
	Type string         `json:"type"`
	Data exchange.Event `json:"data"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}
