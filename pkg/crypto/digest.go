package crypto

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Request digests bind a signature to one specific operation. Each digest is
// keccak256 over a fixed tag plus the length-prefixed field encoding, so two
// requests with different field boundaries can never hash the same.

func digest(tag string, fields ...[]byte) common.Hash {
	var buf []byte
	buf = append(buf, []byte(tag)...)
	for _, f := range fields {
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(f)))
		buf = append(buf, size[:]...)
		buf = append(buf, f...)
	}
	return crypto.Keccak256Hash(buf)
}

func uintField(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func amountField(a *uint256.Int) []byte {
	b := a.Bytes32()
	return b[:]
}

// DepositDigest covers a depositTokens request.
func DepositDigest(token common.Address, amount *uint256.Int, nonce uint64) common.Hash {
	return digest("escrowx/deposit", token.Bytes(), amountField(amount), uintField(nonce))
}

// WithdrawDigest covers a withdrawTokens request.
func WithdrawDigest(token common.Address, amount *uint256.Int, nonce uint64) common.Hash {
	return digest("escrowx/withdraw", token.Bytes(), amountField(amount), uintField(nonce))
}

// ApproveDigest covers a token approve request granting spender on token.
func ApproveDigest(token, spender common.Address, amount *uint256.Int, nonce uint64) common.Hash {
	return digest("escrowx/approve", token.Bytes(), spender.Bytes(), amountField(amount), uintField(nonce))
}

// MakeOrderDigest covers a makeOrder request.
func MakeOrderDigest(tokenGet common.Address, amountGet *uint256.Int, tokenGive common.Address, amountGive *uint256.Int, nonce uint64) common.Hash {
	return digest("escrowx/make-order",
		tokenGet.Bytes(), amountField(amountGet),
		tokenGive.Bytes(), amountField(amountGive),
		uintField(nonce))
}

// CancelOrderDigest covers a cancelOrder request.
func CancelOrderDigest(id, nonce uint64) common.Hash {
	return digest("escrowx/cancel-order", uintField(id), uintField(nonce))
}

// FillOrderDigest covers a fillOrder request.
func FillOrderDigest(id, nonce uint64) common.Hash {
	return digest("escrowx/fill-order", uintField(id), uintField(nonce))
}
