package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based so each record family supports range scans;
// order and event keys zero-pad their sequence number for lexicographic order.
const (
	prefixEscrow = "escrow:"
	prefixOrder  = "order:"
	prefixEvent  = "event:"
)

// escrowKey returns the key for one escrow entry.
// Format: "escrow:{token}:{user}"
func escrowKey(token, user common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixEscrow, token.Hex(), user.Hex()))
}

// orderKey returns the key for an order.
// Format: "order:{id, 20 digits zero-padded}"
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

// eventKey returns the key for a journal entry.
// Format: "event:{seq, 20 digits zero-padded}"
func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
