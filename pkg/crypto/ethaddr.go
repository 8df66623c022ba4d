package crypto

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// EIP55 computes the checksummed hex string for an address, used in API
// responses and logs.
func EIP55(addr common.Address) string {
	hexaddr := hex.EncodeToString(addr[:]) // lower
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexaddr))
	hash := h.Sum(nil)

	out := make([]byte, 2+len(hexaddr))
	copy(out, "0x")
	for i, c := range []byte(hexaddr) {
		if c >= 'a' && c <= 'f' {
			// Uppercase when the matching nibble of the hash is >= 8.
			nibble := hash[i>>1]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c -= 'a' - 'A'
			}
		}
		out[2+i] = c
	}
	return string(out)
}
