// sign-order builds and signs API request bodies so they can be POSTed to
// the exchange with curl. With no -key it generates a fresh keypair.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowx/pkg/api"
	"github.com/uhyunpark/escrowx/pkg/crypto"
)

func main() {
	var (
		keyHex     = flag.String("key", "", "private key hex (empty = generate)")
		action     = flag.String("action", "make-order", "approve | deposit | withdraw | make-order | cancel-order | fill-order")
		tokenHex   = flag.String("token", "", "token address (approve/deposit/withdraw)")
		spenderHex = flag.String("spender", "", "spender address (approve)")
		amountStr  = flag.String("amount", "0", "amount, 18-decimal fixed point")
		getHex     = flag.String("token-get", "", "tokenGet address (make-order)")
		getAmount  = flag.String("amount-get", "0", "amountGet (make-order)")
		giveHex    = flag.String("token-give", "", "tokenGive address (make-order)")
		giveAmount = flag.String("amount-give", "0", "amountGive (make-order)")
		id         = flag.Uint64("id", 0, "order id (cancel-order/fill-order)")
		nonce      = flag.Uint64("nonce", 1, "request nonce (must increase per key)")
	)
	flag.Parse()

	signer, err := loadSigner(*keyHex)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "Address: %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}

	var body any
	switch *action {
	case "approve":
		token, spender, amount := mustAddress(*tokenHex), mustAddress(*spenderHex), mustAmount(*amountStr)
		sig := sign(signer, crypto.ApproveDigest(token, spender, amount, *nonce))
		body = api.ApproveRequest{Token: token.Hex(), Spender: spender.Hex(), Amount: amount.Dec(), Nonce: *nonce, Signature: sig}
	case "deposit":
		token, amount := mustAddress(*tokenHex), mustAmount(*amountStr)
		sig := sign(signer, crypto.DepositDigest(token, amount, *nonce))
		body = api.DepositRequest{Token: token.Hex(), Amount: amount.Dec(), Nonce: *nonce, Signature: sig}
	case "withdraw":
		token, amount := mustAddress(*tokenHex), mustAmount(*amountStr)
		sig := sign(signer, crypto.WithdrawDigest(token, amount, *nonce))
		body = api.WithdrawRequest{Token: token.Hex(), Amount: amount.Dec(), Nonce: *nonce, Signature: sig}
	case "make-order":
		tokenGet, amountGet := mustAddress(*getHex), mustAmount(*getAmount)
		tokenGive, amountGive := mustAddress(*giveHex), mustAmount(*giveAmount)
		sig := sign(signer, crypto.MakeOrderDigest(tokenGet, amountGet, tokenGive, amountGive, *nonce))
		body = api.MakeOrderRequest{
			TokenGet: tokenGet.Hex(), AmountGet: amountGet.Dec(),
			TokenGive: tokenGive.Hex(), AmountGive: amountGive.Dec(),
			Nonce: *nonce, Signature: sig,
		}
	case "cancel-order":
		sig := sign(signer, crypto.CancelOrderDigest(*id, *nonce))
		body = api.CancelOrderRequest{ID: *id, Nonce: *nonce, Signature: sig}
	case "fill-order":
		sig := sign(signer, crypto.FillOrderDigest(*id, *nonce))
		body = api.FillOrderRequest{ID: *id, Nonce: *nonce, Signature: sig}
	default:
		fatal(fmt.Errorf("unknown action %q", *action))
	}

	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

func loadSigner(keyHex string) (*crypto.Signer, error) {
	if keyHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.FromPrivateKeyHex(keyHex)
}

func sign(signer *crypto.Signer, digest common.Hash) string {
	sig, err := signer.Sign(digest.Bytes())
	if err != nil {
		fatal(err)
	}
	return hexutil.Encode(sig)
}

func mustAddress(s string) common.Address {
	if !common.IsHexAddress(s) {
		fatal(fmt.Errorf("invalid address %q", s))
	}
	return common.HexToAddress(s)
}

func mustAmount(s string) *uint256.Int {
	amount, err := uint256.FromDecimal(s)
	if err != nil {
		fatal(fmt.Errorf("invalid amount %q: %w", s, err))
	}
	return amount
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
