package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testToken   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testSpender = common.HexToAddress("0xE5C10000000000000000000000000000000000E5")
)

func TestSignAndRecover(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	d := DepositDigest(testToken, uint256.NewInt(42), 1)
	sig, err := signer.Sign(d.Bytes())
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}

	recovered, err := RecoverAddress(d.Bytes(), sig)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
	if !VerifySignature(signer.Address(), d.Bytes(), sig) {
		t.Error("verify = false for valid signature")
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer, err := FromPrivateKeyHex(testKeyHex)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	prefixed, err := FromPrivateKeyHex("0x" + testKeyHex)
	if err != nil {
		t.Fatalf("parse 0x key: %v", err)
	}
	if signer.Address() != prefixed.Address() {
		t.Error("0x prefix changed the derived address")
	}
	if signer.PrivateKeyHex() != testKeyHex {
		t.Errorf("round-tripped key = %s, want %s", signer.PrivateKeyHex(), testKeyHex)
	}

	if _, err := FromPrivateKeyHex("nothex"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	alice, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	bob, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	d := WithdrawDigest(testToken, uint256.NewInt(7), 3)
	sig, err := alice.Sign(d.Bytes())
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	if VerifySignature(bob.Address(), d.Bytes(), sig) {
		t.Error("signature verified against a different address")
	}
	if _, err := RecoverAddress(d.Bytes(), sig[:64]); err == nil {
		t.Error("expected error for truncated signature")
	}
}

func TestDigestsAreDistinct(t *testing.T) {
	amount := uint256.NewInt(10)

	// Same fields, different operation tags.
	if DepositDigest(testToken, amount, 1) == WithdrawDigest(testToken, amount, 1) {
		t.Error("deposit and withdraw digests collide")
	}
	if CancelOrderDigest(1, 1) == FillOrderDigest(1, 1) {
		t.Error("cancel and fill digests collide")
	}

	// Nonce must change the digest, or replays would verify.
	if DepositDigest(testToken, amount, 1) == DepositDigest(testToken, amount, 2) {
		t.Error("nonce does not affect digest")
	}
	if ApproveDigest(testToken, testSpender, amount, 1) == ApproveDigest(testSpender, testToken, amount, 1) {
		t.Error("swapping token and spender does not change digest")
	}
	if MakeOrderDigest(testToken, amount, testSpender, amount, 1) ==
		MakeOrderDigest(testSpender, amount, testToken, amount, 1) {
		t.Error("swapping order sides does not change digest")
	}
}
