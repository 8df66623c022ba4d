package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowx/pkg/api"
	"github.com/uhyunpark/escrowx/pkg/crypto"
	"github.com/uhyunpark/escrowx/pkg/exchange"
	"github.com/uhyunpark/escrowx/pkg/token"
)

var (
	exchangeAddr = common.HexToAddress("0xE5C10000000000000000000000000000000000E5")
	feeAccount   = common.HexToAddress("0x0FEE000000000000000000000000000000000FEE")
	deployer     = common.HexToAddress("0xDE90000000000000000000000000000000000001")
	tnAddr       = common.HexToAddress("0x1000000000000000000000000000000000000001")
	fethAddr     = common.HexToAddress("0x1000000000000000000000000000000000000002")
)

type testEnv struct {
	srv    *httptest.Server
	server *api.Server
	signer *crypto.Signer
	nonce  uint64
}

// newTestEnv spins up the API over an in-memory engine with one funded
// signer: 100 TN in the signer's wallet.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	reg := token.NewRegistry()
	tn := token.NewToken(tnAddr, "Token name", "TN", 1_000_000, deployer)
	feth := token.NewToken(fethAddr, "Fake Ether", "FETH", 1_000_000, deployer)
	for _, tok := range []*token.Token{tn, feth} {
		if err := reg.Register(tok); err != nil {
			t.Fatalf("register token: %v", err)
		}
	}
	if err := tn.Transfer(deployer, signer.Address(), token.Units(100)); err != nil {
		t.Fatalf("fund signer: %v", err)
	}

	resolve := func(addr common.Address) (exchange.Ledger, error) {
		tok, err := reg.Get(addr)
		if err != nil {
			return nil, err
		}
		return tok, nil
	}
	ex := exchange.New(exchangeAddr, feeAccount, 10, resolve)

	server := api.NewServer(ex, reg, zap.NewNop().Sugar())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, server: server, signer: signer}
}

func (env *testEnv) nextNonce() uint64 {
	env.nonce++
	return env.nonce
}

func (env *testEnv) sign(t *testing.T, digest common.Hash) string {
	t.Helper()
	sig, err := env.signer.Sign(digest.Bytes())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return hexutil.Encode(sig)
}

func (env *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(env.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (env *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(env.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d", resp.StatusCode, want)
	}
}

// approveAndDeposit runs the signed approve + deposit sequence for n whole TN.
func (env *testEnv) approveAndDeposit(t *testing.T, n uint64) {
	t.Helper()
	amount := token.Units(n)

	nonce := env.nextNonce()
	resp := env.post(t, "/api/v1/tokens/"+tnAddr.Hex()+"/approve", api.ApproveRequest{
		Token: tnAddr.Hex(), Spender: exchangeAddr.Hex(), Amount: amount.Dec(),
		Nonce: nonce, Signature: env.sign(t, crypto.ApproveDigest(tnAddr, exchangeAddr, amount, nonce)),
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	nonce = env.nextNonce()
	resp = env.post(t, "/api/v1/deposits", api.DepositRequest{
		Token: tnAddr.Hex(), Amount: amount.Dec(),
		Nonce: nonce, Signature: env.sign(t, crypto.DepositDigest(tnAddr, amount, nonce)),
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestListTokens(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/v1/tokens")
	requireStatus(t, resp, http.StatusOK)
	tokens := decodeBody[[]api.TokenInfo](t, resp)
	if len(tokens) != 2 {
		t.Fatalf("token count = %d, want 2", len(tokens))
	}
	for _, info := range tokens {
		if info.Decimals != 18 {
			t.Errorf("decimals = %d, want 18", info.Decimals)
		}
		if info.TotalSupply != token.Units(1_000_000).Dec() {
			t.Errorf("total supply = %s, want %s", info.TotalSupply, token.Units(1_000_000).Dec())
		}
	}
}

func TestDepositFlow(t *testing.T) {
	env := newTestEnv(t)
	env.approveAndDeposit(t, 10)

	path := fmt.Sprintf("/api/v1/accounts/%s/balances/%s", env.signer.Address().Hex(), tnAddr.Hex())
	resp := env.get(t, path)
	requireStatus(t, resp, http.StatusOK)
	bal := decodeBody[api.BalanceInfo](t, resp)
	if bal.Amount != token.Units(10).Dec() {
		t.Errorf("escrow balance = %s, want %s", bal.Amount, token.Units(10).Dec())
	}
}

func TestOrderLifecycleOverAPI(t *testing.T) {
	env := newTestEnv(t)
	env.approveAndDeposit(t, 10)

	amountGet, amountGive := token.Units(10), token.Units(10)
	nonce := env.nextNonce()
	resp := env.post(t, "/api/v1/orders", api.MakeOrderRequest{
		TokenGet: fethAddr.Hex(), AmountGet: amountGet.Dec(),
		TokenGive: tnAddr.Hex(), AmountGive: amountGive.Dec(),
		Nonce:     nonce,
		Signature: env.sign(t, crypto.MakeOrderDigest(fethAddr, amountGet, tnAddr, amountGive, nonce)),
	})
	requireStatus(t, resp, http.StatusOK)
	made := decodeBody[api.MakeOrderResponse](t, resp)
	if made.ID != 1 {
		t.Fatalf("order id = %d, want 1", made.ID)
	}

	resp = env.get(t, "/api/v1/orders/1")
	requireStatus(t, resp, http.StatusOK)
	order := decodeBody[api.OrderInfo](t, resp)
	if order.Status != "open" {
		t.Errorf("status = %q, want open", order.Status)
	}
	if order.AmountGet != amountGet.Dec() || order.AmountGive != amountGive.Dec() {
		t.Errorf("unexpected order amounts: %+v", order)
	}

	nonce = env.nextNonce()
	resp = env.post(t, "/api/v1/orders/cancel", api.CancelOrderRequest{
		ID: 1, Nonce: nonce, Signature: env.sign(t, crypto.CancelOrderDigest(1, nonce)),
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.get(t, "/api/v1/orders/1")
	order = decodeBody[api.OrderInfo](t, resp)
	if order.Status != "cancelled" {
		t.Errorf("status after cancel = %q, want cancelled", order.Status)
	}

	resp = env.get(t, "/api/v1/events")
	requireStatus(t, resp, http.StatusOK)
	events := decodeBody[[]json.RawMessage](t, resp)
	// approve is a ledger event; the engine journal holds deposit, order, cancel.
	if len(events) != 3 {
		t.Errorf("event count = %d, want 3", len(events))
	}
}

func TestStaleNonceRejected(t *testing.T) {
	env := newTestEnv(t)
	env.approveAndDeposit(t, 10)

	// Replay the deposit with the already-consumed nonce.
	amount := token.Units(10)
	nonce := env.nonce
	resp := env.post(t, "/api/v1/deposits", api.DepositRequest{
		Token: tnAddr.Hex(), Amount: amount.Dec(),
		Nonce: nonce, Signature: env.sign(t, crypto.DepositDigest(tnAddr, amount, nonce)),
	})
	requireStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestFailedOperationDoesNotConsumeNonce(t *testing.T) {
	env := newTestEnv(t)

	// Unapproved deposit fails in the engine; the same nonce must then be
	// accepted for a valid request.
	amount := token.Units(10)
	nonce := env.nextNonce()
	resp := env.post(t, "/api/v1/deposits", api.DepositRequest{
		Token: tnAddr.Hex(), Amount: amount.Dec(),
		Nonce: nonce, Signature: env.sign(t, crypto.DepositDigest(tnAddr, amount, nonce)),
	})
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = env.post(t, "/api/v1/tokens/"+tnAddr.Hex()+"/approve", api.ApproveRequest{
		Token: tnAddr.Hex(), Spender: exchangeAddr.Hex(), Amount: amount.Dec(),
		Nonce: nonce, Signature: env.sign(t, crypto.ApproveDigest(tnAddr, exchangeAddr, amount, nonce)),
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	env.approveAndDeposit(t, 10)

	// Unknown order -> 404.
	nonce := env.nextNonce()
	resp := env.post(t, "/api/v1/orders/fill", api.FillOrderRequest{
		ID: 99, Nonce: nonce, Signature: env.sign(t, crypto.FillOrderDigest(99, nonce)),
	})
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	// Cancelling someone else's order -> 403.
	amountGet, amountGive := token.Units(1), token.Units(1)
	nonce = env.nextNonce()
	resp = env.post(t, "/api/v1/orders", api.MakeOrderRequest{
		TokenGet: fethAddr.Hex(), AmountGet: amountGet.Dec(),
		TokenGive: tnAddr.Hex(), AmountGive: amountGive.Dec(),
		Nonce:     nonce,
		Signature: env.sign(t, crypto.MakeOrderDigest(fethAddr, amountGet, tnAddr, amountGive, nonce)),
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	stranger, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := stranger.Sign(crypto.CancelOrderDigest(1, 1).Bytes())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp = env.post(t, "/api/v1/orders/cancel", api.CancelOrderRequest{
		ID: 1, Nonce: 1, Signature: hexutil.Encode(sig),
	})
	requireStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	// Garbage signature -> 401.
	resp = env.post(t, "/api/v1/orders/cancel", api.CancelOrderRequest{
		ID: 1, Nonce: env.nextNonce(), Signature: "0xdeadbeef",
	})
	requireStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	// Malformed amount -> 400 before any signature check.
	resp = env.post(t, "/api/v1/deposits", api.DepositRequest{
		Token: tnAddr.Hex(), Amount: "not-a-number", Nonce: env.nextNonce(), Signature: "0x00",
	})
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestWithdrawInsufficientEscrow(t *testing.T) {
	env := newTestEnv(t)
	env.approveAndDeposit(t, 5)

	amount := token.Units(10)
	nonce := env.nextNonce()
	resp := env.post(t, "/api/v1/withdrawals", api.WithdrawRequest{
		Token: tnAddr.Hex(), Amount: amount.Dec(),
		Nonce: nonce, Signature: env.sign(t, crypto.WithdrawDigest(tnAddr, amount, nonce)),
	})
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestWebSocketFeedDeliversEvents(t *testing.T) {
	env := newTestEnv(t)

	// Handler may be fetched any number of times; the hub loop is owned by
	// NewServer, not by Handler or Start.
	for i := 0; i < 3; i++ {
		if env.server.Handler() == nil {
			t.Fatal("nil handler")
		}
	}

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Let the hub register the client before producing events.
	time.Sleep(100 * time.Millisecond)
	env.approveAndDeposit(t, 5)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		t.Fatalf("decode feed message: %v", err)
	}
	if envelope.Type != "Deposit" {
		t.Errorf("feed type = %q, want Deposit", envelope.Type)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/health")
	requireStatus(t, resp, http.StatusOK)
	status := decodeBody[struct {
		Status string `json:"status"`
	}](t, resp)
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}
