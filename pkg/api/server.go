package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	xcrypto "github.com/uhyunpark/escrowx/pkg/crypto"
	"github.com/uhyunpark/escrowx/pkg/exchange"
	"github.com/uhyunpark/escrowx/pkg/metrics"
	"github.com/uhyunpark/escrowx/pkg/token"
)

// Server handles REST API and WebSocket connections. Mutating endpoints are
// authenticated by recovering the caller address from a signature over the
// request digest; the recovered address is the identity passed to the engine.
type Server struct {
	ex     *exchange.Exchange
	tokens *token.Registry
	router *mux.Router
	hub    *Hub
	logger *zap.SugaredLogger

	// Replay protection: last accepted nonce per caller.
	mu     sync.Mutex
	nonces map[common.Address]uint64
}

// NewServer creates an API server and subscribes its websocket hub to the
// engine's event stream.
func NewServer(ex *exchange.Exchange, tokens *token.Registry, logger *zap.SugaredLogger) *Server {
	s := &Server{
		ex:     ex,
		tokens: tokens,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		logger: logger,
		nonces: make(map[common.Address]uint64),
	}
	ex.AddSink(s.hub)
	go s.hub.Run()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Token endpoints
	api.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	api.HandleFunc("/tokens/{address}", s.handleGetToken).Methods("GET")
	api.HandleFunc("/tokens/{address}/approve", s.handleApprove).Methods("POST")

	// Escrow endpoints
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/accounts/{address}/balances/{token}", s.handleGetBalance).Methods("GET")

	// Order endpoints
	api.HandleFunc("/orders", s.handleMakeOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/fill", s.handleFillOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	// Audit log
	api.HandleFunc("/events", s.handleListEvents).Methods("GET")

	// WebSocket event feed
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Operational endpoints
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start serves HTTP on addr. Blocks.
func (s *Server) Start(addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.logger.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// Handler returns the full HTTP handler (used by tests). The websocket hub
// already runs; calling this any number of times starts nothing new.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ==============================
// Token handlers
// ==============================

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.tokens.List()
	response := make([]TokenInfo, len(tokens))
	for i, t := range tokens {
		response[i] = tokenInfo(t)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.tokens.Get(addr)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, tokenInfo(t))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	tokenAddr, err := parseAddress(req.Token)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	spender, err := parseAddress(req.Spender)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	digest := xcrypto.ApproveDigest(tokenAddr, spender, amount, req.Nonce)
	caller, err := s.authenticate(digest, req.Signature, req.Nonce)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}

	t, err := s.tokens.Get(tokenAddr)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err := t.Approve(caller, spender, amount); err != nil {
		respondError(w, httpStatus(err), err)
		return
	}
	s.consumeNonce(caller, req.Nonce)
	respondJSON(w, statusResponse{Status: "ok"})
}

// ==============================
// Escrow handlers
// ==============================

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	tokenAddr, err := parseAddress(req.Token)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	digest := xcrypto.DepositDigest(tokenAddr, amount, req.Nonce)
	caller, err := s.authenticate(digest, req.Signature, req.Nonce)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}

	if err := s.ex.DepositTokens(caller, tokenAddr, amount); err != nil {
		respondError(w, httpStatus(err), err)
		return
	}
	s.consumeNonce(caller, req.Nonce)
	respondJSON(w, BalanceInfo{
		User:   xcrypto.EIP55(caller),
		Token:  xcrypto.EIP55(tokenAddr),
		Amount: s.ex.BalanceOf(caller, tokenAddr).Dec(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	tokenAddr, err := parseAddress(req.Token)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	digest := xcrypto.WithdrawDigest(tokenAddr, amount, req.Nonce)
	caller, err := s.authenticate(digest, req.Signature, req.Nonce)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}

	if err := s.ex.WithdrawTokens(caller, tokenAddr, amount); err != nil {
		respondError(w, httpStatus(err), err)
		return
	}
	s.consumeNonce(caller, req.Nonce)
	respondJSON(w, BalanceInfo{
		User:   xcrypto.EIP55(caller),
		Token:  xcrypto.EIP55(tokenAddr),
		Amount: s.ex.BalanceOf(caller, tokenAddr).Dec(),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user, err := parseAddress(vars["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	tokenAddr, err := parseAddress(vars["token"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, BalanceInfo{
		User:   xcrypto.EIP55(user),
		Token:  xcrypto.EIP55(tokenAddr),
		Amount: s.ex.BalanceOf(user, tokenAddr).Dec(),
	})
}

// ==============================
// Order handlers
// ==============================

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var req MakeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	tokenGet, err := parseAddress(req.TokenGet)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	amountGet, err := parseAmount(req.AmountGet)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	tokenGive, err := parseAddress(req.TokenGive)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	amountGive, err := parseAmount(req.AmountGive)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	digest := xcrypto.MakeOrderDigest(tokenGet, amountGet, tokenGive, amountGive, req.Nonce)
	caller, err := s.authenticate(digest, req.Signature, req.Nonce)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}

	id, err := s.ex.MakeOrder(caller, tokenGet, amountGet, tokenGive, amountGive)
	if err != nil {
		respondError(w, httpStatus(err), err)
		return
	}
	s.consumeNonce(caller, req.Nonce)
	respondJSON(w, MakeOrderResponse{ID: id})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	digest := xcrypto.CancelOrderDigest(req.ID, req.Nonce)
	caller, err := s.authenticate(digest, req.Signature, req.Nonce)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}

	if err := s.ex.CancelOrder(caller, req.ID); err != nil {
		respondError(w, httpStatus(err), err)
		return
	}
	s.consumeNonce(caller, req.Nonce)
	respondJSON(w, statusResponse{Status: "cancelled"})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	var req FillOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	digest := xcrypto.FillOrderDigest(req.ID, req.Nonce)
	caller, err := s.authenticate(digest, req.Signature, req.Nonce)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}

	if err := s.ex.FillOrder(caller, req.ID); err != nil {
		respondError(w, httpStatus(err), err)
		return
	}
	s.consumeNonce(caller, req.Nonce)
	respondJSON(w, statusResponse{Status: "filled"})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.ex.Orders()
	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = orderInfo(o)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	var id uint64
	if _, err := fmt.Sscanf(mux.Vars(r)["id"], "%d", &id); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	o, err := s.ex.GetOrder(id)
	if err != nil {
		respondError(w, httpStatus(err), err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events := s.ex.Events()
	response := make([]EventEnvelope, len(events))
	for i, e := range events {
		response[i] = EventEnvelope{Type: e.EventName(), Data: e}
	}
	respondJSON(w, response)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ServeWS(s.hub, w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, statusResponse{Status: "ok"})
}

// ==============================
// Helpers
// ==============================

// authenticate recovers the caller from the signature and checks the nonce
// is strictly greater than the last one accepted for that caller. The nonce
// is consumed separately, after the engine call succeeds.
func (s *Server) authenticate(digest common.Hash, sigHex string, nonce uint64) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	caller, err := xcrypto.RecoverAddress(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if nonce <= s.nonces[caller] {
		return common.Address{}, fmt.Errorf("stale nonce %d for %s", nonce, caller.Hex())
	}
	return caller, nil
}

func (s *Server) consumeNonce(caller common.Address, nonce uint64) {
	s.mu.Lock()
	if nonce > s.nonces[caller] {
		s.nonces[caller] = nonce
	}
	s.mu.Unlock()
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, exchange.ErrUnknownOrder):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrAlreadyFinalized):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrInsufficientEscrowBalance),
		errors.Is(err, exchange.ErrAmountOverflow),
		errors.Is(err, token.ErrTransferRejected):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func tokenInfo(t *token.Token) TokenInfo {
	return TokenInfo{
		Address:     xcrypto.EIP55(t.Address()),
		Name:        t.Name(),
		Symbol:      t.Symbol(),
		Decimals:    t.Decimals(),
		TotalSupply: t.TotalSupply().Dec(),
	}
}

func orderInfo(o *exchange.Order) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		Creator:    xcrypto.EIP55(o.Creator),
		TokenGet:   xcrypto.EIP55(o.TokenGet),
		AmountGet:  o.AmountGet.Dec(),
		TokenGive:  xcrypto.EIP55(o.TokenGive),
		AmountGive: o.AmountGive.Dec(),
		Timestamp:  o.Timestamp,
		Status:     o.Status.String(),
	}
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return amount, nil
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func respondError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}
