package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"stablerails/internal/chain"
	"stablerails/internal/config"
	"stablerails/internal/domain"
	"stablerails/internal/hmacauth"
	"stablerails/internal/payment"
	"stablerails/internal/store"
	"stablerails/internal/wallets"

	"github.com/gagliardetto/solana-go"
)

type Server struct {
	cfg         *config.AppConfig
	coord       *payment.Coordinator
	store       store.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, coord *payment.Coordinator, st store.Store, rpc chain.RPC) *Server {
	verifier := &hmacauth.Verifier{
		Secret:  cfg.Service.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:     cfg,
		coord:   coord,
		store:   st,
		hmac:    verifier,
		metrics: metrics,
	}

	if checker, ok := st.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := rpc.(chain.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/payments", s.hmac.Middleware(http.HandlerFunc(s.handleCreateIntent)))
	mux.Handle("POST /api/v1/payments/{id}/submit", s.hmac.Middleware(http.HandlerFunc(s.handleSubmit)))
	mux.Handle("POST /api/v1/payments/{id}/cancel", s.hmac.Middleware(http.HandlerFunc(s.handleCancel)))
	mux.Handle("POST /api/v1/payments/claim", s.hmac.Middleware(http.HandlerFunc(s.handleClaim)))
	mux.HandleFunc("GET /api/v1/payments/{id}", s.handleGetIntent)
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createIntentRequest struct {
	Purpose            string `json:"purpose,omitempty"`
	PayerID            string `json:"payerId"`
	PayeeID            string `json:"payeeId,omitempty"`
	PayeeWallet        string `json:"payeeWallet,omitempty"`
	Amount             string `json:"amount"`
	Reference          string `json:"reference,omitempty"`
	CreatePayeeAccount bool   `json:"createPayeeAccount,omitempty"`
	RequireTag         bool   `json:"requireTag,omitempty"`
}

type submitRequest struct {
	SignedTx string `json:"signedTx"`
}

type cancelRequest struct {
	PayerID string `json:"payerId"`
}

type claimRequest struct {
	Tag    string `json:"tag"`
	UserID string `json:"userId"`
}

type intentResponse struct {
	ID            string `json:"id"`
	Purpose       string `json:"purpose"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	PlatformFee   string `json:"platformFee,omitempty"`
	UnsignedTx    string `json:"unsignedTx,omitempty"`
	LedgerRef     string `json:"ledgerRef,omitempty"`
	MemoTag       string `json:"memoTag,omitempty"`
	Confirmations uint64 `json:"confirmations"`
	ExpiresAt     string `json:"expiresAt"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var payload createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json payload")
		return
	}

	decimals := uint8(s.cfg.Token.Decimals)
	amount, err := payment.ParseAmount(payload.Amount, decimals)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		s.metrics.incIntent("rejected")
		return
	}

	req := payment.CreateIntentRequest{
		Purpose:            domain.Purpose(payload.Purpose),
		PayerID:            payload.PayerID,
		PayeeID:            payload.PayeeID,
		Amount:             amount,
		Reference:          payload.Reference,
		CreatePayeeAccount: payload.CreatePayeeAccount,
		RequireTag:         payload.RequireTag,
	}
	if payload.PayeeWallet != "" {
		key, err := solana.PublicKeyFromBase58(payload.PayeeWallet)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_wallet", "payeeWallet is not a valid public key")
			s.metrics.incIntent("rejected")
			return
		}
		req.PayeeWallet = key
	}

	intent, err := s.coord.CreateIntent(r.Context(), req)
	if err != nil {
		s.writePaymentError(w, err)
		s.metrics.incIntent("rejected")
		return
	}

	s.metrics.incIntent("created")
	s.writeIntent(w, http.StatusCreated, intent)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "payment id is not a uuid")
		return
	}

	var payload submitRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.SignedTx == "" {
		writeError(w, http.StatusBadRequest, "invalid_json", "signedTx is required")
		return
	}

	intent, err := s.coord.SubmitSigned(r.Context(), id, payload.SignedTx)
	if err != nil {
		s.writePaymentError(w, err)
		s.metrics.incSubmission("rejected")
		return
	}

	s.metrics.incSubmission("submitted")
	s.writeIntent(w, http.StatusOK, intent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "payment id is not a uuid")
		return
	}

	var payload cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.PayerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_json", "payerId is required")
		return
	}

	if err := s.coord.Cancel(r.Context(), id, payload.PayerID); err != nil {
		s.writePaymentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var payload claimRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Tag == "" || payload.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_json", "tag and userId are required")
		return
	}

	intent, err := s.coord.Claim(r.Context(), payload.Tag, payload.UserID)
	if err != nil {
		s.writePaymentError(w, err)
		s.metrics.incClaim("rejected")
		return
	}

	s.metrics.incClaim("claimed")
	s.writeIntent(w, http.StatusOK, intent)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "payment id is not a uuid")
		return
	}

	intent, err := s.coord.GetIntent(r.Context(), id)
	if err != nil {
		s.writePaymentError(w, err)
		return
	}
	s.writeIntent(w, http.StatusOK, intent)
}

func (s *Server) writeIntent(w http.ResponseWriter, status int, intent *domain.PaymentIntent) {
	decimals := uint8(s.cfg.Token.Decimals)
	resp := intentResponse{
		ID:            intent.ID.String(),
		Purpose:       string(intent.Purpose),
		Status:        string(intent.Status),
		Amount:        payment.FormatAmount(intent.Amount, decimals),
		UnsignedTx:    intent.UnsignedTx,
		LedgerRef:     intent.LedgerRef,
		MemoTag:       intent.MemoTag,
		Confirmations: intent.Confirmations,
		ExpiresAt:     intent.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if intent.PlatformFee > 0 {
		resp.PlatformFee = payment.FormatAmount(intent.PlatformFee, decimals)
	}
	// Terminal intents no longer need the signing payload on the wire.
	if intent.Status.Terminal() {
		resp.UnsignedTx = ""
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// writePaymentError maps the settlement error taxonomy onto HTTP codes.
func (s *Server) writePaymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "payment not found")
	case errors.Is(err, payment.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_balance", err.Error())
	case errors.Is(err, payment.ErrInsufficientGas):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_gas", err.Error())
	case errors.Is(err, payment.ErrSelfPayment):
		writeError(w, http.StatusUnprocessableEntity, "self_payment", err.Error())
	case errors.Is(err, payment.ErrAmountOutOfBounds):
		writeError(w, http.StatusUnprocessableEntity, "amount_out_of_bounds", err.Error())
	case errors.Is(err, payment.ErrMissingPayee):
		writeError(w, http.StatusUnprocessableEntity, "missing_payee", err.Error())
	case errors.Is(err, wallets.ErrNoWallet):
		writeError(w, http.StatusUnprocessableEntity, "no_wallet", err.Error())
	case errors.Is(err, store.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, "already_processed", err.Error())
	case errors.Is(err, payment.ErrAlreadyBound):
		writeError(w, http.StatusConflict, "already_bound", err.Error())
	case errors.Is(err, payment.ErrNotSubmittable):
		writeError(w, http.StatusConflict, "not_submittable", err.Error())
	case errors.Is(err, payment.ErrNotCancellable):
		writeError(w, http.StatusConflict, "not_cancellable", err.Error())
	case errors.Is(err, payment.ErrNotClaimable):
		writeError(w, http.StatusConflict, "not_claimable", err.Error())
	case errors.Is(err, payment.ErrIntentExpired):
		writeError(w, http.StatusGone, "expired", err.Error())
	case errors.Is(err, payment.ErrPayloadMismatch),
		errors.Is(err, chain.ErrMalformedPayload),
		errors.Is(err, chain.ErrUnsignedPayload):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusBadGateway, "upstream_error", "settlement backend unavailable")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	if inFlight, err := s.store.InFlight(ctx, 1000); err == nil {
		s.metrics.setInFlight(len(inFlight))
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		next.ServeHTTP(w, r)
	})
}
