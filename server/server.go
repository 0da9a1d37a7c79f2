// Package server exposes the settlement core over HTTP: order lifecycle
// commands, the public status surface, the ops endpoints, and the realtime
// notification stream.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"settlecore/engine"
	"settlecore/middleware"
	"settlecore/models"
	"settlecore/outbox"
	"settlecore/status"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB          *gorm.DB
	Engine      *engine.Engine
	Drainer     *outbox.Drainer
	Broadcaster *outbox.Broadcaster
	APISecret   string
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db          *gorm.DB
	engine      *engine.Engine
	drainer     *outbox.Drainer
	broadcaster *outbox.Broadcaster
	apiSecret   string

	router http.Handler
}

// New constructs a configured HTTP router with authentication and
// idempotency support.
func New(cfg Config) *Server {
	srv := &Server{
		db:          cfg.DB,
		engine:      cfg.Engine,
		drainer:     cfg.Drainer,
		broadcaster: cfg.Broadcaster,
		apiSecret:   strings.TrimSpace(cfg.APISecret),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.authenticate)
		api.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.db, next) })

		api.Post("/orders", s.CreateOrder)
		api.Get("/orders/{id}", s.GetOrder)
		api.Get("/orders/{id}/events", s.ListOrderEvents)
		api.Patch("/orders/{id}/status", s.PatchOrderStatus)
		api.Post("/orders/{id}/escrow", s.LockEscrow)
		api.Post("/orders/{id}/release", s.ReleaseEscrow)
		api.Post("/orders/{id}/cancel", s.CancelOrder)
		api.Post("/orders/{id}/extend", s.ExtendOrder)
	})

	r.Route("/ops", func(ops chi.Router) {
		ops.Use(s.authenticate)
		ops.Get("/outbox/stuck", s.ListStuckNotifications)
	})

	r.Get("/ws/orders", s.StreamOrders)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

// authenticate enforces the shared bearer secret when one is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiSecret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actorFromRequest resolves the acting identity from request headers.
// Mutating endpoints require a recognised actor kind.
func actorFromRequest(r *http.Request) (status.Actor, bool) {
	kind := status.ActorType(strings.ToLower(strings.TrimSpace(r.Header.Get("X-Actor-Type"))))
	if !kind.Valid() {
		return status.Actor{}, false
	}
	return status.Actor{Kind: kind, ID: strings.TrimSpace(r.Header.Get("X-Actor-ID"))}, true
}

func orderIDFromRequest(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// orderResponse is the wire shape of an order: the full row plus the public
// collapsed status.
type orderResponse struct {
	*models.Order
	MinimalStatus status.Minimal `json:"minimal_status"`
}

func respondOrder(w http.ResponseWriter, httpStatus int, order *models.Order) {
	writeJSON(w, httpStatus, orderResponse{Order: order, MinimalStatus: status.MinimalOf(order.Status)})
}

func writeJSON(w http.ResponseWriter, httpStatus int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(v)
}

// CreateOrder opens a pending order against a merchant offer.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID             uuid.UUID       `json:"user_id"`
		MerchantID         uuid.UUID       `json:"merchant_id"`
		OfferID            uuid.UUID       `json:"offer_id"`
		Type               string          `json:"type"`
		PaymentMethod      string          `json:"payment_method"`
		CryptoAmount       decimal.Decimal `json:"crypto_amount"`
		CryptoCurrency     string          `json:"crypto_currency"`
		FiatAmount         decimal.Decimal `json:"fiat_amount"`
		FiatCurrency       string          `json:"fiat_currency"`
		Rate               decimal.Decimal `json:"rate"`
		SpreadPreference   string          `json:"spread_preference"`
		BuyerWalletAddress string          `json:"buyer_wallet_address"`
		PaymentDetails     string          `json:"payment_details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	order, err := s.engine.Create(r.Context(), engine.CreateParams{
		UserID:             req.UserID,
		MerchantID:         req.MerchantID,
		OfferID:            req.OfferID,
		Side:               req.Type,
		PaymentMethod:      req.PaymentMethod,
		CryptoAmount:       req.CryptoAmount,
		CryptoCurrency:     req.CryptoCurrency,
		FiatAmount:         req.FiatAmount,
		FiatCurrency:       req.FiatCurrency,
		Rate:               req.Rate,
		SpreadPreference:   req.SpreadPreference,
		BuyerWalletAddress: req.BuyerWalletAddress,
		PaymentDetails:     req.PaymentDetails,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondOrder(w, http.StatusCreated, order)
}

// GetOrder returns the order snapshot with its public status.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDFromRequest(r)
	if !ok {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	order, err := s.engine.Load(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	respondOrder(w, http.StatusOK, order)
}

// ListOrderEvents returns the append-only transition history of an order.
func (s *Server) ListOrderEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDFromRequest(r)
	if !ok {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	var events []models.OrderEvent
	err := s.db.WithContext(r.Context()).
		Where("order_id = ?", id).
		Order("created_at").
		Find(&events).Error
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// PatchOrderStatus drives a validated status transition. Transient internal
// statuses are rejected at the boundary.
func (s *Server) PatchOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDFromRequest(r)
	if !ok {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "missing actor identity", http.StatusBadRequest)
		return
	}
	var req struct {
		Status   string            `json:"status"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	to, err := status.ParseWrite(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.engine.PatchStatus(r.Context(), id, to, actor, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	respondOrder(w, http.StatusOK, result.Order)
}

// LockEscrow records escrow funding for the order.
func (s *Server) LockEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDFromRequest(r)
	if !ok {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "missing actor identity", http.StatusBadRequest)
		return
	}
	var req struct {
		TxHash        string `json:"tx_hash"`
		Address       string `json:"address"`
		TradeID       string `json:"trade_id"`
		TradePDA      string `json:"trade_pda"`
		PDA           string `json:"pda"`
		CreatorWallet string `json:"creator_wallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.TxHash == "" {
		http.Error(w, "tx_hash is required", http.StatusBadRequest)
		return
	}
	result, err := s.engine.EscrowLock(r.Context(), id, actor, engine.EscrowRefs{
		TxHash:        req.TxHash,
		Address:       req.Address,
		TradeID:       req.TradeID,
		TradePDA:      req.TradePDA,
		PDA:           req.PDA,
		CreatorWallet: req.CreatorWallet,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondOrder(w, http.StatusOK, result.Order)
}

// ReleaseEscrow settles the order and collects the platform fee.
func (s *Server) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDFromRequest(r)
	if !ok {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "missing actor identity", http.StatusBadRequest)
		return
	}
	var req struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.engine.Release(r.Context(), id, actor, req.TxHash)
	if err != nil {
		writeError(w, err)
		return
	}
	respondOrder(w, http.StatusOK, result.Order)
}

// CancelOrder cancels the order, refunding escrow when it was locked.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDFromRequest(r)
	if !ok {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "missing actor identity", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.engine.Refund(r.Context(), id, actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	respondOrder(w, http.StatusOK, result.Order)
}

// ExtendOrder pushes the order's expiry deadline out.
func (s *Server) ExtendOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDFromRequest(r)
	if !ok {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "missing actor identity", http.StatusBadRequest)
		return
	}
	result, err := s.engine.Extend(r.Context(), id, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	respondOrder(w, http.StatusOK, result.Order)
}

// ListStuckNotifications surfaces outbox rows that have sat undelivered
// beyond the monitoring window.
func (s *Server) ListStuckNotifications(w http.ResponseWriter, r *http.Request) {
	if s.drainer == nil {
		writeJSON(w, http.StatusOK, []models.OutboxNotification{})
		return
	}
	rows, err := s.drainer.Stuck(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []models.OutboxNotification{}
	}
	writeJSON(w, http.StatusOK, rows)
}
