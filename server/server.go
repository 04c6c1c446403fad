package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"giftvault/booking"
	"giftvault/inventory"
	gvmw "giftvault/middleware"
	"giftvault/models"
	"giftvault/replenish"
	"giftvault/settlement"
	"giftvault/sweeper"
)

// Balances abstracts the ledger balance lookup surfaced to operators.
type Balances interface {
	GetBalance(ctx context.Context, address common.Address) (int64, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB          *gorm.DB
	Store       *inventory.Store
	Booker      *booking.Booker
	Settlement  *settlement.Engine
	Sweeper     *sweeper.Sweeper
	Replenisher *replenish.Trigger
	Ledger      Balances
	Now         func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	DB          *gorm.DB
	Store       *inventory.Store
	Booker      *booking.Booker
	Settlement  *settlement.Engine
	Sweeper     *sweeper.Sweeper
	Replenisher *replenish.Trigger
	Ledger      Balances
	Now         func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router with idempotency support.
func New(cfg Config) *Server {
	srv := &Server{
		DB:          cfg.DB,
		Store:       cfg.Store,
		Booker:      cfg.Booker,
		Settlement:  cfg.Settlement,
		Sweeper:     cfg.Sweeper,
		Replenisher: cfg.Replenisher,
		Ledger:      cfg.Ledger,
		Now:         cfg.Now,
	}
	if srv.Now == nil {
		srv.Now = func() time.Time { return time.Now().UTC() }
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
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return gvmw.WithIdempotency(s.DB, next) })

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/offers", s.CreateOffer)
		api.Post("/offers/{id}/active", s.SetOfferActive)
		api.Post("/offers/{id}/goods", s.AddGoods)
		api.Get("/offers/{id}/inventory", s.GetInventory)
		api.Post("/orders", s.BookOrder)
		api.Post("/redemptions", s.Redeem)
	})

	r.Route("/ops", func(ops chi.Router) {
		ops.Post("/sweep", s.ReleaseUnclaimed)
		ops.Post("/offers/{id}/replenish", s.Replenish)
		ops.Get("/ledger/balance", s.LedgerBalance)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// CreateOffer registers a new offer with an optional replenishment rule.
func (s *Server) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title            string `json:"title"`
		Price            int64  `json:"price"`
		ReceivingAddress string `json:"receiving_address"`
		Rule             *struct {
			MerchantCode     string `json:"merchant_code"`
			TemplateID       string `json:"template_id"`
			BatchSize        int    `json:"batch_size"`
			MinimumThreshold int    `json:"minimum_threshold"`
			Denomination     int64  `json:"denomination"`
		} `json:"rule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Price <= 0 {
		http.Error(w, "price must be positive", http.StatusBadRequest)
		return
	}
	address := strings.TrimSpace(req.ReceivingAddress)
	if !common.IsHexAddress(address) {
		http.Error(w, "receiving_address must be a hex address", http.StatusBadRequest)
		return
	}

	now := s.Now()
	offer := models.Offer{
		ID:               uuid.New(),
		Title:            strings.TrimSpace(req.Title),
		Price:            req.Price,
		ReceivingAddress: common.HexToAddress(address).Hex(),
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&offer).Error; err != nil {
			return err
		}
		if req.Rule != nil {
			rule := models.ReplenishmentRule{
				OfferID:          offer.ID,
				MerchantCode:     strings.TrimSpace(req.Rule.MerchantCode),
				TemplateID:       strings.TrimSpace(req.Rule.TemplateID),
				BatchSize:        req.Rule.BatchSize,
				MinimumThreshold: req.Rule.MinimumThreshold,
				Denomination:     req.Rule.Denomination,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.Create(&rule).Error; err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		http.Error(w, "failed to create offer", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, offer)
}

// SetOfferActive toggles whether an offer accepts new bookings.
func (s *Server) SetOfferActive(w http.ResponseWriter, r *http.Request) {
	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid offer id", http.StatusBadRequest)
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	res := s.DB.Model(&models.Offer{}).
		Where("id = ?", offerID).
		Updates(map[string]any{"is_active": req.Active, "updated_at": s.Now()})
	if res.Error != nil {
		http.Error(w, "failed to update offer", http.StatusInternalServerError)
		return
	}
	if res.RowsAffected == 0 {
		http.Error(w, "offer not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

// AddGoods loads a batch of secret codes into the offer's pool.
func (s *Server) AddGoods(w http.ResponseWriter, r *http.Request) {
	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid offer id", http.StatusBadRequest)
		return
	}
	var req struct {
		Codes []string `json:"codes"`
		Kind  string   `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(req.Codes) == 0 {
		http.Error(w, "codes are required", http.StatusBadRequest)
		return
	}
	var offer models.Offer
	if err := s.DB.First(&offer, "id = ?", offerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "offer not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load offer", http.StatusInternalServerError)
		return
	}
	kind := models.KindCode
	if strings.EqualFold(strings.TrimSpace(req.Kind), string(models.KindVendorCard)) {
		kind = models.KindVendorCard
	}
	goods, err := s.Store.InsertBatch(r.Context(), offerID, kind, req.Codes)
	if err != nil {
		http.Error(w, "failed to insert goods", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int{"added": len(goods)})
}

// GetInventory reports total and per-state counts for the offer.
func (s *Server) GetInventory(w http.ResponseWriter, r *http.Request) {
	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid offer id", http.StatusBadRequest)
		return
	}
	report, err := s.Store.Report(r.Context(), offerID)
	if err != nil {
		http.Error(w, "failed to report inventory", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// BookOrder reserves one good and returns the pending order receipt.
func (s *Server) BookOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OfferID uuid.UUID `json:"offer_id"`
		UserID  string    `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	receipt, err := s.Booker.Book(r.Context(), req.OfferID, req.UserID)
	if err != nil {
		s.handleBookingError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, receipt)
}

// Redeem settles a payment and returns the good's secret value.
func (s *Server) Redeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.TxHash) == "" {
		http.Error(w, "tx_hash is required", http.StatusBadRequest)
		return
	}
	payload, err := s.Settlement.Redeem(r.Context(), req.TxHash)
	if err != nil {
		s.handleSettlementError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// ReleaseUnclaimed runs one sweep pass and reports how many goods returned
// to the pool.
func (s *Server) ReleaseUnclaimed(w http.ResponseWriter, r *http.Request) {
	released, err := s.Sweeper.Sweep(r.Context())
	if err != nil {
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"released": released})
}

// Replenish evaluates the offer's threshold immediately.
func (s *Server) Replenish(w http.ResponseWriter, r *http.Request) {
	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid offer id", http.StatusBadRequest)
		return
	}
	if err := s.Replenisher.MaybeReplenish(r.Context(), offerID); err != nil {
		http.Error(w, "replenish failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "evaluated"})
}

// LedgerBalance surfaces the receiving address balance for operators.
func (s *Server) LedgerBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if !common.IsHexAddress(address) {
		http.Error(w, "address must be a hex address", http.StatusBadRequest)
		return
	}
	if s.Ledger == nil {
		http.Error(w, "ledger not configured", http.StatusServiceUnavailable)
		return
	}
	balance, err := s.Ledger.GetBalance(r.Context(), common.HexToAddress(address))
	if err != nil {
		http.Error(w, "balance lookup failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *Server) handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrOfferNotFound):
		http.Error(w, "offer not found", http.StatusNotFound)
	case errors.Is(err, booking.ErrOfferInactive):
		http.Error(w, "offer inactive", http.StatusConflict)
	case errors.Is(err, booking.ErrOrdersCooldown):
		http.Error(w, "booking cooldown active", http.StatusTooManyRequests)
	case errors.Is(err, inventory.ErrNoGoods):
		http.Error(w, "no goods available", http.StatusConflict)
	default:
		http.Error(w, "booking failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleSettlementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrPaymentNotFound):
		http.Error(w, "payment not found", http.StatusNotFound)
	case errors.Is(err, settlement.ErrPaymentMismatch):
		http.Error(w, "payment does not match a pending order", http.StatusUnprocessableEntity)
	default:
		http.Error(w, "redemption failed", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
