// Package api provides the HTTP handlers for bidding, live stats, ledger
// verification and administrative settlement.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/apperr"
	"github.com/atmx/auction-engine/internal/bidding"
	"github.com/atmx/auction-engine/internal/commission"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/settlement"
)

// Request headers.
const (
	HeaderUserID         = "X-User-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Handler serves the auction API.
type Handler struct {
	bids       *bidding.Service
	admin      *settlement.Admin
	commission *commission.Service
	logger     *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(bids *bidding.Service, admin *settlement.Admin, cs *commission.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bids: bids, admin: admin, commission: cs, logger: logger}
}

// Routes mounts the API under r. Paths are relative to /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/auctions/{auctionID}", func(r chi.Router) {
		r.Post("/bids", h.PlaceBid)
		r.Get("/stats", h.GetStats)
		r.Get("/ledger/verify", h.VerifyLedger)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Post("/auctions/{auctionID}/settle", h.SettleAuction)
		r.Post("/payouts/{payoutID}/complete", h.CompletePayout)
		r.Get("/commission", h.GetCommission)
		r.Put("/commission", h.UpdateCommission)
	})
}

// --- Request types ---

// PlaceBidRequest is the JSON body for POST /auctions/{auctionID}/bids.
// Amount is in minor units and may be sent as a string or a number.
type PlaceBidRequest struct {
	Amount json.Number `json:"amount"`
}

// CommissionRequest is the JSON body for PUT /admin/commission.
type CommissionRequest struct {
	BuyerCommissionPercent  decimal.Decimal            `json:"buyer_commission_percent"`
	SellerCommissionPercent decimal.Decimal            `json:"seller_commission_percent"`
	PlatformFlatFee         decimal.Decimal            `json:"platform_flat_fee"`
	CategoryOverrides       map[string]decimal.Decimal `json:"category_overrides,omitempty"`
}

// --- Bidding ---

// PlaceBid handles POST /api/v1/auctions/{auctionID}/bids
// The response body of an accepted bid is stored and replayed verbatim for
// a repeated Idempotency-Key.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req PlaceBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.BadRequest("invalid_body", "invalid request body"))
		return
	}
	if req.Amount == "" {
		writeError(w, apperr.BadRequest("invalid_amount", "amount is required"))
		return
	}

	out, err := h.bids.PlaceBid(r.Context(), bidding.PlaceBidInput{
		AuctionID:      chi.URLParam(r, "auctionID"),
		BidderID:       r.Header.Get(HeaderUserID),
		Amount:         req.Amount.String(),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if out.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.StatusCode)
	w.Write(out.Body)
}

// GetStats handles GET /api/v1/auctions/{auctionID}/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.bids.Stats(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// VerifyLedger handles GET /api/v1/auctions/{auctionID}/ledger/verify
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	res, err := h.bids.VerifyLedger(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Administration ---

// SettleAuction handles POST /api/v1/admin/auctions/{auctionID}/settle
// Returns 202 when the buyer's escrow is not funded yet.
func (h *Handler) SettleAuction(w http.ResponseWriter, r *http.Request) {
	res, err := h.admin.SettleAuction(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Status == settlement.StatusAwaitingFunds {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// CompletePayout handles POST /api/v1/admin/payouts/{payoutID}/complete
func (h *Handler) CompletePayout(w http.ResponseWriter, r *http.Request) {
	res, err := h.admin.CompletePayout(r.Context(), chi.URLParam(r, "payoutID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetCommission handles GET /api/v1/admin/commission
func (h *Handler) GetCommission(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.commission.Active(r.Context(), r.URL.Query().Get("refresh") == "true"))
}

// UpdateCommission handles PUT /api/v1/admin/commission
func (h *Handler) UpdateCommission(w http.ResponseWriter, r *http.Request) {
	var req CommissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.BadRequest("invalid_body", "invalid request body"))
		return
	}
	if err := validateCommission(req); err != nil {
		writeError(w, err)
		return
	}

	cs, err := h.commission.UpdateSettings(r.Context(), model.CommissionSettings{
		BuyerCommissionPercent:  req.BuyerCommissionPercent,
		SellerCommissionPercent: req.SellerCommissionPercent,
		PlatformFlatFee:         req.PlatformFlatFee,
		CategoryOverrides:       req.CategoryOverrides,
	})
	if err != nil {
		h.logger.Error("commission settings update failed", "err", err)
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

var hundred = decimal.NewFromInt(100)

func validateCommission(req CommissionRequest) error {
	for name, pct := range map[string]decimal.Decimal{
		"buyer_commission_percent":  req.BuyerCommissionPercent,
		"seller_commission_percent": req.SellerCommissionPercent,
	} {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return apperr.BadRequest("invalid_commission", name+" must be between 0 and 100").
				WithMeta("field", name)
		}
	}
	if req.PlatformFlatFee.IsNegative() {
		return apperr.BadRequest("invalid_commission", "platform_flat_fee must not be negative").
			WithMeta("field", "platform_flat_fee")
	}
	for category, pct := range req.CategoryOverrides {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return apperr.BadRequest("invalid_commission", "category override must be between 0 and 100").
				WithMeta("field", "category_overrides").
				WithMeta("category", category)
		}
	}
	return nil
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": reason, "message": text} plus any metadata
// carried by the error. Errors outside the taxonomy become a generic 500.
func writeError(w http.ResponseWriter, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Internal(err)
	}

	body := make(map[string]any, len(e.Meta)+2)
	for k, v := range e.Meta {
		body[k] = v
	}
	body["error"] = e.Reason
	body["message"] = e.Message

	if secs, ok := e.Meta["retry_after_seconds"].(int64); ok && secs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, e.Status(), body)
}
