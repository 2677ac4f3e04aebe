package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"taskium/internal/cache"
	"taskium/internal/mining"
	"taskium/internal/models"
	"taskium/internal/payment"
)

// ReferenceStore is the read-only slice of the store the handlers use
// directly (everything mutating goes through the services).
type ReferenceStore interface {
	ListActivePackages(ctx context.Context) ([]models.TokenPackage, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

type Handler struct {
	Mining   *mining.Service
	Payments *payment.Manager
	Store    ReferenceStore
	Cache    *cache.Redis
}

func NewHandler(miningSvc *mining.Service, payments *payment.Manager, store ReferenceStore, c *cache.Redis) *Handler {
	return &Handler{Mining: miningSvc, Payments: payments, Store: store, Cache: c}
}

type activateRequest struct {
	Source          string     `json:"source,omitempty"`
	ClientTimestamp *time.Time `json:"clientTimestamp,omitempty"`
}

type activateResponse struct {
	MiningActive     bool   `json:"miningActive"`
	LastActivationAt string `json:"lastActivationAt,omitempty"`
	StreakDay        int    `json:"streakDay"`
	AlreadyActive    bool   `json:"alreadyActive"`
	Code             string `json:"code,omitempty"`
}

func (h *Handler) ActivateMining(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, CodeBadRequest, "missing user id")
		return
	}

	var req activateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body is a plain manual activation
	}

	source := models.RewardSource(req.Source)
	if !source.Valid() {
		source = models.SourceManual
	}

	result, err := h.Mining.Activate(r.Context(), userID, source, req.ClientTimestamp)
	if err != nil {
		if errors.Is(err, mining.ErrMissingUserID) {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "missing user id")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "activation failed")
		return
	}

	resp := activateResponse{
		MiningActive:  result.State != nil && result.State.MiningActive,
		StreakDay:     0,
		AlreadyActive: result.AlreadyActive,
	}
	if result.State != nil {
		resp.StreakDay = result.State.StreakDay
		if result.State.LastActivationAt != nil {
			resp.LastActivationAt = result.State.LastActivationAt.Format(time.RFC3339)
		}
	}
	// Informational, not an error: the old streak lapsed before this
	// activation.
	if result.StreakExpired {
		resp.Code = CodeStreakExpired
	} else if result.AlreadyActive {
		resp.Code = CodeAlreadyActive
	}
	writeJSON(w, http.StatusOK, resp)
}

type settingsResponse struct {
	HourlyRewardAmount       string `json:"hourlyRewardAmount"`
	ActivationExpirationHrs  int    `json:"activationExpirationHours"`
	StreakBonusPercentPerDay int    `json:"streakBonusPercentPerDay"`
	MaxStreakDays            int    `json:"maxStreakDays"`
	StreakExpirationHours    int    `json:"streakExpirationHours"`
}

func (h *Handler) GetMiningSettings(w http.ResponseWriter, r *http.Request) {
	const cacheKey = "mining:settings"
	var resp settingsResponse
	if found, _ := h.Cache.GetJSON(r.Context(), cacheKey, &resp); found {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	st := h.Mining.Settings
	resp = settingsResponse{
		HourlyRewardAmount:       st.HourlyReward.String(),
		ActivationExpirationHrs:  int(st.ActivationWindow / time.Hour),
		StreakBonusPercentPerDay: st.StreakBonusPercent,
		MaxStreakDays:            st.MaxStreakDays,
		StreakExpirationHours:    int(st.StreakWindow / time.Hour),
	}
	_ = h.Cache.SetJSON(r.Context(), cacheKey, resp, 5*time.Minute)
	writeJSON(w, http.StatusOK, resp)
}

type historyEntryResponse struct {
	Amount      string `json:"amount"`
	Timestamp   string `json:"timestamp"`
	StreakDay   int    `json:"streakDay"`
	BonusType   string `json:"bonusType"`
	BonusAmount string `json:"bonusAmount"`
	Source      string `json:"source"`
}

func (h *Handler) ListMiningHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, CodeBadRequest, "missing user id")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parseLimit(v); err == nil {
			limit = n
		}
	}

	entries, err := h.Mining.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "list history failed")
		return
	}

	out := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntryResponse{
			Amount:      e.Amount.String(),
			Timestamp:   e.EntryTime.Format(time.RFC3339),
			StreakDay:   e.StreakDay,
			BonusType:   string(e.BonusType),
			BonusAmount: e.BonusAmount.String(),
			Source:      string(e.Source),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type packageResponse struct {
	ID                 string  `json:"id"`
	TokenAmount        int64   `json:"tokenAmount"`
	PriceUSD           string  `json:"priceUSD"`
	DiscountPercentage string  `json:"discountPercentage"`
	OfferEndDate       *string `json:"offerEndDate,omitempty"`
}

func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	const cacheKey = "packages:active"
	var out []packageResponse
	if found, _ := h.Cache.GetJSON(r.Context(), cacheKey, &out); found {
		writeJSON(w, http.StatusOK, out)
		return
	}

	packages, err := h.Store.ListActivePackages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "list packages failed")
		return
	}
	out = make([]packageResponse, 0, len(packages))
	for _, p := range packages {
		resp := packageResponse{
			ID:                 p.ID,
			TokenAmount:        p.TokenAmount,
			PriceUSD:           p.PriceUSD.StringFixed(2),
			DiscountPercentage: p.DiscountPercentage.String(),
		}
		if p.OfferEndDate != nil {
			s := p.OfferEndDate.Format(time.RFC3339)
			resp.OfferEndDate = &s
		}
		out = append(out, resp)
	}
	_ = h.Cache.SetJSON(r.Context(), cacheKey, out, time.Minute)
	writeJSON(w, http.StatusOK, out)
}

type createOrderRequest struct {
	PackageID string `json:"packageId"`
	Provider  string `json:"provider"`
}

type createOrderResponse struct {
	OrderID        string `json:"orderId"`
	AmountCharged  string `json:"amountCharged"`
	ApprovalURL    string `json:"approvalUrl,omitempty"`
	DepositAddress string `json:"depositAddress,omitempty"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, CodeBadRequest, "missing user id")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid json body")
		return
	}

	outcome, err := h.Payments.Create(r.Context(), userID, req.PackageID, models.Provider(req.Provider))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidPackage):
			writeError(w, http.StatusBadRequest, CodeInvalidPackage, "invalid or inactive package")
		case errors.Is(err, payment.ErrInvalidProvider):
			writeError(w, http.StatusBadRequest, CodeBadRequest, "unsupported provider")
		case errors.Is(err, payment.ErrGatewayUnavailable):
			writeError(w, http.StatusBadGateway, CodeGatewayUnavailable, "payment gateway unavailable, retry later")
		default:
			writeError(w, http.StatusInternalServerError, CodeInternal, "create order failed")
		}
		return
	}

	h.Payments.StartPoll(outcome.Order.OrderID)

	writeJSON(w, http.StatusOK, createOrderResponse{
		OrderID:        outcome.Order.OrderID,
		AmountCharged:  outcome.Order.AmountCharged.StringFixed(2),
		ApprovalURL:    outcome.ApprovalURL,
		DepositAddress: outcome.DepositAddress,
	})
}

type orderStatusResponse struct {
	OrderID        string `json:"orderId"`
	Status         string `json:"status"`
	Provider       string `json:"provider"`
	AmountCharged  string `json:"amountCharged"`
	ExternalRef    string `json:"externalRef,omitempty"`
	DepositAddress string `json:"depositAddress,omitempty"`
	CapturedAt     string `json:"capturedAt,omitempty"`
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	order, err := h.Payments.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, payment.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "get order failed")
		return
	}

	resp := orderStatusResponse{
		OrderID:       order.OrderID,
		Status:        string(order.Status),
		Provider:      string(order.Provider),
		AmountCharged: order.AmountCharged.StringFixed(2),
	}
	if order.ExternalRef != nil {
		resp.ExternalRef = *order.ExternalRef
	}
	if order.DepositAddress != nil {
		resp.DepositAddress = *order.DepositAddress
	}
	if order.CapturedAt != nil {
		resp.CapturedAt = order.CapturedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type captureResponse struct {
	Status          string `json:"status"`
	CreditedAmount  int64  `json:"creditedAmount"`
	AlreadyCaptured bool   `json:"alreadyCaptured"`
	Code            string `json:"code,omitempty"`
}

func (h *Handler) CaptureOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	outcome, err := h.Payments.Capture(r.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, CodeNotFound, "order not found")
		case errors.Is(err, payment.ErrOrderTerminal):
			writeError(w, http.StatusConflict, CodeBadRequest, "order is in a terminal state")
		case errors.Is(err, payment.ErrNotConfirmed):
			writeError(w, http.StatusConflict, CodeGatewayRejected, "payment not yet confirmed by provider")
		case errors.Is(err, payment.ErrGatewayRejected):
			writeError(w, http.StatusBadGateway, CodeGatewayRejected, "payment rejected by provider")
		case errors.Is(err, payment.ErrGatewayUnavailable):
			writeError(w, http.StatusBadGateway, CodeGatewayUnavailable, "payment gateway unavailable, retry later")
		default:
			writeError(w, http.StatusInternalServerError, CodeInternal, "capture failed")
		}
		return
	}

	resp := captureResponse{
		Status:          string(outcome.Status),
		CreditedAmount:  outcome.CreditedAmount,
		AlreadyCaptured: outcome.AlreadyCaptured,
	}
	if outcome.AlreadyCaptured {
		resp.Code = CodeAlreadyCaptured
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	order, err := h.Payments.Cancel(r.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, CodeNotFound, "order not found")
		case errors.Is(err, payment.ErrOrderTerminal):
			writeError(w, http.StatusConflict, CodeBadRequest, "order can no longer be cancelled")
		default:
			writeError(w, http.StatusInternalServerError, CodeInternal, "cancel failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orderId": order.OrderID, "status": string(order.Status)})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "missing user id")
		return
	}
	user, err := h.Store.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "balance lookup failed")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown user")
		return
	}
	balance, err := h.Store.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "balance lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID, "balance": balance.String()})
}

func parseLimit(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 1000 {
		return 0, errors.New("limit out of range")
	}
	return n, nil
}
