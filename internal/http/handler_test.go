package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskium/internal/mining"
	"taskium/internal/models"
	"taskium/internal/payment"
)

// memStore backs the whole handler surface in memory for endpoint tests.
type memStore struct {
	mu       sync.Mutex
	users    map[string]bool
	states   map[string]*models.RewardState
	history  []models.MiningHistoryEntry
	packages map[string]*models.TokenPackage
	orders   map[string]*models.PaymentOrder
	ledger   map[string]decimal.Decimal
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]bool),
		states:   make(map[string]*models.RewardState),
		packages: make(map[string]*models.TokenPackage),
		orders:   make(map[string]*models.PaymentOrder),
		ledger:   make(map[string]decimal.Decimal),
	}
}

func (f *memStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.users[id] {
		return nil, nil
	}
	return &models.User{ID: id}, nil
}

func (f *memStore) GetRewardState(ctx context.Context, userID string) (*models.RewardState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[userID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (f *memStore) DeactivateRewardState(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[userID]; ok {
		st.MiningActive = false
	}
	return nil
}

func (f *memStore) ListActiveRewardStates(ctx context.Context) ([]*models.RewardState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.RewardState
	for _, st := range f.states {
		if st.MiningActive {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *memStore) ListHistory(ctx context.Context, userID string, limit int) ([]models.MiningHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.MiningHistoryEntry
	for _, e := range f.history {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *memStore) ApplyReward(ctx context.Context, entry *models.MiningHistoryEntry, eventID string, state *models.RewardState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.history {
		if e.UserID == entry.UserID && e.EntryTime.Equal(entry.EntryTime) && e.Source == entry.Source {
			return false, nil
		}
	}
	f.users[entry.UserID] = true
	f.history = append(f.history, *entry)
	if _, exists := f.ledger[eventID]; !exists {
		f.ledger[eventID] = entry.Amount.Add(entry.BonusAmount)
	}
	if state != nil {
		cp := *state
		f.states[state.UserID] = &cp
	}
	return true, nil
}

func (f *memStore) GetPackage(ctx context.Context, id string) (*models.TokenPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkg, ok := f.packages[id]
	if !ok {
		return nil, nil
	}
	cp := *pkg
	return &cp, nil
}

func (f *memStore) ListActivePackages(ctx context.Context) ([]models.TokenPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TokenPackage
	for _, p := range f.packages {
		if p.Active {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *memStore) CreateOrder(ctx context.Context, order *models.PaymentOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[order.UserID] = true
	cp := *order
	f.orders[order.OrderID] = &cp
	return nil
}

func (f *memStore) GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *order
	return &cp, nil
}

func (f *memStore) MarkOrderPending(ctx context.Context, orderID, externalRef string, depositAddress *string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok || order.Status != models.OrderCreated {
		return 0, nil
	}
	order.Status = models.OrderPending
	order.ExternalRef = &externalRef
	order.DepositAddress = depositAddress
	return 1, nil
}

func (f *memStore) MarkOrderCaptured(ctx context.Context, orderID string, capturedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return 0, nil
	}
	switch order.Status {
	case models.OrderCreated, models.OrderPending, models.OrderVerified:
		order.Status = models.OrderCaptured
		order.CapturedAt = &capturedAt
		return 1, nil
	}
	return 0, nil
}

func (f *memStore) TransitionOrder(ctx context.Context, orderID string, from []models.OrderStatus, to models.OrderStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return 0, nil
	}
	for _, st := range from {
		if order.Status == st {
			order.Status = to
			return 1, nil
		}
	}
	return 0, nil
}

func (f *memStore) CreditOrder(ctx context.Context, order *models.PaymentOrder) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.orders[order.OrderID]
	if !ok || stored.Status != models.OrderCaptured {
		return false, nil
	}
	stored.Status = models.OrderCredited
	eventID := "order:" + order.OrderID
	if _, exists := f.ledger[eventID]; !exists {
		f.ledger[eventID] = decimal.NewFromInt(order.TokenAmount)
	}
	return true, nil
}

func (f *memStore) ListOrdersInStatus(ctx context.Context, statuses ...models.OrderStatus) ([]*models.PaymentOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PaymentOrder
	for _, order := range f.orders {
		for _, st := range statuses {
			if order.Status == st {
				cp := *order
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (f *memStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for _, amt := range f.ledger {
		total = total.Add(amt)
	}
	return total, nil
}

// testGateway approves everything.
type testGateway struct {
	status payment.ExternalStatus
}

func (g *testGateway) CreateOrder(ctx context.Context, order *models.PaymentOrder) (*payment.CreateResult, error) {
	return &payment.CreateResult{ExternalRef: "ext-" + order.OrderID, ApprovalURL: "https://pay.example/" + order.OrderID}, nil
}

func (g *testGateway) GetStatus(ctx context.Context, order *models.PaymentOrder) (payment.ExternalStatus, error) {
	if g.status == "" {
		return payment.StatusCompleted, nil
	}
	return g.status, nil
}

func (g *testGateway) Capture(ctx context.Context, order *models.PaymentOrder) (*payment.CaptureResult, error) {
	return &payment.CaptureResult{ExternalRef: "cap-" + order.OrderID}, nil
}

func newTestRouter(store *memStore, gw payment.Gateway) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	miningSvc := mining.NewService(store, mining.Settings{
		HourlyReward:       decimal.NewFromInt(1),
		ActivationWindow:   24 * time.Hour,
		StreakWindow:       48 * time.Hour,
		StreakBonusPercent: 5,
		MaxStreakDays:      10,
	}, nil, logger)
	// A long interval keeps the background poll spawned on order
	// creation from racing the explicit capture calls below.
	payments := payment.NewManager(store,
		map[models.Provider]payment.Gateway{models.ProviderPayPal: gw},
		nil, logger, time.Minute, 5)
	h := NewHandler(miningSvc, payments, store, nil)
	return NewServer(h).Router
}

func seedTestPackage(store *memStore) {
	store.packages["plus"] = &models.TokenPackage{
		ID:          "plus",
		TokenAmount: 550,
		PriceUSD:    decimal.RequireFromString("4.99"),
		Active:      true,
	}
}

func doJSON(t *testing.T, router http.Handler, method, path, userID, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Body.String(), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestActivateEndpoint(t *testing.T) {
	router := newTestRouter(newMemStore(), &testGateway{})

	rec, body := doJSON(t, router, http.MethodPost, "/mining/activate", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["miningActive"])
	assert.Equal(t, float64(1), body["streakDay"])
	assert.Equal(t, false, body["alreadyActive"])
}

func TestActivateEndpointRequiresUser(t *testing.T) {
	router := newTestRouter(newMemStore(), &testGateway{})

	rec, body := doJSON(t, router, http.MethodPost, "/mining/activate", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeBadRequest, body["code"])
}

func TestActivateEndpointRepeatReportsAlreadyActive(t *testing.T) {
	router := newTestRouter(newMemStore(), &testGateway{})

	rec, _ := doJSON(t, router, http.MethodPost, "/mining/activate", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, router, http.MethodPost, "/mining/activate", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code, "repeat activation is a success, not an error")
	assert.Equal(t, true, body["alreadyActive"])
	assert.Equal(t, CodeAlreadyActive, body["code"])
}

func TestSettingsEndpoint(t *testing.T) {
	router := newTestRouter(newMemStore(), &testGateway{})

	rec, body := doJSON(t, router, http.MethodGet, "/mining/settings", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", body["hourlyRewardAmount"])
	assert.Equal(t, float64(24), body["activationExpirationHours"])
	assert.Equal(t, float64(5), body["streakBonusPercentPerDay"])
	assert.Equal(t, float64(10), body["maxStreakDays"])
	assert.Equal(t, float64(48), body["streakExpirationHours"])
}

func TestHistoryEndpoint(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store, &testGateway{})

	rec, _ := doJSON(t, router, http.MethodPost, "/mining/activate", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/mining/history?limit=10", nil)
	req.Header.Set("X-User-Id", "u1")
	hist := httptest.NewRecorder()
	router.ServeHTTP(hist, req)
	require.Equal(t, http.StatusOK, hist.Code)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal(hist.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "manual", entries[0]["source"])
}

func TestListPackagesEndpoint(t *testing.T) {
	store := newMemStore()
	seedTestPackage(store)
	router := newTestRouter(store, &testGateway{})

	req := httptest.NewRequest(http.MethodGet, "/packages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "plus", out[0]["id"])
	assert.Equal(t, "4.99", out[0]["priceUSD"])
}

func TestCreateOrderEndpoint(t *testing.T) {
	store := newMemStore()
	seedTestPackage(store)
	router := newTestRouter(store, &testGateway{})

	rec, body := doJSON(t, router, http.MethodPost, "/payments/orders", "u1",
		`{"packageId":"plus","provider":"paypal"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["orderId"])
	assert.Equal(t, "4.99", body["amountCharged"])
	assert.NotEmpty(t, body["approvalUrl"])
}

func TestCreateOrderEndpointRejectsBadPackage(t *testing.T) {
	router := newTestRouter(newMemStore(), &testGateway{})

	rec, body := doJSON(t, router, http.MethodPost, "/payments/orders", "u1",
		`{"packageId":"nope","provider":"paypal"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidPackage, body["code"])
}

func TestCaptureEndpointLifecycle(t *testing.T) {
	store := newMemStore()
	seedTestPackage(store)
	router := newTestRouter(store, &testGateway{})

	_, created := doJSON(t, router, http.MethodPost, "/payments/orders", "u1",
		`{"packageId":"plus","provider":"paypal"}`)
	orderID := created["orderId"].(string)

	rec, body := doJSON(t, router, http.MethodPost, "/payments/orders/"+orderID+"/capture", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "credited", body["status"])
	assert.Equal(t, float64(550), body["creditedAmount"])

	rec, body = doJSON(t, router, http.MethodPost, "/payments/orders/"+orderID+"/capture", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["alreadyCaptured"])
	assert.Equal(t, CodeAlreadyCaptured, body["code"])

	rec, body = doJSON(t, router, http.MethodGet, "/users/u1/balance", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "550", body["balance"], "double capture must credit once")
}

func TestCaptureEndpointNotConfirmed(t *testing.T) {
	store := newMemStore()
	seedTestPackage(store)
	router := newTestRouter(store, &testGateway{status: payment.StatusPending})

	_, created := doJSON(t, router, http.MethodPost, "/payments/orders", "u1",
		`{"packageId":"plus","provider":"paypal"}`)
	orderID := created["orderId"].(string)

	rec, body := doJSON(t, router, http.MethodPost, "/payments/orders/"+orderID+"/capture", "u1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeGatewayRejected, body["code"])
}

func TestGetOrderEndpointNotFound(t *testing.T) {
	router := newTestRouter(newMemStore(), &testGateway{})

	rec, body := doJSON(t, router, http.MethodGet, "/payments/orders/unknown", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, body["code"])
}

func TestCancelEndpoint(t *testing.T) {
	store := newMemStore()
	seedTestPackage(store)
	router := newTestRouter(store, &testGateway{status: payment.StatusPending})

	_, created := doJSON(t, router, http.MethodPost, "/payments/orders", "u1",
		`{"packageId":"plus","provider":"paypal"}`)
	orderID := created["orderId"].(string)

	rec, body := doJSON(t, router, http.MethodPost, "/payments/orders/"+orderID+"/cancel", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", body["status"])

	rec, _ = doJSON(t, router, http.MethodPost, "/payments/orders/"+orderID+"/cancel", "u1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBalanceEndpointUnknownUser(t *testing.T) {
	router := newTestRouter(newMemStore(), &testGateway{})

	rec, body := doJSON(t, router, http.MethodGet, "/users/nobody/balance", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, body["code"])
}

func TestParseLimit(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "10", want: 10},
		{in: "0", want: 0},
		{in: "1000", want: 1000},
		{in: "1001", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	} {
		n, err := parseLimit(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "limit %q", tc.in)
			continue
		}
		require.NoError(t, err, "limit %q", tc.in)
		assert.Equal(t, tc.want, n)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(newMemStore(), &testGateway{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
