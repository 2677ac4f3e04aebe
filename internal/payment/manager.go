// Package payment drives a purchase through create, external confirmation,
// capture and credit. Order creation is the idempotency boundary: one
// order id per attempt, and every later step keys off it.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskium/internal/keylock"
	"taskium/internal/metrics"
	"taskium/internal/models"
	"taskium/internal/pricing"
)

type Store interface {
	GetPackage(ctx context.Context, id string) (*models.TokenPackage, error)
	CreateOrder(ctx context.Context, order *models.PaymentOrder) error
	GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error)
	MarkOrderPending(ctx context.Context, orderID, externalRef string, depositAddress *string) (int64, error)
	MarkOrderCaptured(ctx context.Context, orderID string, capturedAt time.Time) (int64, error)
	TransitionOrder(ctx context.Context, orderID string, from []models.OrderStatus, to models.OrderStatus) (int64, error)
	CreditOrder(ctx context.Context, order *models.PaymentOrder) (bool, error)
	ListOrdersInStatus(ctx context.Context, statuses ...models.OrderStatus) ([]*models.PaymentOrder, error)
}

type Manager struct {
	Store        Store
	Gateways     map[models.Provider]Gateway
	Locks        *keylock.KeyLock
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	PollInterval time.Duration
	MaxPolls     int
	Now          func() time.Time

	polling sync.Map
}

func NewManager(store Store, gateways map[models.Provider]Gateway, m *metrics.Metrics, logger *slog.Logger, pollInterval time.Duration, maxPolls int) *Manager {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if maxPolls <= 0 {
		maxPolls = 30
	}
	return &Manager{
		Store:        store,
		Gateways:     gateways,
		Locks:        keylock.New(),
		Metrics:      m,
		Logger:       logger.With("component", "payment"),
		PollInterval: pollInterval,
		MaxPolls:     maxPolls,
		Now:          time.Now,
	}
}

// CreateOutcome is the response to a new purchase attempt.
type CreateOutcome struct {
	Order          *models.PaymentOrder
	ApprovalURL    string
	DepositAddress string
}

// Create validates the package, persists the order, then registers it with
// the provider. A gateway failure leaves the persisted order in created so
// the attempt can be retried under the same id; a bad package fails before
// anything is persisted.
func (m *Manager) Create(ctx context.Context, userID, packageID string, provider models.Provider) (*CreateOutcome, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if !provider.Valid() {
		return nil, ErrInvalidProvider
	}
	gw, ok := m.Gateways[provider]
	if !ok {
		return nil, ErrInvalidProvider
	}

	now := m.Now().UTC()
	pkg, err := m.Store.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if !pkg.Purchasable(now) {
		return nil, ErrInvalidPackage
	}

	order := &models.PaymentOrder{
		OrderID:       uuid.NewString(),
		UserID:        userID,
		PackageID:     pkg.ID,
		Provider:      provider,
		AmountCharged: pricing.AdjustedPrice(pkg, provider),
		TokenAmount:   pkg.TokenAmount,
		Status:        models.OrderCreated,
		CreatedAt:     now,
	}
	if err := m.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	m.countOrder(provider, models.OrderCreated)

	res, err := gw.CreateOrder(ctx, order)
	if err != nil {
		m.Logger.Warn("gateway create failed, order left created",
			"order", order.OrderID, "provider", string(provider), "err", err)
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, err)
	}

	var depositAddr *string
	if res.DepositAddress != "" {
		depositAddr = &res.DepositAddress
	}
	if _, err := m.Store.MarkOrderPending(ctx, order.OrderID, res.ExternalRef, depositAddr); err != nil {
		return nil, err
	}
	order.Status = models.OrderPending
	order.ExternalRef = &res.ExternalRef
	order.DepositAddress = depositAddr
	m.countOrder(provider, models.OrderPending)

	m.Logger.Info("order created",
		"order", order.OrderID, "provider", string(provider),
		"amount", order.AmountCharged.String())

	return &CreateOutcome{
		Order:          order,
		ApprovalURL:    res.ApprovalURL,
		DepositAddress: res.DepositAddress,
	}, nil
}

func (m *Manager) GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	order, err := m.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// CaptureOutcome reports the post-capture state. AlreadyCaptured marks a
// repeated call that found the credit already applied; the amount is the
// recorded one, never a second credit.
type CaptureOutcome struct {
	Status          models.OrderStatus
	CreditedAmount  int64
	AlreadyCaptured bool
}

// Capture finalizes an externally approved payment and credits tokens
// exactly once. Safe to call any number of times for the same order.
func (m *Manager) Capture(ctx context.Context, orderID string) (*CaptureOutcome, error) {
	m.Locks.Lock(orderID)
	defer m.Locks.Unlock(orderID)

	order, err := m.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case models.OrderCredited:
		return &CaptureOutcome{
			Status:          models.OrderCredited,
			CreditedAmount:  order.TokenAmount,
			AlreadyCaptured: true,
		}, nil
	case models.OrderCaptured:
		// Crash recovery: captured but the credit never landed.
		return m.credit(ctx, order, true)
	case models.OrderCancelled, models.OrderFailed:
		return nil, ErrOrderTerminal
	}

	gw, ok := m.Gateways[order.Provider]
	if !ok {
		return nil, ErrInvalidProvider
	}

	status, err := m.gatewayStatus(ctx, gw, order)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, err)
	}
	switch status {
	case StatusCancelled:
		if _, err := m.Store.TransitionOrder(ctx, orderID,
			[]models.OrderStatus{models.OrderCreated, models.OrderPending, models.OrderVerified},
			models.OrderCancelled); err != nil {
			return nil, err
		}
		m.countOrder(order.Provider, models.OrderCancelled)
		return &CaptureOutcome{Status: models.OrderCancelled}, nil
	case StatusFailed:
		return nil, m.fail(ctx, order, ErrGatewayRejected)
	case StatusPending:
		return nil, ErrNotConfirmed
	}

	// Approved or completed: record the verification, then capture.
	if _, err := m.Store.TransitionOrder(ctx, orderID,
		[]models.OrderStatus{models.OrderCreated, models.OrderPending},
		models.OrderVerified); err != nil {
		return nil, err
	}

	capRes, err := m.gatewayCapture(ctx, gw, order)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return nil, m.fail(ctx, order, ErrGatewayRejected)
		}
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, err)
	}
	if capRes.ExternalRef != "" {
		order.ExternalRef = &capRes.ExternalRef
	}

	capturedAt := m.Now().UTC()
	if _, err := m.Store.MarkOrderCaptured(ctx, orderID, capturedAt); err != nil {
		return nil, err
	}
	order.Status = models.OrderCaptured
	order.CapturedAt = &capturedAt
	m.countOrder(order.Provider, models.OrderCaptured)

	return m.credit(ctx, order, false)
}

// Cancel handles an explicit user cancellation. Only pre-capture states
// can be cancelled; the provider side is left alone, a payment completed
// in an external tab stays capturable.
func (m *Manager) Cancel(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	m.Locks.Lock(orderID)
	defer m.Locks.Unlock(orderID)

	order, err := m.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	rows, err := m.Store.TransitionOrder(ctx, orderID,
		[]models.OrderStatus{models.OrderCreated, models.OrderPending},
		models.OrderCancelled)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrOrderTerminal
	}
	order.Status = models.OrderCancelled
	m.countOrder(order.Provider, models.OrderCancelled)
	return order, nil
}

// Poll watches a pending order at a fixed interval up to MaxPolls
// attempts. On approval it captures once and stops; on cancellation it
// marks the order and stops; transport errors burn an attempt and keep
// going. Exhausting the cap leaves the order pending for the worker to
// reconcile later, never dropped. Cancelling ctx stops the poll without
// touching the order.
func (m *Manager) Poll(ctx context.Context, orderID string) (*CaptureOutcome, error) {
	if _, loaded := m.polling.LoadOrStore(orderID, struct{}{}); loaded {
		return nil, nil
	}
	defer m.polling.Delete(orderID)

	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < m.MaxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		order, err := m.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status == models.OrderCredited {
			return &CaptureOutcome{
				Status:          models.OrderCredited,
				CreditedAmount:  order.TokenAmount,
				AlreadyCaptured: true,
			}, nil
		}
		if order.Terminal() {
			return &CaptureOutcome{Status: order.Status}, nil
		}

		gw, ok := m.Gateways[order.Provider]
		if !ok {
			return nil, ErrInvalidProvider
		}
		status, err := m.gatewayStatus(ctx, gw, order)
		if err != nil {
			m.Logger.Debug("poll transport error", "order", orderID, "err", err)
			continue
		}

		switch status {
		case StatusCompleted, StatusApproved:
			return m.Capture(ctx, orderID)
		case StatusCancelled:
			if _, err := m.Store.TransitionOrder(ctx, orderID,
				[]models.OrderStatus{models.OrderCreated, models.OrderPending, models.OrderVerified},
				models.OrderCancelled); err != nil {
				return nil, err
			}
			m.countOrder(order.Provider, models.OrderCancelled)
			return &CaptureOutcome{Status: models.OrderCancelled}, nil
		case StatusFailed:
			return nil, m.fail(ctx, order, ErrGatewayRejected)
		}
	}

	m.Logger.Info("poll cap reached, order left pending", "order", orderID)
	return nil, nil
}

// StartPoll launches Poll detached from the request that created the
// order, so the confirmation watch survives the creating connection.
func (m *Manager) StartPoll(orderID string) {
	go func() {
		if _, err := m.Poll(context.Background(), orderID); err != nil && !errors.Is(err, context.Canceled) {
			m.Logger.Warn("background poll ended", "order", orderID, "err", err)
		}
	}()
}

// ResumeCredits re-runs the credit step for orders that captured but never
// credited (a crash between the two). The ledger makes re-running safe.
func (m *Manager) ResumeCredits(ctx context.Context) error {
	orders, err := m.Store.ListOrdersInStatus(ctx, models.OrderCaptured)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if _, err := m.credit(ctx, order, true); err != nil {
			m.Logger.Error("resume credit failed", "order", order.OrderID, "err", err)
		}
	}
	return nil
}

// ReconcilePending takes one status pass over pending orders; approved
// ones are captured, cancelled ones closed. Used by the worker for orders
// whose client-side poll never finished.
func (m *Manager) ReconcilePending(ctx context.Context) error {
	orders, err := m.Store.ListOrdersInStatus(ctx, models.OrderPending, models.OrderVerified)
	if err != nil {
		return err
	}
	for _, order := range orders {
		gw, ok := m.Gateways[order.Provider]
		if !ok {
			continue
		}
		status, err := m.gatewayStatus(ctx, gw, order)
		if err != nil {
			continue
		}
		switch status {
		case StatusCompleted, StatusApproved:
			if _, err := m.Capture(ctx, order.OrderID); err != nil {
				m.Logger.Warn("reconcile capture failed", "order", order.OrderID, "err", err)
			}
		case StatusCancelled:
			if _, err := m.Store.TransitionOrder(ctx, order.OrderID,
				[]models.OrderStatus{models.OrderPending, models.OrderVerified},
				models.OrderCancelled); err != nil {
				m.Logger.Warn("reconcile cancel failed", "order", order.OrderID, "err", err)
			} else {
				m.countOrder(order.Provider, models.OrderCancelled)
			}
		}
	}
	return nil
}

func (m *Manager) credit(ctx context.Context, order *models.PaymentOrder, resumed bool) (*CaptureOutcome, error) {
	applied, err := m.Store.CreditOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	if applied {
		m.countOrder(order.Provider, models.OrderCredited)
		if m.Metrics != nil {
			m.Metrics.TokensCredited.Add(float64(order.TokenAmount))
		}
		m.Logger.Info("order credited",
			"order", order.OrderID, "tokens", order.TokenAmount, "resumed", resumed)
	}
	return &CaptureOutcome{
		Status:          models.OrderCredited,
		CreditedAmount:  order.TokenAmount,
		AlreadyCaptured: resumed && !applied,
	}, nil
}

func (m *Manager) fail(ctx context.Context, order *models.PaymentOrder, cause error) error {
	if _, err := m.Store.TransitionOrder(ctx, order.OrderID,
		[]models.OrderStatus{models.OrderCreated, models.OrderPending, models.OrderVerified},
		models.OrderFailed); err != nil {
		return err
	}
	m.countOrder(order.Provider, models.OrderFailed)
	return cause
}

func (m *Manager) gatewayStatus(ctx context.Context, gw Gateway, order *models.PaymentOrder) (ExternalStatus, error) {
	start := time.Now()
	status, err := gw.GetStatus(ctx, order)
	m.observeGateway(order.Provider, "status", start, err)
	return status, err
}

func (m *Manager) gatewayCapture(ctx context.Context, gw Gateway, order *models.PaymentOrder) (*CaptureResult, error) {
	start := time.Now()
	res, err := gw.Capture(ctx, order)
	m.observeGateway(order.Provider, "capture", start, err)
	return res, err
}

func (m *Manager) observeGateway(provider models.Provider, call string, start time.Time, err error) {
	if m.Metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Metrics.GatewayRequests.WithLabelValues(string(provider), call, outcome).Inc()
	m.Metrics.GatewayLatency.WithLabelValues(string(provider), call).Observe(time.Since(start).Seconds())
}

func (m *Manager) countOrder(provider models.Provider, status models.OrderStatus) {
	if m.Metrics != nil {
		m.Metrics.Orders.WithLabelValues(string(provider), string(status)).Inc()
	}
}
