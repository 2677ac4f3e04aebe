package payment

import (
	"context"
	"errors"

	"taskium/internal/models"
)

// ExternalStatus is the provider-reported state of a payment, normalized
// once at the gateway boundary so the lifecycle manager never sees
// provider-native payloads.
type ExternalStatus string

const (
	StatusPending   ExternalStatus = "PENDING"
	StatusApproved  ExternalStatus = "APPROVED"
	StatusCompleted ExternalStatus = "COMPLETED"
	StatusCancelled ExternalStatus = "CANCELLED"
	StatusFailed    ExternalStatus = "FAILED"
)

// CreateResult is what a provider hands back for a new order.
type CreateResult struct {
	ExternalRef    string
	ApprovalURL    string
	DepositAddress string
}

// CaptureResult carries the provider reference of the settled transaction.
type CaptureResult struct {
	ExternalRef string
}

// Gateway is the narrow surface each payment provider implements. Every
// call must be keyed by the order (or the provider's own reference) so
// retries are safe.
type Gateway interface {
	CreateOrder(ctx context.Context, order *models.PaymentOrder) (*CreateResult, error)
	GetStatus(ctx context.Context, order *models.PaymentOrder) (ExternalStatus, error)
	Capture(ctx context.Context, order *models.PaymentOrder) (*CaptureResult, error)
}

// ErrRejected is returned by gateways when the provider declined the
// operation outright; anything else is treated as transient.
var ErrRejected = errors.New("rejected by provider")
