package payment

import "errors"

var (
	ErrMissingUserID      = errors.New("missing user id")
	ErrInvalidPackage     = errors.New("invalid or inactive package")
	ErrInvalidProvider    = errors.New("unsupported payment provider")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderTerminal      = errors.New("order is in a terminal state")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment rejected by gateway")
	ErrNotConfirmed       = errors.New("payment not yet confirmed by provider")
)
