package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderPending   OrderStatus = "pending_confirmation"
	OrderVerified  OrderStatus = "verified"
	OrderCaptured  OrderStatus = "captured"
	OrderCredited  OrderStatus = "credited"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

type Provider string

const (
	ProviderPayPal      Provider = "paypal"
	ProviderBNB         Provider = "bnb"
	ProviderFlutterwave Provider = "flutterwave"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderPayPal, ProviderBNB, ProviderFlutterwave:
		return true
	}
	return false
}

type BonusType string

const (
	BonusNone   BonusType = "none"
	BonusStreak BonusType = "streak"
	BonusRandom BonusType = "random"
)

type RewardSource string

const (
	SourceManual      RewardSource = "manual"
	SourceAutomatic   RewardSource = "automatic"
	SourceOfflineSync RewardSource = "offline-sync"
)

func (s RewardSource) Valid() bool {
	switch s {
	case SourceManual, SourceAutomatic, SourceOfflineSync:
		return true
	}
	return false
}

// RewardState is the per-user mining state. Only the mining service writes
// it; expiry is soft (MiningActive flips off, the row stays).
type RewardState struct {
	UserID             string
	MiningActive       bool
	LastActivationAt   *time.Time
	StreakDay          int
	StreakWindowEndsAt *time.Time
	HourlyRate         decimal.Decimal
	UpdatedAt          time.Time
}

// ActiveAt reports whether mining is still inside the activation window.
func (s *RewardState) ActiveAt(now time.Time, window time.Duration) bool {
	if s == nil || !s.MiningActive || s.LastActivationAt == nil {
		return false
	}
	return now.Before(s.LastActivationAt.Add(window))
}

// MiningHistoryEntry is an append-only accrual/activation record. The
// (UserID, EntryTime, Source) triple is the dedupe key.
type MiningHistoryEntry struct {
	UserID      string
	Amount      decimal.Decimal
	EntryTime   time.Time
	StreakDay   int
	BonusType   BonusType
	BonusAmount decimal.Decimal
	Source      RewardSource
	CreatedAt   time.Time
}

// TokenPackage is administrator-maintained reference data. Modifiers are
// per-provider percentage price adjustments, nil when a provider has none.
type TokenPackage struct {
	ID                  string
	TokenAmount         int64
	PriceUSD            decimal.Decimal
	DiscountPercentage  decimal.Decimal
	PayPalModifier      *decimal.Decimal
	BNBModifier         *decimal.Decimal
	FlutterwaveModifier *decimal.Decimal
	Active              bool
	OfferEndDate        *time.Time
}

// Purchasable reports whether the package can back a new order at now.
func (p *TokenPackage) Purchasable(now time.Time) bool {
	if p == nil || !p.Active {
		return false
	}
	if p.OfferEndDate != nil && now.After(*p.OfferEndDate) {
		return false
	}
	return true
}

// Modifier returns the provider-specific price modifier, nil when absent.
func (p *TokenPackage) Modifier(provider Provider) *decimal.Decimal {
	switch provider {
	case ProviderPayPal:
		return p.PayPalModifier
	case ProviderBNB:
		return p.BNBModifier
	case ProviderFlutterwave:
		return p.FlutterwaveModifier
	}
	return nil
}

// PaymentOrder is one purchase attempt. OrderID is the idempotency key for
// everything downstream of creation.
type PaymentOrder struct {
	OrderID        string
	UserID         string
	PackageID      string
	Provider       Provider
	AmountCharged  decimal.Decimal
	TokenAmount    int64
	Status         OrderStatus
	ExternalRef    *string
	DepositAddress *string
	CreatedAt      time.Time
	CapturedAt     *time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether no further transition is allowed.
func (o *PaymentOrder) Terminal() bool {
	switch o.Status {
	case OrderCredited, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

type LedgerKind string

const (
	LedgerMining   LedgerKind = "mining"
	LedgerPurchase LedgerKind = "purchase"
)

// LedgerEntry is one applied balance effect. EventID is globally unique;
// appending the same EventID twice is a no-op.
type LedgerEntry struct {
	EventID   string
	UserID    string
	Amount    decimal.Decimal
	Kind      LedgerKind
	AppliedAt time.Time
}

type User struct {
	ID        string
	CreatedAt time.Time
}
