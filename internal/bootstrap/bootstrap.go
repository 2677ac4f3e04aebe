// Package bootstrap turns loaded configuration into the wired services
// the api and worker binaries share.
package bootstrap

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"taskium/internal/config"
	"taskium/internal/mining"
	"taskium/internal/models"
	"taskium/internal/payment"
	"taskium/internal/payment/bnb"
	"taskium/internal/payment/flutterwave"
	"taskium/internal/payment/paypal"
	"taskium/internal/store"
)

func MiningSettings(cfg *config.Config) (mining.Settings, error) {
	hourly, err := decimal.NewFromString(cfg.Mining.HourlyReward)
	if err != nil {
		return mining.Settings{}, fmt.Errorf("hourly_reward: %w", err)
	}
	randomMax, err := decimal.NewFromString(cfg.Mining.RandomBonusMax)
	if err != nil {
		return mining.Settings{}, fmt.Errorf("random_bonus_max: %w", err)
	}
	return mining.Settings{
		HourlyReward:       hourly,
		ActivationWindow:   time.Duration(cfg.Mining.ActivationHours) * time.Hour,
		StreakWindow:       time.Duration(cfg.Mining.StreakHours) * time.Hour,
		StreakBonusPercent: cfg.Mining.StreakBonusPercent,
		MaxStreakDays:      cfg.Mining.MaxStreakDays,
		RandomBonusPercent: cfg.Mining.RandomBonusPercent,
		RandomBonusMax:     randomMax,
	}, nil
}

// Gateways builds one gateway per provider with credentials present.
// Unconfigured providers are simply absent from the map and the manager
// rejects orders for them.
func Gateways(cfg *config.Config, st *store.Store) (map[models.Provider]payment.Gateway, error) {
	gateways := make(map[models.Provider]payment.Gateway)

	if cfg.PayPal.ClientID != "" {
		gateways[models.ProviderPayPal] = paypal.New(
			cfg.PayPal.BaseURL,
			cfg.PayPal.ClientID,
			cfg.PayPal.ClientSecret,
			cfg.PayPal.ReturnURL,
			cfg.PayPal.CancelURL,
		)
	}
	if cfg.Flutterwave.SecretKey != "" {
		gateways[models.ProviderFlutterwave] = flutterwave.New(
			cfg.Flutterwave.BaseURL,
			cfg.Flutterwave.SecretKey,
			cfg.Flutterwave.RedirectURL,
		)
	}
	if cfg.BNB.XPub != "" && cfg.BNB.RPCEndpoint != "" {
		usdPerBNB, err := decimal.NewFromString(cfg.BNB.USDPerBNB)
		if err != nil {
			return nil, fmt.Errorf("usd_per_bnb: %w", err)
		}
		gateways[models.ProviderBNB] = &bnb.Gateway{
			Deriver:      bnb.AddressDeriver{XPub: cfg.BNB.XPub},
			RPC:          bnb.NewRPCClient(cfg.BNB.RPCEndpoint),
			Indexes:      st,
			USDPerBNB:    usdPerBNB,
			ConfirmDepth: cfg.BNB.ConfirmDepth,
		}
	}
	return gateways, nil
}
