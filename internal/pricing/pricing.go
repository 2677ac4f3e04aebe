// Package pricing computes the amount owed for a token package under a
// payment provider. The calculation is pure so the client can evaluate it
// for display; the server value is the one that gets authorized.
package pricing

import (
	"github.com/shopspring/decimal"

	"taskium/internal/models"
)

var oneHundred = decimal.NewFromInt(100)

// AdjustedPrice applies the package discount and then the provider-specific
// modifier, rounding the result to 2 decimal places half-up.
//
// base = priceUSD
// if discount > 0:  base *= 1 - discount/100
// if modifier set:  base *= 1 + modifier/100
func AdjustedPrice(pkg *models.TokenPackage, provider models.Provider) decimal.Decimal {
	price := pkg.PriceUSD

	if pkg.DiscountPercentage.IsPositive() {
		factor := decimal.NewFromInt(1).Sub(pkg.DiscountPercentage.Div(oneHundred))
		price = price.Mul(factor)
	}

	if mod := pkg.Modifier(provider); mod != nil {
		factor := decimal.NewFromInt(1).Add(mod.Div(oneHundred))
		price = price.Mul(factor)
	}

	return price.Round(2)
}
