// Package bnb implements the payment gateway as an on-chain BNB transfer
// watcher. Each order gets its own deposit address derived from a
// configured xpub; a payment is confirmed once the address balance covers
// the expected amount at a confirmed block depth.
package bnb

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"taskium/internal/models"
	"taskium/internal/payment"
)

// IndexSource hands out monotonically increasing derivation indexes; the
// store backs it with a database sequence so an address is never reused.
type IndexSource interface {
	NextDepositIndex(ctx context.Context) (int64, error)
}

type Gateway struct {
	Deriver      AddressDeriver
	RPC          *RPCClient
	Indexes      IndexSource
	USDPerBNB    decimal.Decimal
	ConfirmDepth int64
}

var weiPerBNB = decimal.New(1, 18)

func (g *Gateway) CreateOrder(ctx context.Context, order *models.PaymentOrder) (*payment.CreateResult, error) {
	idx, err := g.Indexes.NextDepositIndex(ctx)
	if err != nil {
		return nil, err
	}
	addr, err := g.Deriver.Derive(uint32(idx))
	if err != nil {
		return nil, err
	}
	return &payment.CreateResult{ExternalRef: addr, DepositAddress: addr}, nil
}

func (g *Gateway) GetStatus(ctx context.Context, order *models.PaymentOrder) (payment.ExternalStatus, error) {
	if order.DepositAddress == nil {
		return payment.StatusPending, nil
	}

	block := int64(-1)
	if g.ConfirmDepth > 0 {
		latest, err := g.RPC.LatestBlock(ctx)
		if err != nil {
			return "", err
		}
		if latest > g.ConfirmDepth {
			block = latest - g.ConfirmDepth
		}
	}

	balance, err := g.RPC.BalanceAt(ctx, *order.DepositAddress, block)
	if err != nil {
		return "", err
	}
	if balance.Cmp(g.expectedWei(order)) >= 0 {
		return payment.StatusCompleted, nil
	}
	return payment.StatusPending, nil
}

// Capture is internal settlement for on-chain orders: the funds already
// sit at the deposit address, there is no provider-side call to finalize.
func (g *Gateway) Capture(ctx context.Context, order *models.PaymentOrder) (*payment.CaptureResult, error) {
	if order.DepositAddress == nil {
		return nil, fmt.Errorf("%w: no deposit address", payment.ErrRejected)
	}
	return &payment.CaptureResult{ExternalRef: *order.DepositAddress}, nil
}

func (g *Gateway) expectedWei(order *models.PaymentOrder) *big.Int {
	if g.USDPerBNB.IsZero() {
		return big.NewInt(0)
	}
	bnbAmount := order.AmountCharged.Div(g.USDPerBNB)
	return bnbAmount.Mul(weiPerBNB).Floor().BigInt()
}
