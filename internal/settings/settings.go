// Package settings supplies per-branch pricing policy to the sale flow.
package settings

import (
	"context"

	"github.com/shopspring/decimal"
)

// TaxRateProvider resolves the tax rate applied to a sale's subtotal.
// Implementations may look the rate up per branch; the sale flow treats
// the provider as an opaque collaborator.
type TaxRateProvider interface {
	TaxRate(ctx context.Context, branchID string) (decimal.Decimal, error)
}

// Static returns the same rate for every branch. Used when the deployment
// runs under a single tax jurisdiction.
type Static struct {
	Rate decimal.Decimal
}

func (s Static) TaxRate(ctx context.Context, branchID string) (decimal.Decimal, error) {
	return s.Rate, nil
}
