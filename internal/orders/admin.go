package orders

import (
	"context"
	"fmt"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/ident"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/license/match"
	"github.com/rs/zerolog/log"
)

// Install is an app installation reported by the store. It carries a fresh
// access token for an installation the customer may already own.
type Install struct {
	ProductID   string `json:"product_id" validate:"required"`
	AccountID   string `json:"account_id"`
	SiteID      string `json:"site_id"`
	AccessToken string `json:"access_token" validate:"required"`
}

// OnInstall stores the new access token on the matching live licence. It
// returns an error matching ErrNotFound when the customer owns no licence.
func (p *Processor) OnInstall(ctx context.Context, in Install) (*license.Record, error) {
	existing, err := p.matcher.FindExisting(ctx, match.Query{
		ProductID: in.ProductID,
		AccountID: in.AccountID,
		SiteID:    in.SiteID,
	})
	if err != nil {
		return nil, err
	}
	return p.machine.RefreshToken(ctx, existing.ID, in.AccessToken)
}

// Restore reactivates a revoked licence for a fresh term. It refuses when
// another live licence already covers the same product, account and site.
func (p *Processor) Restore(ctx context.Context, id string, prepaid int) (*license.Record, error) {
	id = ident.Normalize(id)
	rec, err := p.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	other, err := p.matcher.FindExisting(ctx, match.Query{
		ProductID: rec.ProductID,
		AccountID: rec.AccountID,
		SiteID:    rec.SiteID,
	})
	switch {
	case err == nil && other.ID != rec.ID:
		log.Warn().
			Str("license_id", id).
			Str("live_license_id", other.ID).
			Msg("Restore refused, another live licence covers this installation")
		return nil, internalerrors.NewLicenseError(internalerrors.ErrorTypeTransition, "restore", id,
			fmt.Errorf("%w: licence %s is already live for this installation", internalerrors.ErrIllegalTransition, other.ID))
	case err != nil && !internalerrors.IsNotFound(err):
		return nil, err
	}

	discount := 0
	cycles := prepaid
	if product, ok := p.catalog.Product(rec.ProductID); ok {
		discount = product.DiscountPercent
		cycles = prepaidCycles(product, prepaid)
	}
	return p.machine.Restore(ctx, id, license.RestoreParams{PrepaidCycles: cycles, DiscountPercent: discount})
}

// Cancel marks a licence cancelled. Cancelled licences are not revoked
// remotely and cannot be renewed.
func (p *Processor) Cancel(ctx context.Context, id string) (*license.Record, error) {
	return p.machine.Cancel(ctx, id)
}
