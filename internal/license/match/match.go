// Package match answers whether a buyer already holds a live licence for a
// product, so a second purchase becomes a renewal instead of a duplicate.
package match

import (
	"context"
	"sort"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/ident"
	"github.com/rcourtman/appgrant/internal/license"
)

// Query identifies the (product, account, site) tuple being purchased.
type Query struct {
	ProductID string
	AccountID string
	SiteID    string
}

// Lister is the subset of license.Store the resolver needs.
type Lister interface {
	ListByProduct(ctx context.Context, productID string) ([]*license.Record, error)
}

// Resolver is a read-only lookup over licence records.
type Resolver struct {
	store Lister
	now   func() time.Time
}

// NewResolver creates a Resolver. A nil now uses time.Now.
func NewResolver(store Lister, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, now: now}
}

// FindExisting returns the live record matching q, or an error matching
// ErrNotFound. Storage failures are returned as they are and never reported
// as a missing record.
//
// Site ids must match exactly after trimming; an empty requested site only
// matches account-wide records. Account ids match when equal or when either
// side is blank. Records past their grace period are ignored even if a sweep
// has not yet revoked them. The newest expiry wins.
func (r *Resolver) FindExisting(ctx context.Context, q Query) (*license.Record, error) {
	productID := ident.Normalize(q.ProductID)
	if productID == "" {
		return nil, internalerrors.NewLicenseError(internalerrors.ErrorTypeValidation, "find_existing", "",
			internalerrors.ErrInvalidInput)
	}

	records, err := r.store.ListByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	siteID := ident.Normalize(q.SiteID)
	var candidates []*license.Record
	for _, rec := range records {
		if rec == nil || !ident.Equal(rec.ProductID, productID) {
			continue
		}
		if !ident.Equal(rec.SiteID, siteID) {
			continue
		}
		if !ident.EqualTolerant(rec.AccountID, q.AccountID) {
			continue
		}
		if !isLive(rec, now) {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return nil, internalerrors.NotFound("find_existing", "")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].Expiry.Equal(candidates[j].Expiry) {
			return candidates[i].Expiry.After(candidates[j].Expiry)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}

// Owned reports whether a live licence exists for q.
func (r *Resolver) Owned(ctx context.Context, q Query) (bool, error) {
	_, err := r.FindExisting(ctx, q)
	if err == nil {
		return true, nil
	}
	if internalerrors.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func isLive(rec *license.Record, now time.Time) bool {
	switch rec.Status {
	case license.StatusActive, license.StatusGrace:
		return !now.After(rec.GraceUntil)
	case license.StatusExpired, license.StatusRevoked, license.StatusCancelled:
		return false
	default:
		return false
	}
}
