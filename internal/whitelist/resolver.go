package whitelist

import (
	"context"
	"time"

	"github.com/rcourtman/appgrant/internal/ident"
	"github.com/rcourtman/appgrant/internal/metrics"
)

// Resolver answers entitlement questions from whitelist entries. It never
// writes; usage auditing is the caller's job.
type Resolver struct {
	store Store
	now   func() time.Time
}

// NewResolver creates a Resolver. A nil now uses time.Now.
func NewResolver(store Store, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, now: now}
}

// Match returns the highest-tier entry currently granting userID access on
// siteID, or nil when none does. Every answered check is counted by tier.
func (r *Resolver) Match(ctx context.Context, userID, siteID string) (*Entry, error) {
	e, err := r.match(ctx, ident.Normalize(userID), ident.Normalize(siteID))
	if err != nil {
		return nil, err
	}
	tier := "none"
	if e != nil {
		tier = string(e.Type)
	}
	metrics.WhitelistDecisions.WithLabelValues(tier).Inc()
	return e, nil
}

// IsEntitled reports whether any valid entry grants userID access on siteID.
func (r *Resolver) IsEntitled(ctx context.Context, userID, siteID string) (bool, error) {
	e, err := r.Match(ctx, userID, siteID)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

func (r *Resolver) match(ctx context.Context, userID, siteID string) (*Entry, error) {
	if userID == "" {
		return nil, nil
	}

	now := r.now()
	for _, typ := range TierOrder {
		if typ == TypeSiteUser && siteID == "" {
			continue
		}
		entries, err := r.store.Lookup(ctx, typ, userID, siteID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e != nil && e.ActiveAt(now) {
				return e, nil
			}
		}
	}
	return nil, nil
}
