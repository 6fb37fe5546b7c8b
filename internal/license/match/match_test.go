package match

import (
	"context"
	"errors"
	"testing"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type listerFunc func(ctx context.Context, productID string) ([]*license.Record, error)

func (f listerFunc) ListByProduct(ctx context.Context, productID string) ([]*license.Record, error) {
	return f(ctx, productID)
}

func staticLister(records ...*license.Record) Lister {
	return listerFunc(func(_ context.Context, productID string) ([]*license.Record, error) {
		var out []*license.Record
		for _, r := range records {
			if r.ProductID == productID {
				out = append(out, r)
			}
		}
		return out, nil
	})
}

func record(id, account, site string, status license.Status, expiry time.Time) *license.Record {
	return &license.Record{
		ID:         id,
		ProductID:  "p-1",
		AccountID:  account,
		SiteID:     site,
		Status:     status,
		Expiry:     expiry,
		GraceUntil: expiry.AddDate(0, 0, 7),
		CreatedAt:  expiry.AddDate(0, -1, 0),
	}
}

func TestFindExisting(t *testing.T) {
	future := now.AddDate(0, 0, 10)
	lister := staticLister(
		record("li-site", "acct-1", "site-1", license.StatusActive, future),
		record("li-wide", "acct-1", "", license.StatusGrace, now.AddDate(0, 0, -2)),
		record("li-legacy", "", "site-legacy", license.StatusActive, future),
		record("li-revoked", "acct-1", "site-2", license.StatusRevoked, future),
		record("li-cancelled", "acct-1", "site-3", license.StatusCancelled, future),
		record("li-stale", "acct-1", "site-4", license.StatusActive, now.AddDate(0, 0, -30)),
	)
	r := NewResolver(lister, func() time.Time { return now })

	tests := []struct {
		name   string
		q      Query
		wantID string
	}{
		{"exact_site", Query{ProductID: "p-1", AccountID: "acct-1", SiteID: "site-1"}, "li-site"},
		{"whitespace_is_ignored", Query{ProductID: " p-1 ", AccountID: " acct-1", SiteID: "site-1 "}, "li-site"},
		{"empty_site_matches_account_wide_only", Query{ProductID: "p-1", AccountID: "acct-1"}, "li-wide"},
		{"blank_stored_account_is_tolerated", Query{ProductID: "p-1", AccountID: "acct-9", SiteID: "site-legacy"}, "li-legacy"},
		{"blank_requested_account_is_tolerated", Query{ProductID: "p-1", SiteID: "site-1"}, "li-site"},
		{"different_account", Query{ProductID: "p-1", AccountID: "acct-2", SiteID: "site-1"}, ""},
		{"revoked_is_ignored", Query{ProductID: "p-1", AccountID: "acct-1", SiteID: "site-2"}, ""},
		{"cancelled_is_ignored", Query{ProductID: "p-1", AccountID: "acct-1", SiteID: "site-3"}, ""},
		{"past_grace_is_ignored_before_sweep", Query{ProductID: "p-1", AccountID: "acct-1", SiteID: "site-4"}, ""},
		{"other_product", Query{ProductID: "p-2", AccountID: "acct-1", SiteID: "site-1"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := r.FindExisting(context.Background(), tt.q)
			if tt.wantID == "" {
				assert.ErrorIs(t, err, internalerrors.ErrNotFound)
				assert.Nil(t, rec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, rec.ID)
		})
	}
}

func TestFindExistingPrefersLatestExpiry(t *testing.T) {
	r := NewResolver(staticLister(
		record("li-old", "acct-1", "site-1", license.StatusActive, now.AddDate(0, 0, 3)),
		record("li-new", "acct-1", "site-1", license.StatusActive, now.AddDate(0, 2, 0)),
	), func() time.Time { return now })

	rec, err := r.FindExisting(context.Background(), Query{ProductID: "p-1", AccountID: "acct-1", SiteID: "site-1"})
	require.NoError(t, err)
	assert.Equal(t, "li-new", rec.ID)
}

func TestFindExistingStorageErrorIsNotNotFound(t *testing.T) {
	r := NewResolver(listerFunc(func(context.Context, string) ([]*license.Record, error) {
		return nil, internalerrors.WrapStorageError("list_by_product", "", errors.New("disk I/O error"))
	}), nil)

	_, err := r.FindExisting(context.Background(), Query{ProductID: "p-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, internalerrors.ErrStorageUnavailable)
	assert.False(t, internalerrors.IsNotFound(err))

	owned, err := r.Owned(context.Background(), Query{ProductID: "p-1"})
	assert.Error(t, err)
	assert.False(t, owned)
}

func TestFindExistingRequiresProduct(t *testing.T) {
	r := NewResolver(staticLister(), nil)
	_, err := r.FindExisting(context.Background(), Query{ProductID: "  "})
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)
}

func TestOwned(t *testing.T) {
	r := NewResolver(staticLister(
		record("li-1", "acct-1", "site-1", license.StatusActive, now.AddDate(0, 1, 0)),
	), func() time.Time { return now })

	owned, err := r.Owned(context.Background(), Query{ProductID: "p-1", AccountID: "acct-1", SiteID: "site-1"})
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = r.Owned(context.Background(), Query{ProductID: "p-1", AccountID: "acct-1", SiteID: "site-2"})
	require.NoError(t, err)
	assert.False(t, owned)
}
