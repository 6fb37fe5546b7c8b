package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rcourtman/appgrant/internal/catalog"
	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/license/match"
	"github.com/rcourtman/appgrant/internal/registry"
	"github.com/rcourtman/appgrant/internal/whitelist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
whitelist_product_id: wl-pass
products:
  - id: locator
    name: Store Locator
    app_id: app-locator
    recurring: true
    cycle: {length: 1, unit: month, price_cents: 1000}
    discount_percent: 10
  - id: wl-pass
    name: Partner Pass
    cycle: {length: 1, unit: year}
  - id: t-shirt
    name: T-Shirt
`

var t0 = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

// flakyStore fails the next Create call when failCreate is set.
type flakyStore struct {
	*registry.LicenseStore
	failCreate bool
}

func (f *flakyStore) Create(ctx context.Context, rec *license.Record) error {
	if f.failCreate {
		f.failCreate = false
		return internalerrors.WrapStorageError("create", rec.ID, errors.New("disk full"))
	}
	return f.LicenseStore.Create(ctx, rec)
}

type fixture struct {
	reg       *registry.Registry
	store     *flakyStore
	machine   *license.Machine
	processor *Processor
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	f := &fixture{reg: reg, now: t0}
	clock := func() time.Time { return f.now }
	f.store = &flakyStore{LicenseStore: reg.Licenses()}
	f.machine = license.NewMachine(f.store, nil, nil, license.Config{GracePeriodDays: 7}, license.WithClock(clock))
	wl := reg.Whitelist()
	f.processor = NewProcessor(f.machine, match.NewResolver(f.store, clock), cat, reg,
		whitelist.NewAutoAdder(wl, wl, clock))
	return f
}

func TestOrderCreatesLicenceOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := Order{ID: "1001", Email: "owner@example.com", Items: []LineItem{
		{ID: "li-1", ProductID: "locator", AccountID: "acct-1", SiteID: "site-1", PrepaidCycles: 6, AccessToken: "tok-1"},
		{ID: "li-2", ProductID: "t-shirt", AccountID: "acct-1"},
	}}

	res, err := f.processor.OnOrderCompleted(ctx, order)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, ActionCreated, res.Items[0].Action)
	assert.Equal(t, ActionIgnored, res.Items[1].Action)

	rec, err := f.machine.Get(ctx, "li-1")
	require.NoError(t, err)
	assert.Equal(t, "app-locator", rec.AppID)
	assert.Equal(t, int64(5400), rec.PaidCents)
	assert.True(t, t0.AddDate(0, 6, 0).Equal(rec.Expiry))
	assert.Equal(t, []byte("tok-1"), rec.Token)

	res, err = f.processor.OnOrderCompleted(ctx, order)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	outcome, err := f.reg.OrderOutcome(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "processed", outcome)
}

func TestSecondPurchaseRenewsInsteadOfDuplicating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.OnOrderCompleted(ctx, Order{ID: "1001", Items: []LineItem{
		{ID: "li-1", ProductID: "locator", AccountID: "acct-1", SiteID: "site-1", PrepaidCycles: 1},
	}})
	require.NoError(t, err)

	f.now = t0.AddDate(0, 0, 20)
	res, err := f.processor.OnOrderCompleted(ctx, Order{ID: "1002", Items: []LineItem{
		{ID: "li-9", ProductID: "locator", AccountID: " acct-1 ", SiteID: "site-1", PrepaidCycles: 1},
	}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, ActionRenewed, res.Items[0].Action)
	assert.Equal(t, "li-1", res.Items[0].LicenseID)

	recs, err := f.store.ListByProduct(ctx, "locator")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].RenewalCount)
	assert.Equal(t, "1002", recs[0].LastRenewalOrderID)
	assert.True(t, f.now.AddDate(0, 1, 0).Equal(recs[0].Expiry))
}

func TestOtherSiteGetsItsOwnLicence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.OnOrderCompleted(ctx, Order{ID: "1001", Items: []LineItem{
		{ID: "li-1", ProductID: "locator", AccountID: "acct-1", SiteID: "site-1"},
		{ID: "li-2", ProductID: "locator", AccountID: "acct-1", SiteID: "site-2"},
	}})
	require.NoError(t, err)

	recs, err := f.store.ListByProduct(ctx, "locator")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestFailedItemReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := Order{ID: "1001", Items: []LineItem{
		{ID: "li-1", ProductID: "locator", AccountID: "acct-1", SiteID: "site-1"},
	}}

	f.store.failCreate = true
	_, err := f.processor.OnOrderCompleted(ctx, order)
	require.Error(t, err)
	assert.ErrorIs(t, err, internalerrors.ErrStorageUnavailable)

	outcome, err := f.reg.OrderOutcome(ctx, "1001")
	require.NoError(t, err)
	assert.Empty(t, outcome)

	res, err := f.processor.OnOrderCompleted(ctx, order)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, ActionCreated, res.Items[0].Action)
}

func TestRedeliveredItemIsUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.OnOrderCompleted(ctx, Order{ID: "1001", Items: []LineItem{
		{ID: "li-1", ProductID: "locator", AccountID: "acct-1"},
	}})
	require.NoError(t, err)
	require.NoError(t, f.reg.ReleaseOrder(ctx, "1001"))

	res, err := f.processor.OnOrderCompleted(ctx, Order{ID: "1001", Items: []LineItem{
		{ID: "li-1", ProductID: "locator", AccountID: "acct-1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, ActionUnchanged, res.Items[0].Action)

	rec, err := f.machine.Get(ctx, "li-1")
	require.NoError(t, err)
	assert.Zero(t, rec.RenewalCount)
}

func TestReplayedRenewalCountsOncePerOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.OnOrderCompleted(ctx, Order{ID: "1001", Items: []LineItem{
		{ID: "li-1", ProductID: "locator", AccountID: "acct-1", SiteID: "site-1"},
	}})
	require.NoError(t, err)

	// The renewal lands but the second item fails, so the order is released.
	orderA := Order{ID: "2001", Items: []LineItem{
		{ID: "li-a1", ProductID: "locator", AccountID: "acct-1", SiteID: "site-1"},
		{ID: "li-a2", ProductID: "locator", AccountID: "acct-1", SiteID: "site-2"},
	}}
	f.now = t0.AddDate(0, 0, 5)
	f.store.failCreate = true
	_, err = f.processor.OnOrderCompleted(ctx, orderA)
	require.Error(t, err)

	f.now = t0.AddDate(0, 0, 10)
	res, err := f.processor.OnOrderCompleted(ctx, Order{ID: "2002", Items: []LineItem{
		{ID: "li-b1", ProductID: "locator", AccountID: "acct-1", SiteID: "site-1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, ActionRenewed, res.Items[0].Action)

	f.now = t0.AddDate(0, 0, 12)
	res, err = f.processor.OnOrderCompleted(ctx, orderA)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, ActionUnchanged, res.Items[0].Action)
	assert.Equal(t, "li-1", res.Items[0].LicenseID)
	assert.Equal(t, ActionCreated, res.Items[1].Action)

	rec, err := f.machine.Get(ctx, "li-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.RenewalCount)
	assert.Equal(t, []string{"2001", "2002"}, rec.RenewalOrderIDs)
	assert.Equal(t, "2002", rec.LastRenewalOrderID)
	assert.True(t, t0.AddDate(0, 0, 10).AddDate(0, 1, 0).Equal(rec.Expiry))
}

func TestWhitelistProductOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wl := f.reg.Whitelist()

	res, err := f.processor.OnOrderCompleted(ctx, Order{ID: "2001", Email: "bo@example.com", CustomerName: "Bo", Items: []LineItem{
		{ID: "li-w1", ProductID: "wl-pass", AccountID: "777", SiteID: "site-1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, ActionWhitelist, res.Items[0].Action)
	assert.Equal(t, string(whitelist.OutcomeCreated), res.Items[0].Whitelist)

	e, err := wl.FindByLinkedOrder(ctx, "2001")
	require.NoError(t, err)
	assert.Equal(t, whitelist.TypeSiteUser, e.Type)
	require.NotNil(t, e.ExpiryDate)
	assert.True(t, t0.AddDate(1, 0, 0).Equal(*e.ExpiryDate))

	res, err = f.processor.OnOrderCompleted(ctx, Order{ID: "2002", Email: "anon@example.com", Items: []LineItem{
		{ID: "li-w2", ProductID: "wl-pass"},
	}})
	require.NoError(t, err)
	assert.Equal(t, string(whitelist.OutcomePending), res.Items[0].Whitelist)

	pending, err := wl.GetPending(ctx, "2002")
	require.NoError(t, err)
	assert.Equal(t, "anon@example.com", pending.Email)
}

func TestRestoreRefusedWhileAnotherLicenceIsLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.OnOrderCompleted(ctx, Order{ID: "1001", Items: []LineItem{
		{ID: "li-1", ProductID: "locator", AccountID: "acct-1", SiteID: "site-1"},
	}})
	require.NoError(t, err)

	f.now = t0.AddDate(0, 1, 8)
	_, err = f.machine.Revoke(ctx, "li-1")
	require.NoError(t, err)

	_, err = f.processor.OnOrderCompleted(ctx, Order{ID: "1002", Items: []LineItem{
		{ID: "li-2", ProductID: "locator", AccountID: "acct-1", SiteID: "site-1"},
	}})
	require.NoError(t, err)

	_, err = f.processor.Restore(ctx, "li-1", 1)
	assert.ErrorIs(t, err, internalerrors.ErrIllegalTransition)

	_, err = f.processor.Cancel(ctx, "li-2")
	require.NoError(t, err)

	rec, err := f.processor.Restore(ctx, "li-1", 1)
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, rec.Status)
	assert.Equal(t, 1, rec.RevokeAttempts)

	_, err = f.processor.Restore(ctx, "missing", 1)
	assert.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestOnInstallRefreshesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.OnOrderCompleted(ctx, Order{ID: "1001", Items: []LineItem{
		{ID: "li-1", ProductID: "locator", AccountID: "acct-1", SiteID: "site-1", AccessToken: "old"},
	}})
	require.NoError(t, err)

	rec, err := f.processor.OnInstall(ctx, Install{ProductID: "locator", AccountID: "acct-1", SiteID: "site-1", AccessToken: "new"})
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), rec.Token)
	assert.Equal(t, license.StatusActive, rec.Status)

	_, err = f.processor.OnInstall(ctx, Install{ProductID: "locator", AccountID: "acct-1", SiteID: "site-2", AccessToken: "new"})
	assert.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestOrderRequiresID(t *testing.T) {
	f := newFixture(t)
	_, err := f.processor.OnOrderCompleted(context.Background(), Order{ID: " "})
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)
}
