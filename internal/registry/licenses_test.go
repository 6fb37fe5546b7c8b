package registry

import (
	"context"
	"testing"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id, product, account, site string, status license.Status, expiry time.Time) *license.Record {
	rec := &license.Record{
		ID:            id,
		ProductID:     product,
		AppID:         "app-" + product,
		AccountID:     account,
		SiteID:        site,
		OrderID:       "o-" + id,
		Email:         "owner@example.com",
		Cycle:         license.Cycle{Length: 1, Unit: license.CycleMonth, PriceCents: 1000},
		PrepaidCycles: 1,
		PaidCents:     1000,
		Expiry:        expiry,
		GraceUntil:    expiry.AddDate(0, 0, 7),
		Status:        status,
		Token:         []byte{0x01, 0x02, 0x03},
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
	if status == license.StatusRevoked {
		rec.RevokeAttempts = 1
	}
	return rec
}

func TestLicenseCreateAndGet(t *testing.T) {
	store := newTestRegistry(t).Licenses()
	ctx := context.Background()

	rec := testRecord("li-1", "p-1", "acct-1", "site-1", license.StatusActive, t0.AddDate(0, 1, 0))
	notice := t0.Add(time.Hour)
	rec.LastNoticeAt = &notice
	require.NoError(t, store.Create(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	got, err := store.Get(ctx, "li-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ProductID, got.ProductID)
	assert.Equal(t, rec.AppID, got.AppID)
	assert.Equal(t, rec.Cycle, got.Cycle)
	assert.Equal(t, rec.Token, got.Token)
	assert.True(t, rec.Expiry.Equal(got.Expiry))
	assert.True(t, rec.GraceUntil.Equal(got.GraceUntil))
	require.NotNil(t, got.LastNoticeAt)
	assert.True(t, notice.Equal(*got.LastNoticeAt))
	assert.Nil(t, got.LastRevokeAttemptAt)
	assert.Equal(t, license.StatusActive, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestLicenseCreateDuplicateIsConflict(t *testing.T) {
	store := newTestRegistry(t).Licenses()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testRecord("li-1", "p-1", "a", "s", license.StatusActive, t0)))
	err := store.Create(ctx, testRecord("li-1", "p-1", "a", "s", license.StatusActive, t0))
	assert.ErrorIs(t, err, internalerrors.ErrConcurrentModification)
}

func TestLicenseGetMissing(t *testing.T) {
	store := newTestRegistry(t).Licenses()
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestLicenseUpdateVersioning(t *testing.T) {
	store := newTestRegistry(t).Licenses()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testRecord("li-1", "p-1", "a", "s", license.StatusActive, t0)))

	first, err := store.Get(ctx, "li-1")
	require.NoError(t, err)
	second, err := store.Get(ctx, "li-1")
	require.NoError(t, err)

	first.Status = license.StatusGrace
	require.NoError(t, store.Update(ctx, first, 1))
	assert.Equal(t, int64(2), first.Version)

	second.Status = license.StatusCancelled
	err = store.Update(ctx, second, 1)
	assert.ErrorIs(t, err, internalerrors.ErrConcurrentModification)

	got, err := store.Get(ctx, "li-1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusGrace, got.Status)
	assert.Equal(t, int64(2), got.Version)

	missing := testRecord("li-404", "p-1", "a", "s", license.StatusActive, t0)
	assert.ErrorIs(t, store.Update(ctx, missing, 1), internalerrors.ErrNotFound)
}

func TestLicenseWriteRejectsBrokenInvariants(t *testing.T) {
	store := newTestRegistry(t).Licenses()
	ctx := context.Background()

	rec := testRecord("li-1", "p-1", "a", "s", license.StatusActive, t0)
	rec.GraceUntil = rec.Expiry.Add(-time.Hour)
	assert.ErrorIs(t, store.Create(ctx, rec), internalerrors.ErrInvariant)

	rec = testRecord("li-2", "p-1", "a", "s", license.StatusActive, t0)
	require.NoError(t, store.Create(ctx, rec))
	rec.Status = license.StatusRevoked
	rec.RevokeAttempts = 0
	assert.ErrorIs(t, store.Update(ctx, rec, 1), internalerrors.ErrInvariant)
}

func TestLicenseListByProductOrdersByExpiry(t *testing.T) {
	store := newTestRegistry(t).Licenses()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testRecord("li-a", "p-1", "a", "s", license.StatusActive, t0.AddDate(0, 1, 0))))
	require.NoError(t, store.Create(ctx, testRecord("li-b", "p-1", "a", "s", license.StatusActive, t0.AddDate(0, 3, 0))))
	require.NoError(t, store.Create(ctx, testRecord("li-c", "p-2", "a", "s", license.StatusActive, t0.AddDate(0, 2, 0))))

	recs, err := store.ListByProduct(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "li-b", recs[0].ID)
	assert.Equal(t, "li-a", recs[1].ID)
}

func TestLicenseListForSweep(t *testing.T) {
	store := newTestRegistry(t).Licenses()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testRecord("li-active", "p-1", "a", "s1", license.StatusActive, t0)))
	require.NoError(t, store.Create(ctx, testRecord("li-grace", "p-1", "a", "s2", license.StatusGrace, t0)))
	require.NoError(t, store.Create(ctx, testRecord("li-cancelled", "p-1", "a", "s3", license.StatusCancelled, t0)))
	unconfirmed := testRecord("li-revoked-pending", "p-1", "a", "s4", license.StatusRevoked, t0)
	require.NoError(t, store.Create(ctx, unconfirmed))
	confirmed := testRecord("li-revoked-done", "p-1", "a", "s5", license.StatusRevoked, t0)
	confirmed.RevokeConfirmed = true
	require.NoError(t, store.Create(ctx, confirmed))

	recs, err := store.ListForSweep(ctx)
	require.NoError(t, err)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"li-active", "li-grace", "li-revoked-pending"}, ids)
}

func TestLicenseCountByStatusAndAccount(t *testing.T) {
	store := newTestRegistry(t).Licenses()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testRecord("li-1", "p-1", "acct-1", "s1", license.StatusActive, t0)))
	require.NoError(t, store.Create(ctx, testRecord("li-2", "p-2", "acct-1", "s1", license.StatusActive, t0)))
	require.NoError(t, store.Create(ctx, testRecord("li-3", "p-1", "acct-2", "s2", license.StatusRevoked, t0)))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[license.Status]int{license.StatusActive: 2, license.StatusRevoked: 1}, counts)

	owned, err := store.ListByAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

func TestLicenseStoreClosedDatabaseIsStorageError(t *testing.T) {
	reg := newTestRegistry(t)
	store := reg.Licenses()
	require.NoError(t, reg.Close())

	_, err := store.Get(context.Background(), "li-1")
	assert.ErrorIs(t, err, internalerrors.ErrStorageUnavailable)
	assert.False(t, internalerrors.IsNotFound(err))

	_, err = store.ListByProduct(context.Background(), "p-1")
	assert.ErrorIs(t, err, internalerrors.ErrStorageUnavailable)
}

func TestMachineOnSQLite(t *testing.T) {
	store := newTestRegistry(t).Licenses()
	ctx := context.Background()
	now := t0
	m := license.NewMachine(store, nil, nil, license.Config{GracePeriodDays: 7},
		license.WithClock(func() time.Time { return now }))

	rec, err := m.Create(ctx, license.CreateParams{
		ID:            "li-1",
		ProductID:     "p-1",
		AccountID:     "acct-1",
		OrderID:       "o-1",
		Cycle:         license.Cycle{Length: 1, Unit: license.CycleMonth, PriceCents: 1000},
		PrepaidCycles: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)

	now = t0.AddDate(0, 1, 1)
	rec, err = m.EnterGrace(ctx, "li-1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusGrace, rec.Status)

	now = t0.AddDate(0, 1, 8)
	rec, err = m.Revoke(ctx, "li-1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusRevoked, rec.Status)
	assert.False(t, rec.RevokeConfirmed, "no endpoint configured")

	rec, err = m.Renew(ctx, "li-1", license.RenewParams{OrderID: "o-2", PrepaidCycles: 1})
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, rec.Status)
	assert.Equal(t, 1, rec.RenewalCount)
	assert.True(t, now.AddDate(0, 1, 0).Equal(rec.Expiry))

	rec, err = m.Renew(ctx, "li-1", license.RenewParams{OrderID: "o-2", PrepaidCycles: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RenewalCount)
	assert.Equal(t, []string{"o-2"}, rec.RenewalOrderIDs)
}
