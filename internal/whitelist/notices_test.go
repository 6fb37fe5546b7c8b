package whitelist

import (
	"context"
	"fmt"
	"testing"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoticesRun(t *testing.T) {
	store := newMemStore()
	store.add(&Entry{ID: "e-soon", Type: TypeUserID, UserID: "u1", Email: "a@example.com", ExpiryDate: ptr(now.Add(48 * time.Hour))})
	store.add(&Entry{ID: "e-gone", Type: TypeUserID, UserID: "u2", Email: "b@example.com", ExpiryDate: ptr(now.Add(-time.Hour))})
	store.add(&Entry{ID: "e-later", Type: TypeUserID, UserID: "u3", Email: "c@example.com", ExpiryDate: ptr(now.AddDate(0, 1, 0))})
	store.add(&Entry{ID: "e-forever", Type: TypeUserID, UserID: "u4", Email: "d@example.com"})
	store.add(&Entry{ID: "e-nomail", Type: TypeUserID, UserID: "u5", ExpiryDate: ptr(now.Add(time.Hour))})

	mailer := &recordingMailer{}
	n := NewNotices(store, mailer, 3*24*time.Hour, fixedNow)

	report, err := n.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoticeReport{Expiring: 1, Expired: 1}, report)
	assert.Equal(t, []string{"e-soon"}, mailer.expiring)
	assert.Equal(t, []string{"e-gone"}, mailer.expired)

	report, err = n.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoticeReport{}, report, "notices are sent once")

	soon, err := store.GetEntry(context.Background(), "e-soon")
	require.NoError(t, err)
	require.NotNil(t, soon.ExpiringNoticeAt)
	assert.Nil(t, soon.ExpiredNoticeAt)
}

func TestNoticesFailureIsRetried(t *testing.T) {
	store := newMemStore()
	store.add(&Entry{ID: "e-soon", Type: TypeUserID, UserID: "u1", Email: "a@example.com", ExpiryDate: ptr(now.Add(time.Hour))})

	mailer := &recordingMailer{err: errMailDown}
	n := NewNotices(store, mailer, 3*24*time.Hour, fixedNow)

	report, err := n.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	mailer.err = nil
	report, err = n.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expiring)
}

func TestNoticesRejectedAddressIsNotRetried(t *testing.T) {
	store := newMemStore()
	store.add(&Entry{ID: "e-soon", Type: TypeUserID, UserID: "u1", Email: "bounced@example.com", ExpiryDate: ptr(now.Add(time.Hour))})

	mailer := &recordingMailer{err: fmt.Errorf("send whitelist_expiring notice: %w", internalerrors.ErrNoticeRejected)}
	n := NewNotices(store, mailer, 3*24*time.Hour, fixedNow)

	report, err := n.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoticeReport{Failed: 1}, report)

	mailer.err = nil
	report, err = n.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoticeReport{}, report)
	assert.Empty(t, mailer.expiring)

	e, err := store.GetEntry(context.Background(), "e-soon")
	require.NoError(t, err)
	assert.NotNil(t, e.ExpiringNoticeAt)
}
