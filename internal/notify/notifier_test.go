package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/metrics"
	"github.com/rcourtman/appgrant/internal/whitelist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	msgs []Message
	err  error
}

func (c *captureSender) Send(_ context.Context, msg Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

var t0 = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func TestGraceWarning(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier(sender, "billing@example.com", func(id string) string {
		if id == "p-1" {
			return "Store Locator"
		}
		return ""
	})

	err := n.GraceWarning(context.Background(), &license.Record{
		ID: "li-1", ProductID: "p-1", SiteID: "site-1", Email: "owner@example.com",
		Expiry: t0, GraceUntil: t0.AddDate(0, 0, 7),
	})
	require.NoError(t, err)
	require.Len(t, sender.msgs, 1)

	msg := sender.msgs[0]
	assert.Equal(t, "billing@example.com", msg.From)
	assert.Equal(t, "owner@example.com", msg.To)
	assert.Equal(t, "grace_warning", msg.Kind)
	assert.Equal(t, "li-1", msg.Ref)
	assert.Contains(t, msg.Subject, "Store Locator")
	assert.Contains(t, msg.Text, "17 January 2026")
	assert.Contains(t, msg.HTML, "site-1")
}

func TestGraceWarningWithoutEmailIsSkipped(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier(sender, "billing@example.com", nil)
	require.NoError(t, n.GraceWarning(context.Background(), &license.Record{ID: "li-1"}))
	assert.Empty(t, sender.msgs)
}

func TestWhitelistNotices(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier(sender, "billing@example.com", nil)
	expiry := t0.AddDate(0, 0, 2)
	e := &whitelist.Entry{ID: "e-1", Type: whitelist.TypeUserID, UserID: "u1", Email: "bo@example.com", CustomerName: "Bo", ExpiryDate: &expiry}

	before := testutil.ToFloat64(metrics.NoticesSent.WithLabelValues("whitelist_expiring", "sent"))
	require.NoError(t, n.WhitelistExpiring(context.Background(), e))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NoticesSent.WithLabelValues("whitelist_expiring", "sent")))
	require.NoError(t, n.WhitelistExpired(context.Background(), e))
	require.Len(t, sender.msgs, 2)
	assert.Equal(t, "whitelist_expiring", sender.msgs[0].Kind)
	assert.Equal(t, "e-1", sender.msgs[0].Ref)
	assert.Contains(t, sender.msgs[0].Text, "Hi Bo")
	assert.Contains(t, sender.msgs[0].Text, "12 January 2026")
	assert.Equal(t, "whitelist_expired", sender.msgs[1].Kind)
}

func TestSendFailureIsReported(t *testing.T) {
	sender := &captureSender{err: errors.New("smtp down")}
	n := NewNotifier(sender, "billing@example.com", nil)
	expiry := t0
	err := n.WhitelistExpired(context.Background(), &whitelist.Entry{ID: "e-1", Email: "bo@example.com", ExpiryDate: &expiry})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
}

func TestRejectedWhitelistNoticeIsCountedSeparately(t *testing.T) {
	sender := &captureSender{err: &DeliveryError{Kind: "whitelist_expired", Ref: "e-1", StatusCode: 422, Code: 406, Permanent: true}}
	n := NewNotifier(sender, "billing@example.com", nil)
	expiry := t0

	before := testutil.ToFloat64(metrics.NoticesSent.WithLabelValues("whitelist_expired", "rejected"))
	err := n.WhitelistExpired(context.Background(), &whitelist.Entry{ID: "e-1", Email: "bo@example.com", ExpiryDate: &expiry})
	require.Error(t, err)
	assert.ErrorIs(t, err, internalerrors.ErrNoticeRejected)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.NoticesSent.WithLabelValues("whitelist_expired", "rejected")))
}
