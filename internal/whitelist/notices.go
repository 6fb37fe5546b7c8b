package whitelist

import (
	"context"
	"errors"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rs/zerolog/log"
)

// Mailer sends whitelist expiry notices.
type Mailer interface {
	WhitelistExpiring(ctx context.Context, e *Entry) error
	WhitelistExpired(ctx context.Context, e *Entry) error
}

// NoticeReport summarises one notice pass.
type NoticeReport struct {
	Expiring int
	Expired  int
	Failed   int
}

// Notices sends one "expiring soon" and one "expired" email per entry.
type Notices struct {
	store  Store
	mailer Mailer
	within time.Duration
	now    func() time.Time
}

// NewNotices creates a notice pass warning entries that expire within the
// given window. A nil now uses time.Now.
func NewNotices(store Store, mailer Mailer, within time.Duration, now func() time.Time) *Notices {
	if now == nil {
		now = time.Now
	}
	return &Notices{store: store, mailer: mailer, within: within, now: now}
}

// Run sends the notices that are due. Entries without an email address are
// skipped. A failed send is retried on the next pass unless the provider
// rejected the message outright.
func (n *Notices) Run(ctx context.Context) (NoticeReport, error) {
	var report NoticeReport
	now := n.now().UTC()

	entries, err := n.store.ListExpiringBefore(ctx, now.Add(n.within))
	if err != nil {
		return report, err
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if e == nil || e.ExpiryDate == nil || e.Email == "" {
			continue
		}

		expired := !e.ActiveAt(now)
		switch {
		case expired && e.ExpiredNoticeAt == nil:
			if err := n.mailer.WhitelistExpired(ctx, e); err != nil {
				report.Failed++
				log.Warn().Err(err).Str("entry_id", e.ID).Msg("Failed to send whitelist expired notice")
				if !errors.Is(err, internalerrors.ErrNoticeRejected) {
					continue
				}
			} else {
				report.Expired++
			}
			e.ExpiredNoticeAt = &now
		case !expired && e.ExpiringNoticeAt == nil:
			if err := n.mailer.WhitelistExpiring(ctx, e); err != nil {
				report.Failed++
				log.Warn().Err(err).Str("entry_id", e.ID).Msg("Failed to send whitelist expiring notice")
				if !errors.Is(err, internalerrors.ErrNoticeRejected) {
					continue
				}
			} else {
				report.Expiring++
			}
			e.ExpiringNoticeAt = &now
		default:
			continue
		}

		e.UpdatedAt = now
		if err := n.store.UpdateEntry(ctx, e); err != nil {
			log.Error().Err(err).Str("entry_id", e.ID).Msg("Failed to record whitelist notice")
		}
	}
	return report, nil
}
