// Package sweep runs the periodic expiry sweep that moves licences into
// grace, revokes them, retries unconfirmed revocations and sends notices.
package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/metrics"
	"github.com/rcourtman/appgrant/internal/whitelist"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultExpiryInterval = 24 * time.Hour
	defaultNoticeInterval = time.Hour
	defaultWorkers        = 8
)

// Config controls sweep cadence and parallelism.
type Config struct {
	ExpiryInterval time.Duration
	NoticeInterval time.Duration
	Workers        int
}

func (c Config) withDefaults() Config {
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = defaultExpiryInterval
	}
	if c.NoticeInterval <= 0 {
		c.NoticeInterval = defaultNoticeInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	return c
}

// Report summarises one sweep.
type Report struct {
	Scanned         int `json:"scanned"`
	EnteredGrace    int `json:"entered_grace"`
	Revoked         int `json:"revoked"`
	RevokeFailures  int `json:"revoke_failures"`
	RetriedRevokes  int `json:"retried_revokes"`
	WarningsSent    int `json:"warnings_sent"`
	Skipped         int `json:"skipped"`
	WhitelistNotice int `json:"whitelist_notices"`
}

// Scheduler drives the licence state machine from the clock.
type Scheduler struct {
	machine *license.Machine
	store   license.Store
	notices *whitelist.Notices
	cfg     Config

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a sweep scheduler. notices may be nil.
func NewScheduler(machine *license.Machine, store license.Store, notices *whitelist.Notices, cfg Config) *Scheduler {
	return &Scheduler{
		machine: machine,
		store:   store,
		notices: notices,
		cfg:     cfg.withDefaults(),
	}
}

// Run sweeps once at startup and then on both tickers. It blocks until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().
		Dur("expiry_interval", s.cfg.ExpiryInterval).
		Dur("notice_interval", s.cfg.NoticeInterval).
		Int("workers", s.cfg.Workers).
		Msg("Expiry sweep scheduler started")

	expiryTicker := time.NewTicker(s.cfg.ExpiryInterval)
	defer expiryTicker.Stop()
	noticeTicker := time.NewTicker(s.cfg.NoticeInterval)
	defer noticeTicker.Stop()

	s.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry sweep scheduler stopped")
			return
		case <-expiryTicker.C:
			s.runSweep(ctx)
		case <-noticeTicker.C:
			if _, err := s.NoticePass(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Notice pass failed")
			}
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	report, err := s.SweepOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Expiry sweep failed")
		}
		return
	}
	log.Info().
		Int("scanned", report.Scanned).
		Int("entered_grace", report.EnteredGrace).
		Int("revoked", report.Revoked).
		Int("revoke_failures", report.RevokeFailures).
		Int("retried_revokes", report.RetriedRevokes).
		Int("warnings_sent", report.WarningsSent).
		Int("skipped", report.Skipped).
		Msg("Expiry sweep complete")
}

// SweepOnce runs a single pass over every record that may need attention.
// Records that fail with a storage or version error are skipped and picked
// up again by the next pass. Running it twice at the same instant changes
// nothing the second time.
func (s *Scheduler) SweepOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Warn().Msg("Expiry sweep already running, skipping")
		return Report{}, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	records, err := s.store.ListForSweep(ctx)
	if err != nil {
		return Report{}, err
	}

	var (
		mu     sync.Mutex
		report = Report{Scanned: len(records)}
	)

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			delta := s.sweepRecord(ctx, rec)
			mu.Lock()
			report.add(delta)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Scheduler) sweepRecord(ctx context.Context, rec *license.Record) Report {
	var delta Report
	now := s.machine.Now()

	switch rec.Status {
	case license.StatusActive, license.StatusGrace:
		switch {
		case now.After(rec.GraceUntil):
			_, err := s.machine.Revoke(ctx, rec.ID)
			switch {
			case err == nil:
				delta.Revoked++
			case errors.Is(err, internalerrors.ErrExternalRevokeFailure):
				// The record is revoked locally; the call is retried later.
				delta.Revoked++
				delta.RevokeFailures++
			default:
				s.skip(&delta, rec, "revoke", err)
			}
		case rec.Status == license.StatusActive && now.After(rec.Expiry):
			if _, err := s.machine.EnterGrace(ctx, rec.ID); err != nil {
				s.skip(&delta, rec, "enter_grace", err)
				return delta
			}
			delta.EnteredGrace++
		case rec.Status == license.StatusGrace:
			sent, err := s.machine.SendGraceWarning(ctx, rec.ID)
			if err != nil {
				log.Warn().Err(err).Str("license_id", rec.ID).Msg("Grace warning not delivered")
			}
			if sent {
				delta.WarningsSent++
			}
		}

	case license.StatusRevoked:
		if rec.RevokeConfirmed {
			return delta
		}
		after, err := s.machine.RetryRevocation(ctx, rec.ID)
		switch {
		case err == nil:
			if after != nil && after.RevokeAttempts > rec.RevokeAttempts {
				delta.RetriedRevokes++
			}
		case errors.Is(err, internalerrors.ErrExternalRevokeFailure):
			delta.RetriedRevokes++
			delta.RevokeFailures++
		default:
			s.skip(&delta, rec, "revoke_retry", err)
		}

	case license.StatusExpired, license.StatusCancelled:
	}
	return delta
}

func (s *Scheduler) skip(delta *Report, rec *license.Record, op string, err error) {
	delta.Skipped++
	metrics.SweepRecordErrors.WithLabelValues(errorType(err)).Inc()
	log.Error().
		Err(err).
		Str("license_id", rec.ID).
		Str("op", op).
		Str("status", string(rec.Status)).
		Msg("Sweep skipped licence, will retry next pass")
}

// NoticePass sends due grace warnings and whitelist expiry notices without
// changing any licence status.
func (s *Scheduler) NoticePass(ctx context.Context) (Report, error) {
	var report Report

	records, err := s.store.ListForSweep(ctx)
	if err != nil {
		return report, err
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if rec.Status != license.StatusGrace {
			continue
		}
		report.Scanned++
		sent, err := s.machine.SendGraceWarning(ctx, rec.ID)
		if err != nil {
			log.Warn().Err(err).Str("license_id", rec.ID).Msg("Grace warning not delivered")
			continue
		}
		if sent {
			report.WarningsSent++
		}
	}

	if s.notices != nil {
		wl, err := s.notices.Run(ctx)
		if err != nil {
			return report, err
		}
		report.WhitelistNotice = wl.Expiring + wl.Expired
		if wl.Failed > 0 {
			log.Warn().Int("failed", wl.Failed).Msg("Some whitelist notices were not delivered")
		}
	}
	return report, nil
}

func (r *Report) add(d Report) {
	r.EnteredGrace += d.EnteredGrace
	r.Revoked += d.Revoked
	r.RevokeFailures += d.RevokeFailures
	r.RetriedRevokes += d.RetriedRevokes
	r.WarningsSent += d.WarningsSent
	r.Skipped += d.Skipped
}

func errorType(err error) string {
	var licErr *internalerrors.LicenseError
	if errors.As(err, &licErr) {
		return string(licErr.Type)
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
