package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/ident"
	"github.com/rcourtman/appgrant/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultRevokeTimeout       = 10 * time.Second
	defaultNoticeInterval      = 24 * time.Hour
	defaultRevokeRetryInterval = 24 * time.Hour
	defaultMaxAttempts         = 3

	errNoRevoker = "no revocation endpoint configured"
)

// Config controls the state machine.
type Config struct {
	// GracePeriodDays is added to the expiry to give grace_until. Zero is allowed.
	GracePeriodDays int
	// DiscountThreshold is the prepaid cycle count at which duration discounts apply.
	DiscountThreshold int
	// RevokeTimeout bounds each outbound revocation call.
	RevokeTimeout time.Duration
	// NoticeInterval is the minimum spacing of grace warnings for one record.
	NoticeInterval time.Duration
	// RevokeRetryInterval is the minimum spacing of revocation attempts for one record.
	RevokeRetryInterval time.Duration
	// MaxAttempts bounds the read-modify-write retries on a version conflict.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.GracePeriodDays < 0 {
		c.GracePeriodDays = 0
	}
	if c.DiscountThreshold <= 0 {
		c.DiscountThreshold = DefaultDiscountThreshold
	}
	if c.RevokeTimeout <= 0 {
		c.RevokeTimeout = defaultRevokeTimeout
	}
	if c.NoticeInterval <= 0 {
		c.NoticeInterval = defaultNoticeInterval
	}
	if c.RevokeRetryInterval <= 0 {
		c.RevokeRetryInterval = defaultRevokeRetryInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Machine owns every status change of a licence record. Each operation reads
// the record, applies one transition and writes it back guarded by the
// record version, so concurrent callers never lose an update.
type Machine struct {
	store    Store
	revoker  Revoker
	cipher   TokenCipher
	notifier Notifier
	cfg      Config
	now      func() time.Time
}

// Option customises a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithNotifier sets the grace warning sender.
func WithNotifier(n Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// NewMachine creates a Machine. A nil revoker means no remote endpoint is
// configured; revocations are then recorded locally and stay unconfirmed.
func NewMachine(store Store, revoker Revoker, cipher TokenCipher, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		store:   store,
		revoker: revoker,
		cipher:  cipher,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// Now returns the machine's current time, truncated to the storage resolution.
func (m *Machine) Now() time.Time {
	return m.now().Truncate(time.Second)
}

// Get returns the record with the given id.
func (m *Machine) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, ident.Normalize(id))
}

// CreateParams describes a newly purchased licence.
type CreateParams struct {
	ID              string // order line item id
	ProductID       string
	AppID           string
	AccountID       string
	SiteID          string
	OrderID         string
	Email           string
	Cycle           Cycle
	PrepaidCycles   int
	DiscountPercent int
	Token           string
}

// Create records a new active licence. An unusable cycle is replaced by the
// default cycle and the purchase still succeeds.
func (m *Machine) Create(ctx context.Context, p CreateParams) (*Record, error) {
	id := ident.Normalize(p.ID)
	productID := ident.Normalize(p.ProductID)
	if id == "" || productID == "" {
		return nil, internalerrors.NewLicenseError(internalerrors.ErrorTypeValidation, "create", id,
			fmt.Errorf("%w: line item id and product id are required", internalerrors.ErrInvalidInput))
	}

	cycle := m.normalizeCycle(id, productID, p.Cycle)
	now := m.Now()
	term := Calculate(now, TermInput{
		Cycle:             cycle,
		PrepaidCycles:     p.PrepaidCycles,
		DiscountPercent:   p.DiscountPercent,
		DiscountThreshold: m.cfg.DiscountThreshold,
		GracePeriodDays:   m.cfg.GracePeriodDays,
	})

	token, err := m.sealToken(p.Token)
	if err != nil {
		return nil, internalerrors.NewLicenseError(internalerrors.ErrorTypeInternal, "create", id, err)
	}

	rec := &Record{
		ID:            id,
		ProductID:     productID,
		AppID:         ident.Normalize(p.AppID),
		AccountID:     ident.Normalize(p.AccountID),
		SiteID:        ident.Normalize(p.SiteID),
		OrderID:       ident.Normalize(p.OrderID),
		Email:         strings.TrimSpace(p.Email),
		Cycle:         cycle,
		PrepaidCycles: term.Cycles,
		PaidCents:     term.PriceCents,
		Expiry:        term.Expiry,
		GraceUntil:    term.GraceUntil,
		Status:        StatusActive,
		Token:         token,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues("new", string(StatusActive)).Inc()
	log.Info().
		Str("license_id", rec.ID).
		Str("product_id", rec.ProductID).
		Str("account_id", rec.AccountID).
		Str("site_id", rec.SiteID).
		Time("expiry", rec.Expiry).
		Int("cycles", term.Cycles).
		Int64("price_cents", term.PriceCents).
		Msg("Licence created")
	return rec.Clone(), nil
}

// RenewParams describes a renewal payment.
type RenewParams struct {
	OrderID         string
	PrepaidCycles   int
	DiscountPercent int
	// Cycle replaces the stored cycle when set.
	Cycle *Cycle
	Token string
}

// Renew starts a fresh term from now and reactivates the licence. A renewal
// carrying an order id that was already applied is accepted without change.
func (m *Machine) Renew(ctx context.Context, id string, p RenewParams) (*Record, error) {
	orderID := ident.Normalize(p.OrderID)
	token, err := m.sealToken(p.Token)
	if err != nil {
		return nil, internalerrors.NewLicenseError(internalerrors.ErrorTypeInternal, "renew", id, err)
	}

	rec, changed, err := m.mutate(ctx, "renew", id, func(rec *Record, now time.Time) (bool, error) {
		if !CanTransition(rec.Status, StatusActive) {
			return false, internalerrors.IllegalTransition("renew", rec.ID, rec.Status, StatusActive)
		}
		if rec.AppliedOrder(orderID) {
			return false, nil
		}

		cycle := rec.Cycle
		if p.Cycle != nil {
			cycle = m.normalizeCycle(rec.ID, rec.ProductID, *p.Cycle)
		}
		term := Calculate(now, TermInput{
			Cycle:             cycle,
			PrepaidCycles:     p.PrepaidCycles,
			DiscountPercent:   p.DiscountPercent,
			DiscountThreshold: m.cfg.DiscountThreshold,
			GracePeriodDays:   m.cfg.GracePeriodDays,
		})

		rec.Cycle = cycle
		rec.PrepaidCycles = term.Cycles
		rec.PaidCents = term.PriceCents
		rec.Expiry = term.Expiry
		rec.GraceUntil = term.GraceUntil
		rec.Status = StatusActive
		rec.RenewalCount++
		rec.LastRenewalOrderID = orderID
		if orderID != "" {
			rec.RenewalOrderIDs = append(rec.RenewalOrderIDs, orderID)
		}
		rec.LastNoticeAt = nil
		rec.RevokeConfirmed = false
		rec.LastRevokeError = ""
		if token != nil {
			rec.Token = token
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if !changed {
		log.Info().
			Str("license_id", rec.ID).
			Str("order_id", orderID).
			Msg("Renewal already applied for this order, ignoring")
		return rec, nil
	}
	log.Info().
		Str("license_id", rec.ID).
		Str("order_id", orderID).
		Int("renewal_count", rec.RenewalCount).
		Time("expiry", rec.Expiry).
		Msg("Licence renewed")
	return rec, nil
}

// EnterGrace moves an expired active licence into its grace period and sends
// the first grace warning.
func (m *Machine) EnterGrace(ctx context.Context, id string) (*Record, error) {
	rec, changed, err := m.mutate(ctx, "enter_grace", id, func(rec *Record, now time.Time) (bool, error) {
		if rec.Status == StatusGrace {
			return false, nil
		}
		if rec.Status != StatusActive || !now.After(rec.Expiry) {
			return false, internalerrors.IllegalTransition("enter_grace", rec.ID, rec.Status, StatusGrace)
		}
		rec.Status = StatusGrace
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		log.Info().
			Str("license_id", rec.ID).
			Time("expiry", rec.Expiry).
			Time("grace_until", rec.GraceUntil).
			Msg("Licence entered grace period")
	}

	if _, err := m.SendGraceWarning(ctx, rec.ID); err != nil {
		log.Warn().Err(err).Str("license_id", rec.ID).Msg("Failed to send grace warning")
	}
	return m.store.Get(ctx, rec.ID)
}

// SendGraceWarning sends a grace warning unless one was sent within the
// notice interval. The send is claimed on the record before delivery and the
// claim is released if delivery fails for a reason a retry may fix. It
// reports whether a warning was sent.
func (m *Machine) SendGraceWarning(ctx context.Context, id string) (bool, error) {
	if m.notifier == nil {
		return false, nil
	}

	var previous *time.Time
	rec, claimed, err := m.mutate(ctx, "grace_notice", id, func(rec *Record, now time.Time) (bool, error) {
		if rec.Status != StatusGrace {
			return false, nil
		}
		if rec.LastNoticeAt != nil && now.Sub(*rec.LastNoticeAt) < m.cfg.NoticeInterval {
			return false, nil
		}
		previous = cloneTime(rec.LastNoticeAt)
		rec.LastNoticeAt = &now
		return true, nil
	})
	if err != nil || !claimed {
		return false, err
	}

	sendErr := m.notifier.GraceWarning(ctx, rec.Clone())
	if sendErr == nil {
		metrics.NoticesSent.WithLabelValues("grace_warning", "sent").Inc()
		return true, nil
	}
	if errors.Is(sendErr, internalerrors.ErrNoticeRejected) {
		// A rejected message would be rejected again; keep the slot so the
		// next attempt waits a full interval.
		metrics.NoticesSent.WithLabelValues("grace_warning", "rejected").Inc()
		log.Warn().Err(sendErr).Str("license_id", id).Msg("Grace warning rejected by mail provider")
		return false, nil
	}
	metrics.NoticesSent.WithLabelValues("grace_warning", "failed").Inc()

	claim := *rec.LastNoticeAt
	_, _, err = m.mutate(ctx, "grace_notice_release", id, func(rec *Record, _ time.Time) (bool, error) {
		if rec.LastNoticeAt == nil || !rec.LastNoticeAt.Equal(claim) {
			return false, nil
		}
		rec.LastNoticeAt = previous
		return true, nil
	})
	if err != nil {
		log.Error().Err(err).Str("license_id", id).Msg("Failed to release grace warning claim")
	}
	return false, fmt.Errorf("send grace warning for %s: %w", id, sendErr)
}

// Revoke withdraws a licence whose grace period has ended. The revoked status
// is committed before the remote endpoint is called and is never rolled back;
// the call outcome is recorded afterwards. Revoking a revoked record is a no-op.
func (m *Machine) Revoke(ctx context.Context, id string) (*Record, error) {
	rec, changed, err := m.mutate(ctx, "revoke", id, func(rec *Record, now time.Time) (bool, error) {
		if rec.Status == StatusRevoked {
			return false, nil
		}
		if !CanTransition(rec.Status, StatusRevoked) || !now.After(rec.GraceUntil) {
			return false, internalerrors.IllegalTransition("revoke", rec.ID, rec.Status, StatusRevoked)
		}
		rec.Status = StatusRevoked
		rec.RevokeAttempts++
		rec.LastRevokeAttemptAt = &now
		rec.RevokeConfirmed = false
		rec.LastRevokeError = ""
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return rec, nil
	}

	log.Warn().
		Str("license_id", rec.ID).
		Str("product_id", rec.ProductID).
		Str("site_id", rec.SiteID).
		Time("grace_until", rec.GraceUntil).
		Msg("Licence revoked")
	return m.callRevoker(ctx, rec)
}

// RetryRevocation repeats the remote call for a revoked record the endpoint
// never confirmed. At most one attempt is made per record per retry interval.
// Without a configured endpoint the record is returned unchanged.
func (m *Machine) RetryRevocation(ctx context.Context, id string) (*Record, error) {
	if m.revoker == nil {
		return m.Get(ctx, id)
	}
	rec, changed, err := m.mutate(ctx, "revoke_retry", id, func(rec *Record, now time.Time) (bool, error) {
		if rec.Status != StatusRevoked || rec.RevokeConfirmed {
			return false, nil
		}
		if rec.LastRevokeAttemptAt != nil && now.Sub(*rec.LastRevokeAttemptAt) < m.cfg.RevokeRetryInterval {
			return false, nil
		}
		rec.RevokeAttempts++
		rec.LastRevokeAttemptAt = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return rec, nil
	}

	log.Info().
		Str("license_id", rec.ID).
		Int("attempt", rec.RevokeAttempts).
		Msg("Retrying revocation")
	return m.callRevoker(ctx, rec)
}

// Cancel ends a live licence administratively. No remote call is made.
func (m *Machine) Cancel(ctx context.Context, id string) (*Record, error) {
	rec, _, err := m.mutate(ctx, "cancel", id, func(rec *Record, _ time.Time) (bool, error) {
		if !CanTransition(rec.Status, StatusCancelled) {
			return false, internalerrors.IllegalTransition("cancel", rec.ID, rec.Status, StatusCancelled)
		}
		rec.Status = StatusCancelled
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("license_id", rec.ID).Msg("Licence cancelled")
	return rec, nil
}

// RestoreParams describes an administrative restore.
type RestoreParams struct {
	PrepaidCycles   int
	DiscountPercent int
}

// Restore reactivates a revoked licence with a fresh term computed the same
// way as a purchase. The revocation history is kept.
func (m *Machine) Restore(ctx context.Context, id string, p RestoreParams) (*Record, error) {
	rec, _, err := m.mutate(ctx, "restore", id, func(rec *Record, now time.Time) (bool, error) {
		if rec.Status != StatusRevoked {
			return false, internalerrors.IllegalTransition("restore", rec.ID, rec.Status, StatusActive)
		}
		term := Calculate(now, TermInput{
			Cycle:             rec.Cycle,
			PrepaidCycles:     p.PrepaidCycles,
			DiscountPercent:   p.DiscountPercent,
			DiscountThreshold: m.cfg.DiscountThreshold,
			GracePeriodDays:   m.cfg.GracePeriodDays,
		})
		rec.Status = StatusActive
		rec.PrepaidCycles = term.Cycles
		rec.Expiry = term.Expiry
		rec.GraceUntil = term.GraceUntil
		rec.LastNoticeAt = nil
		rec.RevokeConfirmed = false
		rec.LastRevokeError = ""
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("license_id", rec.ID).
		Time("expiry", rec.Expiry).
		Int("revoke_attempts", rec.RevokeAttempts).
		Msg("Licence restored")
	return rec, nil
}

// RefreshToken replaces the stored access token without changing status.
func (m *Machine) RefreshToken(ctx context.Context, id, token string) (*Record, error) {
	if strings.TrimSpace(token) == "" {
		return m.Get(ctx, id)
	}
	sealed, err := m.sealToken(token)
	if err != nil {
		return nil, internalerrors.NewLicenseError(internalerrors.ErrorTypeInternal, "refresh_token", id, err)
	}
	rec, _, err := m.mutate(ctx, "refresh_token", id, func(rec *Record, _ time.Time) (bool, error) {
		rec.Token = sealed
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("license_id", rec.ID).Msg("Access token refreshed")
	return rec, nil
}

// callRevoker performs the remote call for a record already committed as
// revoked and records the outcome.
func (m *Machine) callRevoker(ctx context.Context, rec *Record) (*Record, error) {
	token, tokenErr := m.openToken(rec.Token)

	var callErr error
	pending := ""
	switch {
	case tokenErr != nil:
		callErr = tokenErr
		metrics.RevokeCallsTotal.WithLabelValues("failed").Inc()
	case m.revoker == nil:
		// Left unconfirmed so a later configured endpoint still receives the call.
		pending = errNoRevoker
		metrics.RevokeCallsTotal.WithLabelValues("skipped").Inc()
		log.Warn().Str("license_id", rec.ID).Msg("No revocation endpoint configured, recording revocation locally")
	case token == "":
		metrics.RevokeCallsTotal.WithLabelValues("skipped").Inc()
		log.Warn().Str("license_id", rec.ID).Msg("No access token stored, skipping remote revocation")
	default:
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.RevokeTimeout)
		callErr = m.revoker.Revoke(callCtx, RevokeRequest{
			LicenseID: rec.ID,
			ProductID: rec.ProductID,
			AppID:     rec.AppID,
			SiteID:    rec.SiteID,
			Token:     token,
		})
		cancel()
		if callErr != nil {
			metrics.RevokeCallsTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.RevokeCallsTotal.WithLabelValues("confirmed").Inc()
		}
	}

	updated, _, err := m.mutate(ctx, "revoke_record", rec.ID, func(r *Record, _ time.Time) (bool, error) {
		if r.Status != StatusRevoked {
			return false, nil
		}
		r.RevokeConfirmed = callErr == nil && pending == ""
		r.LastRevokeError = pending
		if callErr != nil {
			r.LastRevokeError = callErr.Error()
		}
		return true, nil
	})
	if err != nil {
		log.Error().Err(err).Str("license_id", rec.ID).Msg("Failed to record revocation outcome")
		updated = rec
	}

	if callErr != nil {
		log.Error().
			Err(callErr).
			Str("license_id", rec.ID).
			Int("attempt", rec.RevokeAttempts).
			Msg("Remote revocation failed, will retry on a later sweep")
		return updated, internalerrors.ExternalRevokeFailure(rec.ID, callErr)
	}
	return updated, nil
}

// mutate runs one read, transition, versioned write cycle. fn reports whether
// it changed the record; unchanged records are returned without a write. A
// version conflict re-reads and re-applies fn up to MaxAttempts times.
func (m *Machine) mutate(ctx context.Context, op, id string, fn func(rec *Record, now time.Time) (bool, error)) (*Record, bool, error) {
	id = ident.Normalize(id)
	for attempt := 1; ; attempt++ {
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}

		now := m.Now()
		from := rec.Status
		changed, err := fn(rec, now)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return rec, false, nil
		}

		expected := rec.Version
		rec.UpdatedAt = now
		err = m.store.Update(ctx, rec, expected)
		if err == nil {
			if from != rec.Status {
				metrics.TransitionsTotal.WithLabelValues(string(from), string(rec.Status)).Inc()
			}
			return rec.Clone(), true, nil
		}
		if !errors.Is(err, internalerrors.ErrConcurrentModification) || attempt >= m.cfg.MaxAttempts {
			return nil, false, err
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		log.Debug().
			Str("op", op).
			Str("license_id", id).
			Int("attempt", attempt).
			Msg("Version conflict, re-reading licence")
	}
}

func (m *Machine) normalizeCycle(id, productID string, c Cycle) Cycle {
	if err := c.Validate(); err == nil {
		return c
	}
	normalized, _ := c.Normalize()
	metrics.InvalidCycleTotal.Inc()
	log.Warn().
		Str("license_id", id).
		Str("product_id", productID).
		Int("length", c.Length).
		Str("unit", string(c.Unit)).
		Str("substituted", normalized.String()).
		Msg("Invalid billing cycle, using default")
	return normalized
}

func (m *Machine) sealToken(token string) ([]byte, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	if m.cipher == nil {
		return []byte(token), nil
	}
	sealed, err := m.cipher.Encrypt([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	return sealed, nil
}

func (m *Machine) openToken(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	if m.cipher == nil {
		return string(sealed), nil
	}
	plain, err := m.cipher.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	return string(plain), nil
}
