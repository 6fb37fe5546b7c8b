package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/license"
)

// Licenses returns the licence store view of the registry.
func (r *Registry) Licenses() *LicenseStore {
	return &LicenseStore{db: r.db}
}

// LicenseStore implements license.Store on the licenses table.
type LicenseStore struct {
	db *sql.DB
}

var _ license.Store = (*LicenseStore)(nil)

const licenseColumns = `
	id, product_id, app_id, account_id, site_id, order_id, email,
	cycle_length, cycle_unit, cycle_price_cents, prepaid_cycles, paid_cents,
	expiry, grace_until, status, token,
	renewal_count, last_renewal_order_id, renewal_order_ids, last_notice_at,
	revoke_attempts, last_revoke_attempt_at, revoke_confirmed, last_revoke_error,
	version, created_at, updated_at`

// Create inserts a new licence record at version 1.
func (s *LicenseStore) Create(ctx context.Context, rec *license.Record) error {
	if rec == nil {
		return fmt.Errorf("licence is nil")
	}
	if err := rec.CheckInvariants(); err != nil {
		return fmt.Errorf("create licence %s: %w", rec.ID, err)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	renewals, err := encodeOrderIDs(rec.RenewalOrderIDs)
	if err != nil {
		return fmt.Errorf("create licence %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO licenses (`+licenseColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProductID, rec.AppID, rec.AccountID, rec.SiteID, rec.OrderID, rec.Email,
		rec.Cycle.Length, string(rec.Cycle.Unit), rec.Cycle.PriceCents, rec.PrepaidCycles, rec.PaidCents,
		rec.Expiry.Unix(), rec.GraceUntil.Unix(), string(rec.Status), rec.Token,
		rec.RenewalCount, rec.LastRenewalOrderID, renewals, nullableTimeUnix(rec.LastNoticeAt),
		rec.RevokeAttempts, nullableTimeUnix(rec.LastRevokeAttemptAt), boolToInt(rec.RevokeConfirmed), rec.LastRevokeError,
		1, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		if exists, lookupErr := s.exists(ctx, rec.ID); lookupErr == nil && exists {
			return internalerrors.Conflict("create", rec.ID)
		}
		return internalerrors.WrapStorageError("create", rec.ID, err)
	}
	rec.Version = 1
	return nil
}

// Get retrieves a licence by line item id.
func (s *LicenseStore) Get(ctx context.Context, id string) (*license.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
	rec, err := scanLicense(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internalerrors.NotFound("get", id)
		}
		return nil, internalerrors.WrapStorageError("get", id, err)
	}
	return rec, nil
}

// Update writes rec if the stored version equals expectedVersion.
func (s *LicenseStore) Update(ctx context.Context, rec *license.Record, expectedVersion int64) error {
	if rec == nil {
		return fmt.Errorf("licence is nil")
	}
	if err := rec.CheckInvariants(); err != nil {
		return fmt.Errorf("update licence %s: %w", rec.ID, err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	renewals, err := encodeOrderIDs(rec.RenewalOrderIDs)
	if err != nil {
		return fmt.Errorf("update licence %s: %w", rec.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET
			product_id = ?, app_id = ?, account_id = ?, site_id = ?, order_id = ?, email = ?,
			cycle_length = ?, cycle_unit = ?, cycle_price_cents = ?, prepaid_cycles = ?, paid_cents = ?,
			expiry = ?, grace_until = ?, status = ?, token = ?,
			renewal_count = ?, last_renewal_order_id = ?, renewal_order_ids = ?, last_notice_at = ?,
			revoke_attempts = ?, last_revoke_attempt_at = ?, revoke_confirmed = ?, last_revoke_error = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		rec.ProductID, rec.AppID, rec.AccountID, rec.SiteID, rec.OrderID, rec.Email,
		rec.Cycle.Length, string(rec.Cycle.Unit), rec.Cycle.PriceCents, rec.PrepaidCycles, rec.PaidCents,
		rec.Expiry.Unix(), rec.GraceUntil.Unix(), string(rec.Status), rec.Token,
		rec.RenewalCount, rec.LastRenewalOrderID, renewals, nullableTimeUnix(rec.LastNoticeAt),
		rec.RevokeAttempts, nullableTimeUnix(rec.LastRevokeAttemptAt), boolToInt(rec.RevokeConfirmed), rec.LastRevokeError,
		expectedVersion+1, rec.UpdatedAt.Unix(),
		rec.ID, expectedVersion,
	)
	if err != nil {
		return internalerrors.WrapStorageError("update", rec.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return internalerrors.WrapStorageError("update", rec.ID, err)
	}
	if affected == 0 {
		exists, err := s.exists(ctx, rec.ID)
		if err != nil {
			return err
		}
		if !exists {
			return internalerrors.NotFound("update", rec.ID)
		}
		return internalerrors.Conflict("update", rec.ID)
	}
	rec.Version = expectedVersion + 1
	return nil
}

// ListByProduct returns every record for the product, newest expiry first.
func (s *LicenseStore) ListByProduct(ctx context.Context, productID string) ([]*license.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+`
		FROM licenses WHERE product_id = ? ORDER BY expiry DESC, created_at ASC`, productID)
	if err != nil {
		return nil, internalerrors.WrapStorageError("list_by_product", "", err)
	}
	defer rows.Close()
	return scanLicenses(rows, "list_by_product")
}

// ListForSweep returns live records plus unconfirmed revocations.
func (s *LicenseStore) ListForSweep(ctx context.Context) ([]*license.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+`
		FROM licenses
		WHERE status IN (?, ?) OR (status = ? AND revoke_confirmed = 0)
		ORDER BY grace_until ASC, id ASC`,
		string(license.StatusActive), string(license.StatusGrace), string(license.StatusRevoked))
	if err != nil {
		return nil, internalerrors.WrapStorageError("list_for_sweep", "", err)
	}
	defer rows.Close()
	return scanLicenses(rows, "list_for_sweep")
}

// ListByAccount returns every record held by the account.
func (s *LicenseStore) ListByAccount(ctx context.Context, accountID string) ([]*license.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+`
		FROM licenses WHERE account_id = ? ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, internalerrors.WrapStorageError("list_by_account", "", err)
	}
	defer rows.Close()
	return scanLicenses(rows, "list_by_account")
}

// CountByStatus returns the number of licences in each status.
func (s *LicenseStore) CountByStatus(ctx context.Context) (map[license.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM licenses GROUP BY status`)
	if err != nil {
		return nil, internalerrors.WrapStorageError("count_by_status", "", err)
	}
	defer rows.Close()

	counts := make(map[license.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, internalerrors.WrapStorageError("count_by_status", "", err)
		}
		counts[license.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, internalerrors.WrapStorageError("count_by_status", "", err)
	}
	return counts, nil
}

func (s *LicenseStore) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM licenses WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, internalerrors.WrapStorageError("exists", id, err)
	}
	return true, nil
}

func scanLicense(s scanner) (*license.Record, error) {
	var rec license.Record
	var unit, status string
	var expiry, graceUntil, createdAt, updatedAt int64
	var lastNotice, lastRevokeAttempt sql.NullInt64
	var revokeConfirmed int
	var renewals string

	err := s.Scan(
		&rec.ID, &rec.ProductID, &rec.AppID, &rec.AccountID, &rec.SiteID, &rec.OrderID, &rec.Email,
		&rec.Cycle.Length, &unit, &rec.Cycle.PriceCents, &rec.PrepaidCycles, &rec.PaidCents,
		&expiry, &graceUntil, &status, &rec.Token,
		&rec.RenewalCount, &rec.LastRenewalOrderID, &renewals, &lastNotice,
		&rec.RevokeAttempts, &lastRevokeAttempt, &revokeConfirmed, &rec.LastRevokeError,
		&rec.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if rec.RenewalOrderIDs, err = decodeOrderIDs(renewals); err != nil {
		return nil, err
	}
	rec.Cycle.Unit = license.CycleUnit(unit)
	rec.Status = license.Status(status)
	rec.Expiry = time.Unix(expiry, 0).UTC()
	rec.GraceUntil = time.Unix(graceUntil, 0).UTC()
	rec.LastNoticeAt = timeFromNullable(lastNotice)
	rec.LastRevokeAttemptAt = timeFromNullable(lastRevokeAttempt)
	rec.RevokeConfirmed = revokeConfirmed != 0
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

func scanLicenses(rows *sql.Rows, op string) ([]*license.Record, error) {
	var out []*license.Record
	for rows.Next() {
		rec, err := scanLicense(rows)
		if err != nil {
			return nil, internalerrors.WrapStorageError(op, "", fmt.Errorf("scan licence: %w", err))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, internalerrors.WrapStorageError(op, "", err)
	}
	return out, nil
}

func encodeOrderIDs(ids []string) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode renewal order ids: %w", err)
	}
	return string(data), nil
}

func decodeOrderIDs(v string) ([]string, error) {
	if v == "" || v == "[]" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(v), &ids); err != nil {
		return nil, fmt.Errorf("decode renewal order ids: %w", err)
	}
	return ids, nil
}
