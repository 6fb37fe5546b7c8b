package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/whitelist"
)

// Whitelist returns the whitelist store view of the registry.
func (r *Registry) Whitelist() *WhitelistStore {
	return &WhitelistStore{db: r.db}
}

// WhitelistStore implements whitelist.Store and whitelist.PendingStore.
type WhitelistStore struct {
	db *sql.DB
}

var (
	_ whitelist.Store        = (*WhitelistStore)(nil)
	_ whitelist.PendingStore = (*WhitelistStore)(nil)
)

const whitelistColumns = `
	id, whitelist_type, user_id, site_id, email, customer_name, linked_order_id,
	expiry_date, notes, expiring_notice_at, expired_notice_at, created_at, updated_at`

// CreateEntry inserts a whitelist entry. Identifiers are trimmed first.
func (s *WhitelistStore) CreateEntry(ctx context.Context, e *whitelist.Entry) error {
	if e == nil {
		return fmt.Errorf("whitelist entry is nil")
	}
	e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist_entries (`+whitelistColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.UserID, e.SiteID, e.Email, e.CustomerName, e.LinkedOrderID,
		nullableTimeUnix(e.ExpiryDate), e.Notes, nullableTimeUnix(e.ExpiringNoticeAt), nullableTimeUnix(e.ExpiredNoticeAt),
		e.CreatedAt.Unix(), e.UpdatedAt.Unix(),
	)
	if err != nil {
		return internalerrors.WrapStorageError("create_whitelist_entry", e.ID, err)
	}
	return nil
}

// GetEntry retrieves an entry by id.
func (s *WhitelistStore) GetEntry(ctx context.Context, id string) (*whitelist.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+whitelistColumns+` FROM whitelist_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internalerrors.NotFound("get_whitelist_entry", id)
		}
		return nil, internalerrors.WrapStorageError("get_whitelist_entry", id, err)
	}
	return e, nil
}

// UpdateEntry overwrites an existing entry.
func (s *WhitelistStore) UpdateEntry(ctx context.Context, e *whitelist.Entry) error {
	if e == nil {
		return fmt.Errorf("whitelist entry is nil")
	}
	e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE whitelist_entries SET
			whitelist_type = ?, user_id = ?, site_id = ?, email = ?, customer_name = ?, linked_order_id = ?,
			expiry_date = ?, notes = ?, expiring_notice_at = ?, expired_notice_at = ?, updated_at = ?
		WHERE id = ?`,
		string(e.Type), e.UserID, e.SiteID, e.Email, e.CustomerName, e.LinkedOrderID,
		nullableTimeUnix(e.ExpiryDate), e.Notes, nullableTimeUnix(e.ExpiringNoticeAt), nullableTimeUnix(e.ExpiredNoticeAt),
		e.UpdatedAt.Unix(), e.ID,
	)
	if err != nil {
		return internalerrors.WrapStorageError("update_whitelist_entry", e.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return internalerrors.NotFound("update_whitelist_entry", e.ID)
	}
	return nil
}

// DeleteEntry removes an entry.
func (s *WhitelistStore) DeleteEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist_entries WHERE id = ?`, id)
	if err != nil {
		return internalerrors.WrapStorageError("delete_whitelist_entry", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return internalerrors.NotFound("delete_whitelist_entry", id)
	}
	return nil
}

// ListEntries returns all entries, newest first.
func (s *WhitelistStore) ListEntries(ctx context.Context) ([]*whitelist.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+whitelistColumns+`
		FROM whitelist_entries ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, internalerrors.WrapStorageError("list_whitelist_entries", "", err)
	}
	defer rows.Close()
	return scanEntries(rows, "list_whitelist_entries")
}

// Lookup returns entries of typ for the user, oldest first.
func (s *WhitelistStore) Lookup(ctx context.Context, typ whitelist.Type, userID, siteID string) ([]*whitelist.Entry, error) {
	query := `SELECT ` + whitelistColumns + ` FROM whitelist_entries WHERE whitelist_type = ? AND user_id = ?`
	args := []any{string(typ), userID}
	if typ == whitelist.TypeSiteUser {
		query += ` AND site_id = ?`
		args = append(args, siteID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internalerrors.WrapStorageError("lookup_whitelist", "", err)
	}
	defer rows.Close()
	return scanEntries(rows, "lookup_whitelist")
}

// FindByLinkedOrder returns the entry created or last renewed by orderID.
func (s *WhitelistStore) FindByLinkedOrder(ctx context.Context, orderID string) (*whitelist.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+whitelistColumns+`
		FROM whitelist_entries WHERE linked_order_id = ? ORDER BY created_at ASC LIMIT 1`, orderID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internalerrors.NotFound("find_whitelist_by_order", orderID)
		}
		return nil, internalerrors.WrapStorageError("find_whitelist_by_order", orderID, err)
	}
	return e, nil
}

// ListExpiringBefore returns entries with an expiry date at or before t.
func (s *WhitelistStore) ListExpiringBefore(ctx context.Context, t time.Time) ([]*whitelist.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+whitelistColumns+`
		FROM whitelist_entries
		WHERE expiry_date IS NOT NULL AND expiry_date <= ?
		ORDER BY expiry_date ASC, id ASC`, t.Unix())
	if err != nil {
		return nil, internalerrors.WrapStorageError("list_whitelist_expiring", "", err)
	}
	defer rows.Close()
	return scanEntries(rows, "list_whitelist_expiring")
}

// MarkPending records a whitelist order waiting for operator input. Marking
// an order twice keeps the first record.
func (s *WhitelistStore) MarkPending(ctx context.Context, p *whitelist.PendingOrder) error {
	if p == nil {
		return fmt.Errorf("pending order is nil")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_whitelist_orders (order_id, email, customer_name, site_id, expiry, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING`,
		p.OrderID, p.Email, p.CustomerName, p.SiteID, nullableTimeUnix(p.Expiry), p.CreatedAt.Unix(),
	)
	if err != nil {
		return internalerrors.WrapStorageError("mark_pending_whitelist_order", p.OrderID, err)
	}
	return nil
}

// GetPending returns an unresolved pending order.
func (s *WhitelistStore) GetPending(ctx context.Context, orderID string) (*whitelist.PendingOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, email, customer_name, site_id, expiry, created_at
		FROM pending_whitelist_orders WHERE order_id = ? AND resolved_at IS NULL`, orderID)
	p, err := scanPending(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internalerrors.NotFound("get_pending_whitelist_order", orderID)
		}
		return nil, internalerrors.WrapStorageError("get_pending_whitelist_order", orderID, err)
	}
	return p, nil
}

// ListPending returns unresolved pending orders, oldest first.
func (s *WhitelistStore) ListPending(ctx context.Context) ([]*whitelist.PendingOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, email, customer_name, site_id, expiry, created_at
		FROM pending_whitelist_orders WHERE resolved_at IS NULL ORDER BY created_at ASC, order_id ASC`)
	if err != nil {
		return nil, internalerrors.WrapStorageError("list_pending_whitelist_orders", "", err)
	}
	defer rows.Close()

	var out []*whitelist.PendingOrder
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, internalerrors.WrapStorageError("list_pending_whitelist_orders", "", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, internalerrors.WrapStorageError("list_pending_whitelist_orders", "", err)
	}
	return out, nil
}

// ResolvePending marks a pending order as handled.
func (s *WhitelistStore) ResolvePending(ctx context.Context, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_whitelist_orders SET resolved_at = ?
		WHERE order_id = ? AND resolved_at IS NULL`, time.Now().UTC().Unix(), orderID)
	if err != nil {
		return internalerrors.WrapStorageError("resolve_pending_whitelist_order", orderID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return internalerrors.NotFound("resolve_pending_whitelist_order", orderID)
	}
	return nil
}

func scanEntry(s scanner) (*whitelist.Entry, error) {
	var e whitelist.Entry
	var typ string
	var expiry, expiringNotice, expiredNotice sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&e.ID, &typ, &e.UserID, &e.SiteID, &e.Email, &e.CustomerName, &e.LinkedOrderID,
		&expiry, &e.Notes, &expiringNotice, &expiredNotice, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Type = whitelist.Type(typ)
	e.ExpiryDate = timeFromNullable(expiry)
	e.ExpiringNoticeAt = timeFromNullable(expiringNotice)
	e.ExpiredNoticeAt = timeFromNullable(expiredNotice)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &e, nil
}

func scanEntries(rows *sql.Rows, op string) ([]*whitelist.Entry, error) {
	var out []*whitelist.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, internalerrors.WrapStorageError(op, "", fmt.Errorf("scan whitelist entry: %w", err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, internalerrors.WrapStorageError(op, "", err)
	}
	return out, nil
}

func scanPending(s scanner) (*whitelist.PendingOrder, error) {
	var p whitelist.PendingOrder
	var expiry sql.NullInt64
	var createdAt int64
	if err := s.Scan(&p.OrderID, &p.Email, &p.CustomerName, &p.SiteID, &expiry, &createdAt); err != nil {
		return nil, err
	}
	p.Expiry = timeFromNullable(expiry)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}
