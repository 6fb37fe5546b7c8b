package registry

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rcourtman/appgrant/internal/audit"
	internalerrors "github.com/rcourtman/appgrant/internal/errors"
)

var _ audit.Store = (*Registry)(nil)

// InsertUsage stores one whitelist usage event.
func (r *Registry) InsertUsage(ctx context.Context, u *audit.Usage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO whitelist_usage (id, entry_id, entry_type, user_id, site_id, product_id, app_id, action, ip, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.EntryID, u.EntryType, u.UserID, u.SiteID, u.ProductID, u.AppID, string(u.Action), u.IP, u.UserAgent,
		u.CreatedAt.Unix(),
	)
	if err != nil {
		return internalerrors.WrapStorageError("insert_usage", "", err)
	}
	return nil
}

// ListUsage returns usage events matching f, newest first.
func (r *Registry) ListUsage(ctx context.Context, f audit.Filter) ([]*audit.Usage, error) {
	var where []string
	var args []any
	if f.EntryID != "" {
		where = append(where, "entry_id = ?")
		args = append(args, f.EntryID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.Unix())
	}

	query := `SELECT id, entry_id, entry_type, user_id, site_id, product_id, app_id, action, ip, user_agent, created_at
		FROM whitelist_usage`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internalerrors.WrapStorageError("list_usage", "", err)
	}
	defer rows.Close()

	var out []*audit.Usage
	for rows.Next() {
		var u audit.Usage
		var action string
		var createdAt int64
		if err := rows.Scan(&u.ID, &u.EntryID, &u.EntryType, &u.UserID, &u.SiteID, &u.ProductID, &u.AppID,
			&action, &u.IP, &u.UserAgent, &createdAt); err != nil {
			return nil, internalerrors.WrapStorageError("list_usage", "", err)
		}
		u.Action = audit.Action(action)
		u.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, internalerrors.WrapStorageError("list_usage", "", err)
	}
	return out, nil
}

// UsageStats summarises usage events since the given time.
func (r *Registry) UsageStats(ctx context.Context, since time.Time) (audit.Stats, error) {
	var stats audit.Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT user_id), COUNT(DISTINCT NULLIF(site_id, ''))
		FROM whitelist_usage WHERE created_at >= ?`, since.Unix()).
		Scan(&stats.Total, &stats.UniqueUsers, &stats.UniqueSites)
	if err != nil {
		return audit.Stats{}, internalerrors.WrapStorageError("usage_stats", "", err)
	}
	return stats, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
