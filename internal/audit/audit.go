// Package audit records whitelist-granted app installs so operators can see
// who relies on free access.
package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/appgrant/internal/ident"
	"github.com/rs/zerolog/log"
)

// Action is what the user did with the granted access.
type Action string

const (
	ActionInstall Action = "install"
	ActionCheck   Action = "check"
)

// Usage is one audited use of a whitelist entry.
type Usage struct {
	ID        string    `json:"id"`
	EntryID   string    `json:"entry_id"`
	EntryType string    `json:"entry_type"`
	UserID    string    `json:"user_id"`
	SiteID    string    `json:"site_id,omitempty"`
	ProductID string    `json:"product_id,omitempty"`
	AppID     string    `json:"app_id,omitempty"`
	Action    Action    `json:"action"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows ListUsage. Zero values match everything.
type Filter struct {
	EntryID string
	UserID  string
	Since   time.Time
	Limit   int
}

// Stats summarises usage since a point in time.
type Stats struct {
	Total       int
	UniqueUsers int
	UniqueSites int
}

// Store persists usage events.
type Store interface {
	InsertUsage(ctx context.Context, u *Usage) error
	ListUsage(ctx context.Context, f Filter) ([]*Usage, error)
	UsageStats(ctx context.Context, since time.Time) (Stats, error)
}

// Recorder stamps and stores usage events.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder creates a Recorder. A nil now uses time.Now.
func NewRecorder(store Store, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, now: now}
}

// RecordUsage assigns an id and timestamp to u and stores it.
func (r *Recorder) RecordUsage(ctx context.Context, u Usage) (*Usage, error) {
	u.ID = ulid.Make().String()
	u.UserID = ident.Normalize(u.UserID)
	u.SiteID = ident.Normalize(u.SiteID)
	u.ProductID = ident.Normalize(u.ProductID)
	if u.Action == "" {
		u.Action = ActionInstall
	}
	u.CreatedAt = r.now().UTC().Truncate(time.Second)

	if err := r.store.InsertUsage(ctx, &u); err != nil {
		return nil, err
	}
	log.Debug().
		Str("usage_id", u.ID).
		Str("entry_id", u.EntryID).
		Str("user_id", u.UserID).
		Str("site_id", u.SiteID).
		Str("action", string(u.Action)).
		Msg("Whitelist usage recorded")
	return &u, nil
}

// List returns recorded usage matching f.
func (r *Recorder) List(ctx context.Context, f Filter) ([]*Usage, error) {
	return r.store.ListUsage(ctx, f)
}

// Stats summarises usage since the given time.
func (r *Recorder) Stats(ctx context.Context, since time.Time) (Stats, error) {
	return r.store.UsageStats(ctx, since)
}

// ClientIP resolves the best-effort client IP for audit metadata.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}

	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return strings.TrimSpace(host)
}
