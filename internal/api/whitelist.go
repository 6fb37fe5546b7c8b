package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/appgrant/internal/audit"
	"github.com/rcourtman/appgrant/internal/license/match"
	"github.com/rcourtman/appgrant/internal/whitelist"
	"github.com/rs/zerolog/log"
)

type entryView struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	UserID        string     `json:"user_id"`
	SiteID        string     `json:"site_id,omitempty"`
	Email         string     `json:"email,omitempty"`
	CustomerName  string     `json:"customer_name,omitempty"`
	LinkedOrderID string     `json:"linked_order_id,omitempty"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
}

func newEntryView(e *whitelist.Entry, now time.Time) entryView {
	return entryView{
		ID:            e.ID,
		Type:          string(e.Type),
		UserID:        e.UserID,
		SiteID:        e.SiteID,
		Email:         e.Email,
		CustomerName:  e.CustomerName,
		LinkedOrderID: e.LinkedOrderID,
		ExpiryDate:    e.ExpiryDate,
		Notes:         e.Notes,
		Active:        e.ActiveAt(now),
		CreatedAt:     e.CreatedAt,
	}
}

// entitlement answers an install-time check. The whitelist is consulted
// first; when a product is named, a live licence also entitles. A whitelist
// grant is recorded in the usage audit.
func (h *handlers) entitlement(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	siteID := q.Get("site_id")
	productID := strings.TrimSpace(q.Get("product_id"))

	entry, err := h.deps.Resolver.Match(r.Context(), userID, siteID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entry != nil {
		if h.deps.Usage != nil {
			action := audit.ActionInstall
			if q.Get("action") == string(audit.ActionCheck) {
				action = audit.ActionCheck
			}
			if _, err := h.deps.Usage.RecordUsage(r.Context(), audit.Usage{
				EntryID:   entry.ID,
				EntryType: string(entry.Type),
				UserID:    userID,
				SiteID:    siteID,
				ProductID: productID,
				AppID:     q.Get("app_id"),
				Action:    action,
				IP:        audit.ClientIP(r),
				UserAgent: r.UserAgent(),
			}); err != nil {
				log.Warn().Err(err).Str("entry_id", entry.ID).Msg("Failed to record whitelist usage")
			}
		}
		render.JSON(w, r, map[string]any{"entitled": true, "source": "whitelist"})
		return
	}

	if productID != "" {
		owned, err := h.deps.Matcher.Owned(r.Context(), match.Query{ProductID: productID, AccountID: userID, SiteID: siteID})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if owned {
			render.JSON(w, r, map[string]any{"entitled": true, "source": "license"})
			return
		}
	}
	render.JSON(w, r, map[string]any{"entitled": false})
}

func (h *handlers) listWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Whitelist.ListEntries(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := h.deps.Now()
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newEntryView(e, now))
	}
	render.JSON(w, r, map[string]any{"entries": views, "count": len(views)})
}

type createEntryRequest struct {
	Type         string     `json:"type" validate:"required,oneof=global_user user_id site_user"`
	UserID       string     `json:"user_id" validate:"required"`
	SiteID       string     `json:"site_id" validate:"required_if=Type site_user"`
	Email        string     `json:"email" validate:"omitempty,email"`
	CustomerName string     `json:"customer_name"`
	ExpiryDate   *time.Time `json:"expiry_date"`
	Notes        string     `json:"notes"`
}

func (h *handlers) createWhitelist(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	now := h.deps.Now().UTC()
	e := &whitelist.Entry{
		ID:           ulid.Make().String(),
		Type:         whitelist.Type(req.Type),
		UserID:       req.UserID,
		SiteID:       req.SiteID,
		Email:        strings.TrimSpace(req.Email),
		CustomerName: strings.TrimSpace(req.CustomerName),
		ExpiryDate:   req.ExpiryDate,
		Notes:        req.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.deps.Whitelist.CreateEntry(r.Context(), e); err != nil {
		writeError(w, r, err)
		return
	}
	log.Info().Str("entry_id", e.ID).Str("type", string(e.Type)).Str("user_id", e.UserID).Msg("Whitelist entry added")
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, newEntryView(e, now))
}

func (h *handlers) deleteWhitelist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Whitelist.DeleteEntry(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	log.Info().Str("entry_id", id).Msg("Whitelist entry removed")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{EntryID: q.Get("entry_id"), UserID: q.Get("user_id")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErrorResponse(w, r, http.StatusBadRequest, "invalid_input", "limit must be a positive integer", nil)
			return
		}
		f.Limit = n
	}
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	f.Since = since

	events, err := h.deps.Usage.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.Usage{}
	}
	render.JSON(w, r, map[string]any{"usage": events, "count": len(events)})
}

func (h *handlers) usageStats(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	if since.IsZero() {
		since = h.deps.Now().AddDate(0, 0, -30)
	}
	stats, err := h.deps.Usage.Stats(r.Context(), since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"since":        since.UTC(),
		"total":        stats.Total,
		"unique_users": stats.UniqueUsers,
		"unique_sites": stats.UniqueSites,
	})
}

func parseSince(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	v := strings.TrimSpace(r.URL.Query().Get("since"))
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_input", "since must be an RFC 3339 timestamp", nil)
		return time.Time{}, false
	}
	return t, true
}

type pendingView struct {
	OrderID      string     `json:"order_id"`
	Email        string     `json:"email,omitempty"`
	CustomerName string     `json:"customer_name,omitempty"`
	SiteID       string     `json:"site_id,omitempty"`
	Expiry       *time.Time `json:"expiry,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (h *handlers) listPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.deps.Pending.ListPending(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]pendingView, 0, len(pending))
	for _, p := range pending {
		views = append(views, pendingView(*p))
	}
	render.JSON(w, r, map[string]any{"orders": views, "count": len(views)})
}

type completePendingRequest struct {
	UserID string `json:"user_id" validate:"required"`
	SiteID string `json:"site_id"`
}

func (h *handlers) completePending(w http.ResponseWriter, r *http.Request) {
	var req completePendingRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	e, err := h.deps.AutoAdder.Complete(r.Context(), chi.URLParam(r, "orderID"), req.UserID, req.SiteID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, newEntryView(e, h.deps.Now()))
}
