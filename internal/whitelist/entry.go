// Package whitelist grants app access without a purchase. Entries are
// matched in tier order: global_user, then user_id, then site_user.
package whitelist

import (
	"context"
	"fmt"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/ident"
)

// Type is the scope of a whitelist entry.
type Type string

const (
	// TypeGlobalUser grants every app on every site of the user.
	TypeGlobalUser Type = "global_user"
	// TypeUserID grants every app for the user.
	TypeUserID Type = "user_id"
	// TypeSiteUser grants every app for the user on one site.
	TypeSiteUser Type = "site_user"
)

// TierOrder is the order in which entry types are consulted.
var TierOrder = []Type{TypeGlobalUser, TypeUserID, TypeSiteUser}

// Valid reports whether t is a known entry type.
func (t Type) Valid() bool {
	switch t {
	case TypeGlobalUser, TypeUserID, TypeSiteUser:
		return true
	default:
		return false
	}
}

// Entry is one whitelist grant.
type Entry struct {
	ID            string
	Type          Type
	UserID        string
	SiteID        string
	Email         string
	CustomerName  string
	LinkedOrderID string
	// ExpiryDate is nil for entries that never expire.
	ExpiryDate *time.Time
	Notes      string

	ExpiringNoticeAt *time.Time
	ExpiredNoticeAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Normalize trims the identifiers of e in place.
func (e *Entry) Normalize() {
	e.UserID = ident.Normalize(e.UserID)
	e.SiteID = ident.Normalize(e.SiteID)
	e.LinkedOrderID = ident.Normalize(e.LinkedOrderID)
}

// Validate checks the per-type field requirements.
func (e *Entry) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown whitelist type %q", internalerrors.ErrInvalidInput, e.Type)
	}
	if ident.Normalize(e.UserID) == "" {
		return fmt.Errorf("%w: user id is required", internalerrors.ErrInvalidInput)
	}
	if e.Type == TypeSiteUser && ident.Normalize(e.SiteID) == "" {
		return fmt.Errorf("%w: site id is required for %s entries", internalerrors.ErrInvalidInput, TypeSiteUser)
	}
	return nil
}

// ActiveAt reports whether the entry grants access at t.
func (e *Entry) ActiveAt(t time.Time) bool {
	return e.ExpiryDate == nil || e.ExpiryDate.After(t)
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.ExpiryDate = cloneTime(e.ExpiryDate)
	out.ExpiringNoticeAt = cloneTime(e.ExpiringNoticeAt)
	out.ExpiredNoticeAt = cloneTime(e.ExpiredNoticeAt)
	return &out
}

// PendingOrder is a whitelist purchase that arrived without the user id
// needed to create an entry. An operator completes it later.
type PendingOrder struct {
	OrderID      string
	Email        string
	CustomerName string
	SiteID       string
	Expiry       *time.Time
	CreatedAt    time.Time
}

// Store persists whitelist entries.
type Store interface {
	CreateEntry(ctx context.Context, e *Entry) error
	GetEntry(ctx context.Context, id string) (*Entry, error)
	UpdateEntry(ctx context.Context, e *Entry) error
	DeleteEntry(ctx context.Context, id string) error
	ListEntries(ctx context.Context) ([]*Entry, error)
	// Lookup returns entries of typ for the user. siteID is only compared
	// for site_user entries.
	Lookup(ctx context.Context, typ Type, userID, siteID string) ([]*Entry, error)
	// FindByLinkedOrder returns an error matching ErrNotFound when no entry
	// links the order.
	FindByLinkedOrder(ctx context.Context, orderID string) (*Entry, error)
	// ListExpiringBefore returns entries with an expiry date at or before t.
	ListExpiringBefore(ctx context.Context, t time.Time) ([]*Entry, error)
}

// PendingStore tracks whitelist orders awaiting operator input.
type PendingStore interface {
	MarkPending(ctx context.Context, p *PendingOrder) error
	GetPending(ctx context.Context, orderID string) (*PendingOrder, error)
	ListPending(ctx context.Context) ([]*PendingOrder, error)
	ResolvePending(ctx context.Context, orderID string) error
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
