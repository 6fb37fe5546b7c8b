// Package license tracks purchased app licences through their lifecycle:
// creation on purchase, renewal, grace after expiry, and revocation.
package license

import (
	"fmt"
	"slices"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
)

// Status is the lifecycle status of a licence record.
type Status string

const (
	StatusActive    Status = "active"
	StatusGrace     Status = "grace"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in a stable order.
var Statuses = []Status{StatusActive, StatusGrace, StatusExpired, StatusRevoked, StatusCancelled}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusGrace, StatusExpired, StatusRevoked, StatusCancelled:
		return true
	default:
		return false
	}
}

// Live reports whether the licence still grants access (active or in grace).
func (s Status) Live() bool {
	switch s {
	case StatusActive, StatusGrace:
		return true
	case StatusExpired, StatusRevoked, StatusCancelled:
		return false
	default:
		return false
	}
}

// ParseStatus converts a stored value to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown licence status %q", internalerrors.ErrInvalidInput, v)
	}
	return s, nil
}

// CycleUnit is the unit of a billing cycle.
type CycleUnit string

const (
	CycleDay   CycleUnit = "day"
	CycleWeek  CycleUnit = "week"
	CycleMonth CycleUnit = "month"
	CycleYear  CycleUnit = "year"
)

// Valid reports whether u is one of the known cycle units.
func (u CycleUnit) Valid() bool {
	switch u {
	case CycleDay, CycleWeek, CycleMonth, CycleYear:
		return true
	default:
		return false
	}
}

// DefaultCycle is substituted when a purchase carries an unusable cycle.
var DefaultCycle = Cycle{Length: 1, Unit: CycleDay}

// Cycle is the billing period of a recurring product.
type Cycle struct {
	Length     int
	Unit       CycleUnit
	PriceCents int64
}

// Validate returns ErrInvalidCycle when the length or unit is unusable.
func (c Cycle) Validate() error {
	if c.Length < 1 {
		return fmt.Errorf("%w: length %d", internalerrors.ErrInvalidCycle, c.Length)
	}
	if !c.Unit.Valid() {
		return fmt.Errorf("%w: unit %q", internalerrors.ErrInvalidCycle, c.Unit)
	}
	if c.PriceCents < 0 {
		return fmt.Errorf("%w: negative price %d", internalerrors.ErrInvalidCycle, c.PriceCents)
	}
	return nil
}

// Normalize replaces an unusable length or unit with the default and reports
// whether anything was substituted. The price is kept unless negative.
func (c Cycle) Normalize() (Cycle, bool) {
	out := c
	substituted := false
	if out.Length < 1 {
		out.Length = DefaultCycle.Length
		substituted = true
	}
	if !out.Unit.Valid() {
		out.Unit = DefaultCycle.Unit
		substituted = true
	}
	if out.PriceCents < 0 {
		out.PriceCents = 0
		substituted = true
	}
	return out, substituted
}

func (c Cycle) String() string {
	return fmt.Sprintf("%d %s", c.Length, c.Unit)
}

// Record is one licence: a single order line item granting one product to
// one account, optionally pinned to one site. Records are never deleted.
type Record struct {
	ID        string // order line item id
	ProductID string
	AppID     string
	AccountID string
	SiteID    string // empty means account-wide
	OrderID   string
	Email     string

	Cycle         Cycle
	PrepaidCycles int
	PaidCents     int64

	Expiry     time.Time
	GraceUntil time.Time
	Status     Status

	// Token is the storefront access token, encrypted at rest.
	Token []byte

	RenewalCount       int
	LastRenewalOrderID string
	LastNoticeAt       *time.Time

	// RenewalOrderIDs holds every order id already applied as a renewal.
	RenewalOrderIDs []string

	RevokeAttempts      int
	LastRevokeAttemptAt *time.Time
	RevokeConfirmed     bool
	LastRevokeError     string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Token != nil {
		out.Token = append([]byte(nil), r.Token...)
	}
	if r.RenewalOrderIDs != nil {
		out.RenewalOrderIDs = append([]string(nil), r.RenewalOrderIDs...)
	}
	out.LastNoticeAt = cloneTime(r.LastNoticeAt)
	out.LastRevokeAttemptAt = cloneTime(r.LastRevokeAttemptAt)
	return &out
}

// AppliedOrder reports whether orderID created this licence or was already
// applied to it as a renewal.
func (r *Record) AppliedOrder(orderID string) bool {
	if orderID == "" {
		return false
	}
	return orderID == r.OrderID || orderID == r.LastRenewalOrderID || slices.Contains(r.RenewalOrderIDs, orderID)
}

// CheckInvariants validates the record-level rules every write must satisfy.
func (r *Record) CheckInvariants() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty licence id", internalerrors.ErrInvariant)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: status %q", internalerrors.ErrInvariant, r.Status)
	}
	if r.GraceUntil.Before(r.Expiry) {
		return fmt.Errorf("%w: grace_until %s before expiry %s", internalerrors.ErrInvariant,
			r.GraceUntil.Format(time.RFC3339), r.Expiry.Format(time.RFC3339))
	}
	if r.Status == StatusRevoked && r.RevokeAttempts < 1 {
		return fmt.Errorf("%w: revoked without a revocation attempt", internalerrors.ErrInvariant)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
