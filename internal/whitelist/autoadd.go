package whitelist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/ident"
	"github.com/rs/zerolog/log"
)

// Outcome describes what AutoAdder did with an order.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeRenewed Outcome = "renewed"
	OutcomeExists  Outcome = "exists"
	OutcomePending Outcome = "pending"
)

// OrderInfo is the part of a completed whitelist order AutoAdder needs.
type OrderInfo struct {
	OrderID       string
	ParentOrderID string
	UserID        string
	SiteID        string
	Email         string
	CustomerName  string
	// Expiry is the end of the purchased term; nil grants without expiry.
	Expiry *time.Time
}

// AutoAdder turns whitelist product purchases into whitelist entries.
type AutoAdder struct {
	store   Store
	pending PendingStore
	now     func() time.Time
}

// NewAutoAdder creates an AutoAdder. A nil now uses time.Now.
func NewAutoAdder(store Store, pending PendingStore, now func() time.Time) *AutoAdder {
	if now == nil {
		now = time.Now
	}
	return &AutoAdder{store: store, pending: pending, now: now}
}

// Process handles one completed order containing the whitelist product.
// Renewal orders extend the entry created by their parent order. Orders
// without a user id are parked as pending for an operator.
func (a *AutoAdder) Process(ctx context.Context, o OrderInfo) (Outcome, *Entry, error) {
	orderID := ident.Normalize(o.OrderID)
	if orderID == "" {
		return "", nil, fmt.Errorf("%w: order id is required", internalerrors.ErrInvalidInput)
	}

	existing, err := a.store.FindByLinkedOrder(ctx, orderID)
	switch {
	case err == nil:
		log.Info().Str("order_id", orderID).Str("entry_id", existing.ID).Msg("Whitelist entry already exists for order")
		return OutcomeExists, existing, nil
	case !internalerrors.IsNotFound(err):
		return "", nil, err
	}

	if parent := ident.Normalize(o.ParentOrderID); parent != "" {
		entry, err := a.extend(ctx, parent, orderID, o.Expiry)
		if err == nil {
			return OutcomeRenewed, entry, nil
		}
		if !internalerrors.IsNotFound(err) {
			return "", nil, err
		}
		log.Info().Str("order_id", orderID).Str("parent_order_id", parent).
			Msg("No whitelist entry for parent order, treating renewal as a new purchase")
	}

	userID := ident.Normalize(o.UserID)
	if userID == "" {
		p := &PendingOrder{
			OrderID:      orderID,
			Email:        strings.TrimSpace(o.Email),
			CustomerName: strings.TrimSpace(o.CustomerName),
			SiteID:       ident.Normalize(o.SiteID),
			Expiry:       cloneTime(o.Expiry),
			CreatedAt:    a.now().UTC(),
		}
		if err := a.pending.MarkPending(ctx, p); err != nil {
			return "", nil, err
		}
		log.Warn().Str("order_id", orderID).Msg("Whitelist order has no user id, waiting for an operator")
		return OutcomePending, nil, nil
	}

	entry, err := a.create(ctx, o, orderID, userID, ident.Normalize(o.SiteID), o.Expiry,
		fmt.Sprintf("Auto-created from order #%s", orderID))
	if err != nil {
		return "", nil, err
	}
	return OutcomeCreated, entry, nil
}

// Complete creates the entry for a pending order once an operator supplies
// the user id, and clears the pending marker.
func (a *AutoAdder) Complete(ctx context.Context, orderID, userID, siteID string) (*Entry, error) {
	orderID = ident.Normalize(orderID)
	userID = ident.Normalize(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", internalerrors.ErrInvalidInput)
	}
	p, err := a.pending.GetPending(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if siteID = ident.Normalize(siteID); siteID == "" {
		siteID = p.SiteID
	}

	entry, err := a.create(ctx, OrderInfo{Email: p.Email, CustomerName: p.CustomerName}, orderID, userID, siteID,
		p.Expiry, fmt.Sprintf("Completed by operator from order #%s", orderID))
	if err != nil {
		return nil, err
	}
	if err := a.pending.ResolvePending(ctx, orderID); err != nil {
		return nil, err
	}
	return entry, nil
}

func (a *AutoAdder) create(ctx context.Context, o OrderInfo, orderID, userID, siteID string, expiry *time.Time, notes string) (*Entry, error) {
	typ := TypeUserID
	if siteID != "" {
		typ = TypeSiteUser
	}
	now := a.now().UTC()
	entry := &Entry{
		ID:            ulid.Make().String(),
		Type:          typ,
		UserID:        userID,
		SiteID:        siteID,
		Email:         strings.TrimSpace(o.Email),
		CustomerName:  strings.TrimSpace(o.CustomerName),
		LinkedOrderID: orderID,
		ExpiryDate:    cloneTime(expiry),
		Notes:         notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if err := a.store.CreateEntry(ctx, entry); err != nil {
		return nil, err
	}
	log.Info().
		Str("entry_id", entry.ID).
		Str("order_id", orderID).
		Str("type", string(typ)).
		Msg("Whitelist entry created")
	return entry, nil
}

func (a *AutoAdder) extend(ctx context.Context, parentOrderID, orderID string, expiry *time.Time) (*Entry, error) {
	entry, err := a.store.FindByLinkedOrder(ctx, parentOrderID)
	if err != nil {
		return nil, err
	}
	entry.LinkedOrderID = orderID
	entry.UpdatedAt = a.now().UTC()
	if expiry != nil {
		entry.ExpiryDate = cloneTime(expiry)
		entry.ExpiringNoticeAt = nil
		entry.ExpiredNoticeAt = nil
	}
	if err := a.store.UpdateEntry(ctx, entry); err != nil {
		return nil, err
	}
	log.Info().
		Str("entry_id", entry.ID).
		Str("order_id", orderID).
		Str("parent_order_id", parentOrderID).
		Msg("Whitelist entry extended by renewal")
	return entry, nil
}
