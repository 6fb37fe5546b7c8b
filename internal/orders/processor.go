// Package orders turns completed store orders into licence and whitelist
// changes.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/appgrant/internal/catalog"
	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/ident"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/license/match"
	"github.com/rcourtman/appgrant/internal/metrics"
	"github.com/rcourtman/appgrant/internal/whitelist"
	"github.com/rs/zerolog/log"
)

// Ledger deduplicates order deliveries.
type Ledger interface {
	ClaimOrder(ctx context.Context, orderID string, at time.Time) (bool, error)
	CompleteOrder(ctx context.Context, orderID, outcome string) error
	ReleaseOrder(ctx context.Context, orderID string) error
}

// LineItem is one purchased product within an order.
type LineItem struct {
	ID            string `json:"id" validate:"required"`
	ProductID     string `json:"product_id" validate:"required"`
	AccountID     string `json:"account_id"`
	SiteID        string `json:"site_id"`
	PrepaidCycles int    `json:"prepaid_cycles" validate:"gte=0"`
	AccessToken   string `json:"access_token"`
}

// Order is a completed store order.
type Order struct {
	ID            string     `json:"id" validate:"required"`
	ParentOrderID string     `json:"parent_order_id"`
	Email         string     `json:"email" validate:"omitempty,email"`
	CustomerName  string     `json:"customer_name"`
	Items         []LineItem `json:"items" validate:"required,min=1,dive"`
}

// Action is what happened to one line item.
type Action string

const (
	ActionCreated   Action = "created"
	ActionRenewed   Action = "renewed"
	ActionUnchanged Action = "unchanged"
	ActionIgnored   Action = "ignored"
	ActionWhitelist Action = "whitelist"
)

// ItemResult reports the handling of one line item.
type ItemResult struct {
	ItemID    string `json:"item_id"`
	ProductID string `json:"product_id"`
	Action    Action `json:"action"`
	LicenseID string `json:"license_id,omitempty"`
	Whitelist string `json:"whitelist,omitempty"`
}

// Result reports the handling of an order.
type Result struct {
	OrderID   string       `json:"order_id"`
	Duplicate bool         `json:"duplicate"`
	Items     []ItemResult `json:"items,omitempty"`
}

// Processor applies completed orders.
type Processor struct {
	machine   *license.Machine
	matcher   *match.Resolver
	catalog   *catalog.Catalog
	ledger    Ledger
	autoAdder *whitelist.AutoAdder
}

// NewProcessor wires the order processor. autoAdder may be nil when no
// whitelist product is sold.
func NewProcessor(machine *license.Machine, matcher *match.Resolver, cat *catalog.Catalog, ledger Ledger, autoAdder *whitelist.AutoAdder) *Processor {
	return &Processor{
		machine:   machine,
		matcher:   matcher,
		catalog:   cat,
		ledger:    ledger,
		autoAdder: autoAdder,
	}
}

// OnOrderCompleted applies every line item of a completed order. Each order
// id is applied once; a repeated delivery returns a Result with Duplicate
// set. When any item fails the claim is released so the store can deliver
// the order again, and items already applied are recognised on the retry.
func (p *Processor) OnOrderCompleted(ctx context.Context, o Order) (*Result, error) {
	orderID := ident.Normalize(o.ID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", internalerrors.ErrInvalidInput)
	}

	claimed, err := p.ledger.ClaimOrder(ctx, orderID, p.machine.Now())
	if err != nil {
		metrics.OrdersProcessed.WithLabelValues("failed").Inc()
		return nil, err
	}
	if !claimed {
		metrics.OrdersProcessed.WithLabelValues("duplicate").Inc()
		log.Info().Str("order_id", orderID).Msg("Order already processed, ignoring delivery")
		return &Result{OrderID: orderID, Duplicate: true}, nil
	}

	result := &Result{OrderID: orderID}
	for _, item := range o.Items {
		res, err := p.applyItem(ctx, o, orderID, item)
		if err != nil {
			if relErr := p.ledger.ReleaseOrder(ctx, orderID); relErr != nil {
				log.Error().Err(relErr).Str("order_id", orderID).Msg("Failed to release order claim")
			}
			metrics.OrdersProcessed.WithLabelValues("failed").Inc()
			log.Error().
				Err(err).
				Str("order_id", orderID).
				Str("item_id", item.ID).
				Msg("Order processing failed")
			return nil, fmt.Errorf("order %s item %s: %w", orderID, item.ID, err)
		}
		result.Items = append(result.Items, res)
	}

	if err := p.ledger.CompleteOrder(ctx, orderID, "processed"); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("Failed to record order outcome")
	}
	metrics.OrdersProcessed.WithLabelValues("processed").Inc()
	return result, nil
}

func (p *Processor) applyItem(ctx context.Context, o Order, orderID string, item LineItem) (ItemResult, error) {
	res := ItemResult{ItemID: ident.Normalize(item.ID), ProductID: ident.Normalize(item.ProductID)}

	if p.catalog.IsWhitelistProduct(res.ProductID) {
		return p.applyWhitelist(ctx, o, orderID, item, res)
	}

	product, ok := p.catalog.Product(res.ProductID)
	if !ok || !product.Recurring {
		res.Action = ActionIgnored
		return res, nil
	}

	// A redelivered order may already have created this item's record.
	if existing, err := p.machine.Get(ctx, res.ItemID); err == nil {
		res.Action = ActionUnchanged
		res.LicenseID = existing.ID
		return res, nil
	} else if !internalerrors.IsNotFound(err) {
		return res, err
	}

	cycles := prepaidCycles(product, item.PrepaidCycles)
	cycle := product.Cycle.License()

	existing, err := p.matcher.FindExisting(ctx, match.Query{
		ProductID: res.ProductID,
		AccountID: item.AccountID,
		SiteID:    item.SiteID,
	})
	switch {
	case err == nil:
		before := existing.Version
		rec, err := p.machine.Renew(ctx, existing.ID, license.RenewParams{
			OrderID:         orderID,
			PrepaidCycles:   cycles,
			DiscountPercent: product.DiscountPercent,
			Cycle:           &cycle,
			Token:           item.AccessToken,
		})
		if err != nil {
			return res, err
		}
		res.LicenseID = rec.ID
		res.Action = ActionRenewed
		if rec.Version == before {
			res.Action = ActionUnchanged
		}
		return res, nil
	case internalerrors.IsNotFound(err):
		rec, err := p.machine.Create(ctx, license.CreateParams{
			ID:              res.ItemID,
			ProductID:       res.ProductID,
			AppID:           product.AppID,
			AccountID:       item.AccountID,
			SiteID:          item.SiteID,
			OrderID:         orderID,
			Email:           o.Email,
			Cycle:           cycle,
			PrepaidCycles:   cycles,
			DiscountPercent: product.DiscountPercent,
			Token:           item.AccessToken,
		})
		if err != nil {
			return res, err
		}
		res.LicenseID = rec.ID
		res.Action = ActionCreated
		return res, nil
	default:
		return res, err
	}
}

func (p *Processor) applyWhitelist(ctx context.Context, o Order, orderID string, item LineItem, res ItemResult) (ItemResult, error) {
	res.Action = ActionWhitelist
	if p.autoAdder == nil {
		res.Whitelist = "disabled"
		return res, nil
	}

	var expiry *time.Time
	if product, ok := p.catalog.Product(res.ProductID); ok && product.Cycle.Length > 0 {
		term := license.Calculate(p.machine.Now(), license.TermInput{
			Cycle:         product.Cycle.License(),
			PrepaidCycles: prepaidCycles(product, item.PrepaidCycles),
		})
		expiry = &term.Expiry
	}

	outcome, _, err := p.autoAdder.Process(ctx, whitelist.OrderInfo{
		OrderID:       orderID,
		ParentOrderID: o.ParentOrderID,
		UserID:        item.AccountID,
		SiteID:        item.SiteID,
		Email:         o.Email,
		CustomerName:  o.CustomerName,
		Expiry:        expiry,
	})
	if err != nil {
		return res, err
	}
	res.Whitelist = string(outcome)
	return res, nil
}

// prepaidCycles honours what the customer paid for even when the catalog no
// longer offers that duration.
func prepaidCycles(product catalog.Product, requested int) int {
	cycles, err := product.PrepaidCycles(requested)
	if err != nil {
		log.Warn().Err(err).Str("product_id", product.ID).Msg("Order uses a duration the catalog does not offer")
		return max(requested, 1)
	}
	return cycles
}
