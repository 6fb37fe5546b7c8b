// Package catalog loads the product catalog: which products are recurring
// app licences, their billing cycles and prepaid discounts, and which
// product grants whitelist access.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Product is one sellable product.
type Product struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	AppID           string `yaml:"app_id"`
	Recurring       bool   `yaml:"recurring"`
	Cycle           Cycle  `yaml:"cycle"`
	Durations       []int  `yaml:"durations"`
	DiscountPercent int    `yaml:"discount_percent"`
}

// Cycle is the YAML form of license.Cycle.
type Cycle struct {
	Length     int    `yaml:"length"`
	Unit       string `yaml:"unit"`
	PriceCents int64  `yaml:"price_cents"`
}

// License converts the YAML cycle to the engine's type. Unusable values are
// passed through so the state machine can substitute and count them.
func (c Cycle) License() license.Cycle {
	return license.Cycle{
		Length:     c.Length,
		Unit:       license.CycleUnit(strings.ToLower(strings.TrimSpace(c.Unit))),
		PriceCents: c.PriceCents,
	}
}

type file struct {
	WhitelistProductID string    `yaml:"whitelist_product_id"`
	Products           []Product `yaml:"products"`
}

// Catalog is an immutable product lookup.
type Catalog struct {
	whitelistProductID string
	products           map[string]Product
	order              []string
}

// Load reads and parses a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML catalog. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", internalerrors.ErrInvalidInput, err)
	}

	c := &Catalog{
		whitelistProductID: strings.TrimSpace(f.WhitelistProductID),
		products:           make(map[string]Product, len(f.Products)),
	}
	for i, p := range f.Products {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("%w: product %d has no id", internalerrors.ErrInvalidInput, i)
		}
		if _, dup := c.products[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate product id %q", internalerrors.ErrInvalidInput, p.ID)
		}
		if p.DiscountPercent < 0 || p.DiscountPercent > 100 {
			return nil, fmt.Errorf("%w: product %q discount_percent %d out of range", internalerrors.ErrInvalidInput, p.ID, p.DiscountPercent)
		}
		if p.Recurring && strings.TrimSpace(p.AppID) == "" {
			return nil, fmt.Errorf("%w: recurring product %q has no app_id", internalerrors.ErrInvalidInput, p.ID)
		}
		if p.Recurring {
			if err := p.Cycle.License().Validate(); err != nil {
				log.Warn().Err(err).Str("product_id", p.ID).Msg("Product cycle is unusable, purchases will use the default cycle")
			}
		}
		for _, d := range p.Durations {
			if d < 1 {
				return nil, fmt.Errorf("%w: product %q duration %d must be positive", internalerrors.ErrInvalidInput, p.ID, d)
			}
		}
		slices.Sort(p.Durations)
		c.products[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	if c.whitelistProductID != "" {
		if _, ok := c.products[c.whitelistProductID]; !ok {
			return nil, fmt.Errorf("%w: whitelist product %q is not in the catalog", internalerrors.ErrInvalidInput, c.whitelistProductID)
		}
	}
	return c, nil
}

// Product returns the product with the given id.
func (c *Catalog) Product(id string) (Product, bool) {
	if c == nil {
		return Product{}, false
	}
	p, ok := c.products[strings.TrimSpace(id)]
	return p, ok
}

// Products returns every product in file order.
func (c *Catalog) Products() []Product {
	if c == nil {
		return nil
	}
	out := make([]Product, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.products[id])
	}
	return out
}

// WhitelistProductID returns the id of the product that grants whitelist
// access, or "" when none is configured.
func (c *Catalog) WhitelistProductID() string {
	if c == nil {
		return ""
	}
	return c.whitelistProductID
}

// IsWhitelistProduct reports whether id is the designated whitelist product.
func (c *Catalog) IsWhitelistProduct(id string) bool {
	wl := c.WhitelistProductID()
	return wl != "" && strings.TrimSpace(id) == wl
}

// Name returns the display name of a product, or "" when unknown.
func (c *Catalog) Name(id string) string {
	p, _ := c.Product(id)
	return p.Name
}

// PrepaidCycles normalizes a requested prepaid duration: values below one
// become one, and a product with a fixed duration list rejects anything else.
func (p Product) PrepaidCycles(requested int) (int, error) {
	if requested < 1 {
		requested = 1
	}
	if len(p.Durations) > 0 && !slices.Contains(p.Durations, requested) {
		return 0, fmt.Errorf("%w: product %q does not offer %d prepaid cycles", internalerrors.ErrInvalidInput, p.ID, requested)
	}
	return requested, nil
}

// Quote is the price of a product for a prepaid duration.
type Quote struct {
	ProductID     string `json:"product_id"`
	Cycles        int    `json:"cycles"`
	GrossCents    int64  `json:"gross_cents"`
	DiscountCents int64  `json:"discount_cents"`
	TotalCents    int64  `json:"total_cents"`
}

// Quote prices prepaid cycles of a product with its duration discount.
func (c *Catalog) Quote(productID string, prepaid int) (Quote, error) {
	p, ok := c.Product(productID)
	if !ok {
		return Quote{}, internalerrors.NotFound("quote", productID)
	}
	cycles, err := p.PrepaidCycles(prepaid)
	if err != nil {
		return Quote{}, err
	}
	gross, discount := license.DiscountedPrice(p.Cycle.PriceCents, cycles, p.DiscountPercent, license.DefaultDiscountThreshold)
	return Quote{
		ProductID:     p.ID,
		Cycles:        cycles,
		GrossCents:    gross,
		DiscountCents: discount,
		TotalCents:    gross - discount,
	}, nil
}
