package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rcourtman/appgrant/internal/ident"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/license/match"
	"github.com/rcourtman/appgrant/internal/orders"
)

// licenseView is the admin representation of a record. The access token is
// never returned.
type licenseView struct {
	ID                  string     `json:"id"`
	ProductID           string     `json:"product_id"`
	AppID               string     `json:"app_id"`
	AccountID           string     `json:"account_id"`
	SiteID              string     `json:"site_id"`
	OrderID             string     `json:"order_id"`
	Email               string     `json:"email,omitempty"`
	Cycle               string     `json:"cycle"`
	PrepaidCycles       int        `json:"prepaid_cycles"`
	PaidCents           int64      `json:"paid_cents"`
	Status              string     `json:"status"`
	Expiry              time.Time  `json:"expiry"`
	GraceUntil          time.Time  `json:"grace_until"`
	RenewalCount        int        `json:"renewal_count"`
	LastRenewalOrderID  string     `json:"last_renewal_order_id,omitempty"`
	HasToken            bool       `json:"has_token"`
	RevokeAttempts      int        `json:"revoke_attempts"`
	LastRevokeAttemptAt *time.Time `json:"last_revoke_attempt_at,omitempty"`
	RevokeConfirmed     bool       `json:"revoke_confirmed"`
	LastRevokeError     string     `json:"last_revoke_error,omitempty"`
	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func newLicenseView(rec *license.Record) licenseView {
	return licenseView{
		ID:                  rec.ID,
		ProductID:           rec.ProductID,
		AppID:               rec.AppID,
		AccountID:           rec.AccountID,
		SiteID:              rec.SiteID,
		OrderID:             rec.OrderID,
		Email:               rec.Email,
		Cycle:               rec.Cycle.String(),
		PrepaidCycles:       rec.PrepaidCycles,
		PaidCents:           rec.PaidCents,
		Status:              string(rec.Status),
		Expiry:              rec.Expiry,
		GraceUntil:          rec.GraceUntil,
		RenewalCount:        rec.RenewalCount,
		LastRenewalOrderID:  rec.LastRenewalOrderID,
		HasToken:            len(rec.Token) > 0,
		RevokeAttempts:      rec.RevokeAttempts,
		LastRevokeAttemptAt: rec.LastRevokeAttemptAt,
		RevokeConfirmed:     rec.RevokeConfirmed,
		LastRevokeError:     rec.LastRevokeError,
		Version:             rec.Version,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
}

func newLicenseViews(recs []*license.Record) []licenseView {
	out := make([]licenseView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newLicenseView(rec))
	}
	return out
}

// owned answers the purchase page: does this customer already hold a live
// licence for the product on this site. Only a boolean is exposed.
func (h *handlers) owned(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID := strings.TrimSpace(q.Get("product_id"))
	if productID == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_input", "product_id is required", nil)
		return
	}
	owned, err := h.deps.Matcher.Owned(r.Context(), match.Query{
		ProductID: productID,
		AccountID: q.Get("account_id"),
		SiteID:    q.Get("site_id"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]bool{"owned": owned})
}

func (h *handlers) quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cycles := 1
	if v := strings.TrimSpace(q.Get("cycles")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeErrorResponse(w, r, http.StatusBadRequest, "invalid_input", "cycles must be an integer", nil)
			return
		}
		cycles = n
	}
	quote, err := h.deps.Catalog.Quote(q.Get("product_id"), cycles)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, quote)
}

func (h *handlers) orderCompleted(w http.ResponseWriter, r *http.Request) {
	var order orders.Order
	if err := h.decode(r, &order); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.deps.Processor.OnOrderCompleted(r.Context(), order)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

func (h *handlers) install(w http.ResponseWriter, r *http.Request) {
	var in orders.Install
	if err := h.decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.deps.Processor.OnInstall(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"license_id": rec.ID, "status": string(rec.Status)})
}

func (h *handlers) listLicenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID := ident.Normalize(q.Get("account_id"))
	productID := ident.Normalize(q.Get("product_id"))
	var (
		recs []*license.Record
		err  error
	)
	switch {
	case accountID != "":
		recs, err = h.deps.Licenses.ListByAccount(r.Context(), accountID)
	case productID != "":
		recs, err = h.deps.Licenses.ListByProduct(r.Context(), productID)
	default:
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_input", "account_id or product_id is required", nil)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	views := newLicenseViews(recs)
	render.JSON(w, r, map[string]any{"licenses": views, "count": len(views)})
}

func (h *handlers) getLicense(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Machine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, newLicenseView(rec))
}

func (h *handlers) cancelLicense(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Processor.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, newLicenseView(rec))
}

type restoreRequest struct {
	PrepaidCycles int `json:"prepaid_cycles" validate:"gte=0"`
}

func (h *handlers) restoreLicense(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	rec, err := h.deps.Processor.Restore(r.Context(), chi.URLParam(r, "id"), req.PrepaidCycles)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, newLicenseView(rec))
}
