// Package api exposes the order webhook, entitlement checks and the admin
// endpoints over HTTP.
package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/rcourtman/appgrant/internal/audit"
	"github.com/rcourtman/appgrant/internal/catalog"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/license/match"
	"github.com/rcourtman/appgrant/internal/orders"
	"github.com/rcourtman/appgrant/internal/whitelist"
)

const maxBodyBytes = 1 << 20

// LicenseLister lists licence records for the admin endpoints.
type LicenseLister interface {
	ListByProduct(ctx context.Context, productID string) ([]*license.Record, error)
	ListByAccount(ctx context.Context, accountID string) ([]*license.Record, error)
}

// Deps holds the collaborators the handlers need.
type Deps struct {
	AdminKey  string
	Machine   *license.Machine
	Licenses  LicenseLister
	Matcher   *match.Resolver
	Processor *orders.Processor
	Catalog   *catalog.Catalog
	Whitelist whitelist.Store
	Pending   whitelist.PendingStore
	Resolver  *whitelist.Resolver
	AutoAdder *whitelist.AutoAdder
	Usage     *audit.Recorder
	// Ready reports whether storage is reachable.
	Ready func(ctx context.Context) error
	Now   func() time.Time
}

type handlers struct {
	deps     *Deps
	validate *validator.Validate
}

// NewRouter builds the HTTP handler.
func NewRouter(deps *Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{deps: deps, validate: newValidator()}

	r := chi.NewRouter()
	r.Use(requestContext)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(maxBodyBytes))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/licenses/owned", h.owned)
		r.Get("/entitlement", h.entitlement)
		r.Get("/catalog/quote", h.quote)

		r.Group(func(r chi.Router) {
			r.Use(adminKey(deps.AdminKey))
			r.Post("/orders/completed", h.orderCompleted)
			r.Post("/installs", h.install)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminKey(deps.AdminKey))

			r.Get("/licenses", h.listLicenses)
			r.Get("/licenses/{id}", h.getLicense)
			r.Post("/licenses/{id}/cancel", h.cancelLicense)
			r.Post("/licenses/{id}/restore", h.restoreLicense)

			r.Get("/whitelist", h.listWhitelist)
			r.Post("/whitelist", h.createWhitelist)
			r.Delete("/whitelist/{id}", h.deleteWhitelist)
			r.Get("/whitelist/usage", h.listUsage)
			r.Get("/whitelist/usage/stats", h.usageStats)

			r.Get("/orders/pending-whitelist", h.listPending)
			r.Post("/orders/pending-whitelist/{orderID}/complete", h.completePending)
		})
	})
	return r
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func (h *handlers) decode(r *http.Request, dst any) error {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		return &APIError{ErrorMessage: "request body must be valid JSON", Code: "invalid_json", StatusCode: http.StatusBadRequest}
	}
	return h.check(dst)
}

func (h *handlers) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Namespace()] = validationMessage(fe)
	}
	return &APIError{ErrorMessage: "validation failed", Code: "validation_error", StatusCode: http.StatusBadRequest, Details: details}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "oneof":
		return fe.Field() + " must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min", "gte":
		return fe.Field() + " must be at least " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil {
		if err := h.deps.Ready(r.Context()); err != nil {
			writeErrorResponse(w, r, http.StatusServiceUnavailable, "not_ready", "storage unavailable", nil)
			return
		}
	}
	render.JSON(w, r, map[string]string{"status": "ready"})
}
