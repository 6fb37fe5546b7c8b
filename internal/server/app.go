// Package server wires the licence engine together and runs it.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/rcourtman/appgrant/internal/api"
	"github.com/rcourtman/appgrant/internal/audit"
	"github.com/rcourtman/appgrant/internal/catalog"
	"github.com/rcourtman/appgrant/internal/config"
	"github.com/rcourtman/appgrant/internal/crypto"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/license/match"
	"github.com/rcourtman/appgrant/internal/notify"
	"github.com/rcourtman/appgrant/internal/orders"
	"github.com/rcourtman/appgrant/internal/registry"
	"github.com/rcourtman/appgrant/internal/revoke"
	"github.com/rcourtman/appgrant/internal/sweep"
	"github.com/rcourtman/appgrant/internal/whitelist"
	"github.com/rs/zerolog/log"
)

// App holds the assembled engine. The serve command and the admin CLI share
// it.
type App struct {
	Config    *config.Config
	Registry  *registry.Registry
	Catalog   *catalog.Catalog
	Machine   *license.Machine
	Matcher   *match.Resolver
	Processor *orders.Processor
	Whitelist *whitelist.Resolver
	AutoAdder *whitelist.AutoAdder
	Notices   *whitelist.Notices
	Usage     *audit.Recorder
	Scheduler *sweep.Scheduler

	now func() time.Time
}

// Option customises New.
type Option func(*options)

type options struct {
	now    func() time.Time
	sender notify.Sender
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSender replaces the configured email sender.
func WithSender(s notify.Sender) Option {
	return func(o *options) { o.sender = s }
}

// New opens storage and builds every component from cfg. Close releases the
// database.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	reg, err := registry.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	app, err := build(cfg, reg, o)
	if err != nil {
		_ = reg.Close()
		return nil, err
	}
	return app, nil
}

func build(cfg *config.Config, reg *registry.Registry, o options) (*App, error) {
	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	cipher, err := crypto.NewTokenCipher(cfg.TokenSecret, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("init token cipher: %w", err)
	}

	var revoker license.Revoker
	if cfg.RevokeBaseURL != "" {
		client, err := revoke.NewClient(cfg.RevokeBaseURL, cfg.RevokeRatePerSec)
		if err != nil {
			return nil, fmt.Errorf("init revocation client: %w", err)
		}
		revoker = client
		log.Info().Str("base_url", cfg.RevokeBaseURL).Msg("Revocation endpoint configured")
	} else {
		log.Warn().Msg("Revocation endpoint not configured, revocations are recorded locally only")
	}

	sender := o.sender
	if sender == nil {
		sender = newSender(cfg)
	}
	notifier := notify.NewNotifier(sender, cfg.EmailFrom, cat.Name)

	licenses := reg.Licenses()
	wl := reg.Whitelist()

	machine := license.NewMachine(licenses, revoker, cipher, license.Config{
		GracePeriodDays: cfg.GracePeriodDays,
		RevokeTimeout:   cfg.RevokeTimeout,
	}, license.WithClock(o.now), license.WithNotifier(notifier))

	matcher := match.NewResolver(licenses, o.now)
	autoAdder := whitelist.NewAutoAdder(wl, wl, o.now)
	notices := whitelist.NewNotices(wl, notifier, cfg.WhitelistNoticeWindow(), o.now)

	return &App{
		Config:    cfg,
		Registry:  reg,
		Catalog:   cat,
		Machine:   machine,
		Matcher:   matcher,
		Processor: orders.NewProcessor(machine, matcher, cat, reg, autoAdder),
		Whitelist: whitelist.NewResolver(wl, o.now),
		AutoAdder: autoAdder,
		Notices:   notices,
		Usage:     audit.NewRecorder(reg, o.now),
		Scheduler: sweep.NewScheduler(machine, licenses, notices, sweep.Config{
			ExpiryInterval: cfg.SweepInterval,
			NoticeInterval: cfg.NoticeInterval,
			Workers:        cfg.SweepWorkers,
		}),
		now: o.now,
	}, nil
}

// Router returns the HTTP handler for the public and admin API.
func (a *App) Router() http.Handler {
	wl := a.Registry.Whitelist()
	return api.NewRouter(&api.Deps{
		AdminKey:  a.Config.AdminKey,
		Machine:   a.Machine,
		Licenses:  a.Registry.Licenses(),
		Matcher:   a.Matcher,
		Processor: a.Processor,
		Catalog:   a.Catalog,
		Whitelist: wl,
		Pending:   wl,
		Resolver:  a.Whitelist,
		AutoAdder: a.AutoAdder,
		Usage:     a.Usage,
		Ready:     a.Registry.Ping,
		Now:       a.now,
	})
}

// Close releases storage.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	return a.Registry.Close()
}

// loadCatalog reads the product catalog. A missing file yields an empty
// catalog so the engine can start before products are configured.
func loadCatalog(path string) (*catalog.Catalog, error) {
	cat, err := catalog.Load(path)
	if err == nil {
		log.Info().Str("path", path).Int("products", len(cat.Products())).Msg("Product catalog loaded")
		return cat, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("Product catalog not found, starting with an empty catalog")
		return catalog.Parse(nil)
	}
	return nil, fmt.Errorf("load catalog: %w", err)
}

func newSender(cfg *config.Config) notify.Sender {
	if cfg.PostmarkToken != "" {
		log.Info().Msg("Email sender configured (Postmark)")
		return notify.NewPostmarkSender(cfg.PostmarkToken)
	}
	log.Info().Msg("Email sender: log-only (set APPGRANT_POSTMARK_TOKEN to enable)")
	return notify.NewLogSender(4096)
}
