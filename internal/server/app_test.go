package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/appgrant/internal/config"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/notify"
	"github.com/rcourtman/appgrant/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
products:
  - id: locator
    name: Store Locator
    app_id: app-locator
    recurring: true
    cycle: {length: 1, unit: month, price_cents: 1000}
    durations: [1, 6]
`

type captureSender struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (c *captureSender) Send(_ context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DataDir:               dir,
		BindAddress:           "127.0.0.1",
		Port:                  8080,
		AdminKey:              "admin-secret",
		GracePeriodDays:       7,
		SweepInterval:         time.Hour,
		NoticeInterval:        time.Hour,
		SweepWorkers:          2,
		RevokeTimeout:         time.Second,
		RevokeRatePerSec:      50,
		CatalogPath:           filepath.Join(dir, "catalog.yaml"),
		EmailFrom:             "licences@example.com",
		WhitelistExpiringDays: 3,
	}
}

func TestNewWithoutCatalogStartsEmpty(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(cfg, WithSender(&captureSender{}))
	require.NoError(t, err)
	defer app.Close()

	assert.Empty(t, app.Catalog.Products())

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err = os.Stat(filepath.Join(cfg.DataDir, ".token.key"))
	assert.NoError(t, err, "token key is generated when no secret is configured")
}

func TestNewRejectsBrokenCatalog(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.CatalogPath, []byte("products: [{name: nameless}]"), 0o600))

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestAppLifecycleEndToEnd(t *testing.T) {
	var (
		mu      sync.Mutex
		revoked []string
	)
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		revoked = append(revoked, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	cfg := testConfig(t)
	cfg.RevokeBaseURL = endpoint.URL
	cfg.TokenSecret = "token-secret"
	require.NoError(t, os.WriteFile(cfg.CatalogPath, []byte(testCatalog), 0o600))

	now := t0
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	setNow := func(t time.Time) {
		clockMu.Lock()
		now = t
		clockMu.Unlock()
	}

	sender := &captureSender{}
	app, err := New(cfg, WithClock(clock), WithSender(sender))
	require.NoError(t, err)
	defer app.Close()
	ctx := context.Background()

	res, err := app.Processor.OnOrderCompleted(ctx, orders.Order{ID: "1001", Email: "owner@example.com", Items: []orders.LineItem{
		{ID: "li-1", ProductID: "locator", AccountID: "acct-1", SiteID: "site-1", AccessToken: "tok-1"},
	}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, orders.ActionCreated, res.Items[0].Action)

	stored, err := app.Registry.Licenses().Get(ctx, "li-1")
	require.NoError(t, err)
	assert.NotEqual(t, []byte("tok-1"), stored.Token, "tokens are sealed at rest")

	setNow(t0.AddDate(0, 1, 1))
	report, err := app.Scheduler.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EnteredGrace)

	_, err = app.Scheduler.NoticePass(ctx)
	require.NoError(t, err)
	sender.mu.Lock()
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "owner@example.com", sender.sent[0].To)
	assert.True(t, strings.Contains(sender.sent[0].Subject, "Store Locator"))
	sender.mu.Unlock()

	setNow(t0.AddDate(0, 1, 9))
	report, err = app.Scheduler.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Revoked)

	rec, err := app.Machine.Get(ctx, "li-1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusRevoked, rec.Status)
	assert.True(t, rec.RevokeConfirmed)

	mu.Lock()
	assert.Equal(t, []string{"/v1/user/apps/app-locator/deauthorize"}, revoked)
	mu.Unlock()
}
