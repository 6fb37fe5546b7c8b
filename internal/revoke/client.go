// Package revoke calls the app store's deauthorize endpoint when a licence is
// revoked.
package revoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSec = 5
	maxErrorBody      = 4096
)

// Client implements license.Revoker over HTTP.
type Client struct {
	baseURL    string
	limiter    *rate.Limiter
	httpClient *http.Client
}

var _ license.Revoker = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the base transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a revocation client for baseURL. ratePerSec bounds the
// number of outgoing calls; values <= 0 use the default.
func NewClient(baseURL string, ratePerSec float64, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid revoke base url %q", baseURL)
	}
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type deauthorizeRequest struct {
	SiteID    string `json:"site_id"`
	ProductID string `json:"product_id,omitempty"`
}

// Revoke asks the app store to deauthorize the app for the site. A 404 or
// 410 means the installation is already gone and counts as success.
func (c *Client) Revoke(ctx context.Context, req license.RevokeRequest) error {
	if req.AppID == "" {
		return fmt.Errorf("revoke %s: missing app id", req.LicenseID)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("revoke rate limit wait: %w", err)
	}

	body, err := json.Marshal(deauthorizeRequest{SiteID: req.SiteID, ProductID: req.ProductID})
	if err != nil {
		return fmt.Errorf("marshal deauthorize request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/user/apps/%s/deauthorize", c.baseURL, url.PathEscape(req.AppID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create deauthorize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	// The access token belongs to the installation, so each call gets its own
	// token source on top of the shared transport.
	authCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	hc := oauth2.NewClient(authCtx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: req.Token, TokenType: "Bearer"}))
	hc.Timeout = c.httpClient.Timeout

	resp, err := hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("deauthorize request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		log.Info().
			Str("license_id", req.LicenseID).
			Str("app_id", req.AppID).
			Int("status", resp.StatusCode).
			Msg("App already removed at the store")
		return nil
	default:
		return fmt.Errorf("deauthorize error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}
