package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rs/zerolog/log"
)

const (
	postmarkEndpoint = "https://api.postmarkapp.com/email"
	postmarkStream   = "outbound"

	// Postmark error codes that reject this message for good. Anything else
	// (auth, rate limit, outages) may succeed on a later pass.
	postmarkInvalidRequest    = 300
	postmarkInactiveRecipient = 406
)

// Sender delivers one rendered notice.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a rendered notice addressed to one customer.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string

	// Kind names the notice (grace_warning, whitelist_expiring, ...).
	Kind string
	// Ref is the licence or whitelist entry the notice is about.
	Ref string
}

// DeliveryError describes a notice the mail provider did not accept.
type DeliveryError struct {
	Kind       string
	Ref        string
	StatusCode int
	Code       int
	Message    string
	Permanent  bool
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s notice for %s not accepted (HTTP %d): code=%d message=%s",
		e.Kind, e.Ref, e.StatusCode, e.Code, e.Message)
}

// Unwrap exposes ErrNoticeRejected for failures a retry cannot fix.
func (e *DeliveryError) Unwrap() error {
	if e.Permanent {
		return internalerrors.ErrNoticeRejected
	}
	return nil
}

// PostmarkSender delivers notices through the Postmark HTTP API. Each message
// is tagged with its notice kind and carries the licence or entry id as
// metadata so bounces can be traced back.
type PostmarkSender struct {
	serverToken string
	endpoint    string
	httpClient  *http.Client
}

// NewPostmarkSender creates a Postmark sender.
func NewPostmarkSender(serverToken string) *PostmarkSender {
	return &PostmarkSender{
		serverToken: serverToken,
		endpoint:    postmarkEndpoint,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type postmarkMessage struct {
	From          string            `json:"From"`
	To            string            `json:"To"`
	Subject       string            `json:"Subject"`
	HtmlBody      string            `json:"HtmlBody,omitempty"`
	TextBody      string            `json:"TextBody,omitempty"`
	Tag           string            `json:"Tag,omitempty"`
	Metadata      map[string]string `json:"Metadata,omitempty"`
	MessageStream string            `json:"MessageStream"`
}

type postmarkResult struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

// Send posts msg to Postmark. Rejections of the message itself come back as
// a permanent *DeliveryError.
func (p *PostmarkSender) Send(ctx context.Context, msg Message) error {
	pm := postmarkMessage{
		From:          msg.From,
		To:            msg.To,
		Subject:       msg.Subject,
		HtmlBody:      msg.HTML,
		TextBody:      msg.Text,
		Tag:           msg.Kind,
		MessageStream: postmarkStream,
	}
	if msg.Kind != "" || msg.Ref != "" {
		pm.Metadata = map[string]string{"kind": msg.Kind, "ref": msg.Ref}
	}
	body, err := json.Marshal(pm)
	if err != nil {
		return fmt.Errorf("encode %s notice: %w", msg.Kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s notice request: %w", msg.Kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s notice for %s: %w", msg.Kind, msg.Ref, err)
	}
	defer resp.Body.Close()

	var result postmarkResult
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&result)

	if resp.StatusCode == http.StatusOK && result.ErrorCode == 0 {
		log.Debug().
			Str("kind", msg.Kind).
			Str("ref", msg.Ref).
			Str("message_id", result.MessageID).
			Msg("Notice accepted by Postmark")
		return nil
	}
	return &DeliveryError{
		Kind:       msg.Kind,
		Ref:        msg.Ref,
		StatusCode: resp.StatusCode,
		Code:       result.ErrorCode,
		Message:    result.Message,
		Permanent:  resp.StatusCode == http.StatusUnprocessableEntity && permanentCode(result.ErrorCode),
	}
}

func permanentCode(code int) bool {
	switch code {
	case postmarkInvalidRequest, postmarkInactiveRecipient:
		return true
	default:
		return false
	}
}

// LogSender writes notices to the log instead of mailing them. It is used
// when no mail provider is configured.
type LogSender struct {
	maxBody int
}

// NewLogSender creates a LogSender that truncates bodies to maxBody bytes.
// Zero keeps bodies whole.
func NewLogSender(maxBody int) *LogSender {
	return &LogSender{maxBody: maxBody}
}

// Send logs msg and always succeeds.
func (l *LogSender) Send(_ context.Context, msg Message) error {
	body := msg.Text
	if l.maxBody > 0 && len(body) > l.maxBody {
		body = body[:l.maxBody] + "...(truncated)"
	}
	log.Info().
		Str("kind", msg.Kind).
		Str("ref", msg.Ref).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("body", body).
		Msg("Notice (log-only, no email provider configured)")
	return nil
}
