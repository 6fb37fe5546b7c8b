package notify

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	textTemplate "text/template"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/metrics"
	"github.com/rcourtman/appgrant/internal/whitelist"
)

const dateLayout = "2 January 2006"

// Notifier renders customer notices and hands them to a Sender.
type Notifier struct {
	sender       Sender
	from         string
	productNames func(productID string) string
}

var (
	_ license.Notifier = (*Notifier)(nil)
	_ whitelist.Mailer = (*Notifier)(nil)
)

// NewNotifier creates a Notifier. productNames maps product ids to display
// names and may be nil.
func NewNotifier(sender Sender, from string, productNames func(string) string) *Notifier {
	return &Notifier{sender: sender, from: from, productNames: productNames}
}

// GraceWarning tells the owner that the licence has lapsed and when access
// will be withdrawn. Delivery is counted by the state machine.
func (n *Notifier) GraceWarning(ctx context.Context, rec *license.Record) error {
	if rec == nil || rec.Email == "" {
		return nil
	}
	data := TemplateData{
		Title:      "Your subscription has expired",
		Name:       rec.Email,
		Product:    n.productName(rec.ProductID),
		SiteID:     rec.SiteID,
		Expiry:     formatDate(rec.Expiry),
		GraceUntil: formatDate(rec.GraceUntil),
	}
	html, text, err := render(graceWarningHTML, graceWarningText, data)
	if err != nil {
		return err
	}
	return n.send(ctx, Message{
		To:      rec.Email,
		Subject: fmt.Sprintf("%s: access ends %s", data.Product, data.GraceUntil),
		HTML:    html,
		Text:    text,
		Kind:    "grace_warning",
		Ref:     rec.ID,
	})
}

// WhitelistExpiring warns that a whitelist entry is about to expire.
func (n *Notifier) WhitelistExpiring(ctx context.Context, e *whitelist.Entry) error {
	return n.whitelistNotice(ctx, "whitelist_expiring", "Your free access is about to expire",
		whitelistExpiringHTML, whitelistExpiringText, e)
}

// WhitelistExpired tells the owner that a whitelist entry has expired.
func (n *Notifier) WhitelistExpired(ctx context.Context, e *whitelist.Entry) error {
	return n.whitelistNotice(ctx, "whitelist_expired", "Your free access has expired",
		whitelistExpiredHTML, whitelistExpiredText, e)
}

func (n *Notifier) whitelistNotice(ctx context.Context, kind, title string, html *template.Template, text *textTemplate.Template, e *whitelist.Entry) error {
	if e == nil || e.Email == "" || e.ExpiryDate == nil {
		return nil
	}
	name := e.CustomerName
	if name == "" {
		name = e.Email
	}
	h, t, err := render(html, text, TemplateData{
		Title:  title,
		Name:   name,
		Expiry: formatDate(*e.ExpiryDate),
	})
	if err != nil {
		return err
	}
	err = n.send(ctx, Message{To: e.Email, Subject: title, HTML: h, Text: t, Kind: kind, Ref: e.ID})
	switch {
	case errors.Is(err, internalerrors.ErrNoticeRejected):
		metrics.NoticesSent.WithLabelValues(kind, "rejected").Inc()
		return err
	case err != nil:
		metrics.NoticesSent.WithLabelValues(kind, "failed").Inc()
		return err
	}
	metrics.NoticesSent.WithLabelValues(kind, "sent").Inc()
	return nil
}

func (n *Notifier) send(ctx context.Context, msg Message) error {
	msg.From = n.from
	if err := n.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s notice: %w", msg.Kind, err)
	}
	return nil
}

func (n *Notifier) productName(productID string) string {
	if n.productNames != nil {
		if name := n.productNames(productID); name != "" {
			return name
		}
	}
	return productID
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}
