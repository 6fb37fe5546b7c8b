package notify

import (
	"bytes"
	"fmt"
	"html/template"
	textTemplate "text/template"
)

const layoutHead = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px;">
<tr><td style="padding: 32px 40px; text-align: left;">
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">{{.Title}}</h1>
`

const layoutFoot = `</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`

var (
	graceWarningHTML = template.Must(template.New("grace_warning").Parse(layoutHead + `
<p style="color: #444; font-size: 15px; line-height: 1.5;">Hi {{.Name}},</p>
<p style="color: #444; font-size: 15px; line-height: 1.5;">
Your subscription for <strong>{{.Product}}</strong> on site {{.SiteID}} expired on {{.Expiry}}.
Access stays available until <strong>{{.GraceUntil}}</strong>. Renew before then to keep the app installed.
</p>` + layoutFoot))

	graceWarningText = textTemplate.Must(textTemplate.New("grace_warning_text").Parse(
		`Hi {{.Name}},

Your subscription for {{.Product}} on site {{.SiteID}} expired on {{.Expiry}}.
Access stays available until {{.GraceUntil}}. Renew before then to keep the app installed.
`))

	whitelistExpiringHTML = template.Must(template.New("whitelist_expiring").Parse(layoutHead + `
<p style="color: #444; font-size: 15px; line-height: 1.5;">Hi {{.Name}},</p>
<p style="color: #444; font-size: 15px; line-height: 1.5;">
Your free access expires on <strong>{{.Expiry}}</strong>. Renew your plan to keep installing apps without interruption.
</p>` + layoutFoot))

	whitelistExpiringText = textTemplate.Must(textTemplate.New("whitelist_expiring_text").Parse(
		`Hi {{.Name}},

Your free access expires on {{.Expiry}}. Renew your plan to keep installing apps without interruption.
`))

	whitelistExpiredHTML = template.Must(template.New("whitelist_expired").Parse(layoutHead + `
<p style="color: #444; font-size: 15px; line-height: 1.5;">Hi {{.Name}},</p>
<p style="color: #444; font-size: 15px; line-height: 1.5;">
Your free access expired on <strong>{{.Expiry}}</strong>. New installs now require a paid licence.
</p>` + layoutFoot))

	whitelistExpiredText = textTemplate.Must(textTemplate.New("whitelist_expired_text").Parse(
		`Hi {{.Name}},

Your free access expired on {{.Expiry}}. New installs now require a paid licence.
`))
)

// TemplateData holds the fields shared by every notice template.
type TemplateData struct {
	Title      string
	Name       string
	Product    string
	SiteID     string
	Expiry     string
	GraceUntil string
}

func render(html *template.Template, text *textTemplate.Template, data TemplateData) (string, string, error) {
	var hbuf, tbuf bytes.Buffer
	if err := html.Execute(&hbuf, data); err != nil {
		return "", "", fmt.Errorf("render %s template: %w", html.Name(), err)
	}
	if err := text.Execute(&tbuf, data); err != nil {
		return "", "", fmt.Errorf("render %s template: %w", text.Name(), err)
	}
	return hbuf.String(), tbuf.String(), nil
}
