package mailer

import (
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Template is a subject and HTML body with substitution tokens. Bodies use
// the token whitelist {{customer_name}}, {{amount}} and {{update_url}}.
type Template struct {
	Subject string
	Body    string
}

// Branding carries the merchant's self-service presentation fields; zero
// values fall back to the product defaults.
type Branding struct {
	FromName     string
	SupportEmail string
	BrandColor   string
	LogoURL      string
}

// DunningData fills a dunning template for one invoice.
type DunningData struct {
	CustomerName string
	AmountDue    int64
	Currency     string
	UpdateURL    string
}

// Default dunning copy escalates across the three attempts.
var defaultDunning = map[int]Template{
	1: {
		Subject: "Your payment didn't go through",
		Body: `<p>Hi {{customer_name}},</p>
<p>We tried to charge your card for {{amount}} but the payment didn't go through.
This happens all the time: expired cards, new numbers, bank hiccups.</p>
<p><a href="{{update_url}}">Update your payment details</a> and we'll take care of the rest.</p>`,
	},
	2: {
		Subject: "Second reminder: your payment is still failing",
		Body: `<p>Hi {{customer_name}},</p>
<p>Your payment of {{amount}} is still failing and your subscription is at risk
of being paused.</p>
<p>It takes a minute to <a href="{{update_url}}">update your card</a>.</p>`,
	},
	3: {
		Subject: "Final notice before your subscription is cancelled",
		Body: `<p>Hi {{customer_name}},</p>
<p>This is our last attempt to collect {{amount}}. If the payment keeps
failing, your subscription will be cancelled.</p>
<p><a href="{{update_url}}">Update your payment details now</a> to keep your account.</p>`,
	},
}

// DefaultDunning returns the built-in template for an attempt. Attempts
// past the schedule reuse the final notice.
func DefaultDunning(attempt int) Template {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 3 {
		attempt = 3
	}
	return defaultDunning[attempt]
}

// ActionRequiredTemplate is the SCA/3DS confirmation request.
var ActionRequiredTemplate = Template{
	Subject: "Action needed to confirm your payment",
	Body: `<p>Hi {{customer_name}},</p>
<p>Your bank needs you to confirm your payment of {{amount}} before it can
go through.</p>
<p><a href="{{update_url}}">Confirm your payment</a> — it only takes a moment.</p>`,
}

// RenderTemplate substitutes the token whitelist into a template.
func RenderTemplate(tpl Template, data DunningData) (subject, html string) {
	r := strings.NewReplacer(
		"{{customer_name}}", displayName(data.CustomerName),
		"{{amount}}", FormatAmount(data.AmountDue, data.Currency),
		"{{update_url}}", data.UpdateURL,
	)
	return r.Replace(tpl.Subject), r.Replace(tpl.Body)
}

// ApplyBranding wraps rendered body HTML in the merchant's presentation:
// brand-colored header, optional logo, support footer.
func ApplyBranding(bodyHTML string, b Branding) string {
	color := b.BrandColor
	if color == "" {
		color = "#1a73e8"
	}
	name := b.FromName
	if name == "" {
		name = "Billing"
	}

	var sb strings.Builder
	sb.WriteString(`<div style="max-width:600px;margin:0 auto;font-family:sans-serif">`)
	sb.WriteString(fmt.Sprintf(`<div style="background:%s;padding:16px;text-align:center">`, color))
	if b.LogoURL != "" {
		sb.WriteString(fmt.Sprintf(`<img src="%s" alt="%s" style="max-height:40px">`, b.LogoURL, name))
	} else {
		sb.WriteString(fmt.Sprintf(`<span style="color:#fff;font-size:18px">%s</span>`, name))
	}
	sb.WriteString(`</div><div style="padding:24px">`)
	sb.WriteString(bodyHTML)
	sb.WriteString(`</div>`)
	if b.SupportEmail != "" {
		sb.WriteString(fmt.Sprintf(
			`<div style="padding:16px;color:#888;font-size:12px;text-align:center">Questions? Contact %s</div>`,
			b.SupportEmail))
	}
	sb.WriteString(`</div>`)
	return sb.String()
}

// WeeklyDigestData summarizes the trailing week for the operator digest.
type WeeklyDigestData struct {
	RecoveredCents int64
	EmailsSent     int64
	TotalOpens     int64
	TotalClicks    int64
}

// RenderWeeklyDigest builds the weekly summary email.
func RenderWeeklyDigest(d WeeklyDigestData) (subject, html, text string) {
	recovered := FormatAmount(d.RecoveredCents, "usd")
	subject = fmt.Sprintf("Your week in recovery: %s recovered", recovered)
	html = fmt.Sprintf(`<p>Here's what your payment recovery did this week:</p>
<ul>
<li><strong>%s</strong> recovered</li>
<li><strong>%d</strong> recovery emails sent</li>
<li><strong>%d</strong> opens, <strong>%d</strong> clicks</li>
</ul>`, recovered, d.EmailsSent, d.TotalOpens, d.TotalClicks)
	text = fmt.Sprintf("This week: %s recovered, %d emails sent, %d opens, %d clicks.",
		recovered, d.EmailsSent, d.TotalOpens, d.TotalClicks)
	return subject, html, text
}

// FormatAmount renders cents in a currency as customer-facing text.
func FormatAmount(cents int64, currency string) string {
	major := float64(cents) / 100
	switch strings.ToLower(currency) {
	case "usd", "":
		return fmt.Sprintf("$%.2f", major)
	case "eur":
		return fmt.Sprintf("€%.2f", major)
	case "gbp":
		return fmt.Sprintf("£%.2f", major)
	default:
		return fmt.Sprintf("%.2f %s", major, strings.ToUpper(currency))
	}
}

func displayName(name string) string {
	if name == "" {
		return "there"
	}
	return name
}

var strictPolicy = bluemonday.StrictPolicy()

// PlainText strips all markup, producing the text/plain alternative.
func PlainText(html string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(html))
}

// templatePolicy is the server-side allowlist for merchant-supplied
// template bodies: basic formatting and https links, nothing active.
var templatePolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "strong", "em", "b", "i", "u",
		"ul", "ol", "li", "h1", "h2", "h3", "blockquote", "div", "span")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https")
	p.RequireParseableURLs(true)
	return p
}()

// SanitizeTemplateHTML enforces the allowlist on merchant template bodies
// before they are stored. Substitution tokens survive as plain text.
func SanitizeTemplateHTML(body string) string {
	return templatePolicy.Sanitize(body)
}
