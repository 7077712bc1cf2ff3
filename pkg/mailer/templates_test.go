package mailer_test

import (
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regainhq/regain/pkg/crypto"
	"github.com/regainhq/regain/pkg/mailer"
)

func TestRenderTemplateSubstitutesTokens(t *testing.T) {
	subject, html := mailer.RenderTemplate(mailer.DefaultDunning(1), mailer.DunningData{
		CustomerName: "Ada",
		AmountDue:    4200,
		Currency:     "usd",
		UpdateURL:    "https://pay.example.com/inv_1",
	})

	assert.NotContains(t, subject, "{{")
	assert.NotContains(t, html, "{{")
	assert.Contains(t, html, "Ada")
	assert.Contains(t, html, "$42.00")
	assert.Contains(t, html, `href="https://pay.example.com/inv_1"`)
}

func TestRenderTemplateEmptyName(t *testing.T) {
	_, html := mailer.RenderTemplate(mailer.DefaultDunning(2), mailer.DunningData{AmountDue: 100, Currency: "eur"})
	assert.Contains(t, html, "Hi there")
	assert.Contains(t, html, "€1.00")
}

func TestDefaultDunningClampsAttempt(t *testing.T) {
	assert.Equal(t, mailer.DefaultDunning(3), mailer.DefaultDunning(7))
	assert.Equal(t, mailer.DefaultDunning(1), mailer.DefaultDunning(0))
	assert.NotEqual(t, mailer.DefaultDunning(1).Subject, mailer.DefaultDunning(3).Subject)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "$19.99", mailer.FormatAmount(1999, "usd"))
	assert.Equal(t, "£0.50", mailer.FormatAmount(50, "GBP"))
	assert.Equal(t, "12.00 SEK", mailer.FormatAmount(1200, "sek"))
}

func TestApplyBranding(t *testing.T) {
	out := mailer.ApplyBranding("<p>body</p>", mailer.Branding{
		FromName:     "Acme",
		BrandColor:   "#ff0000",
		LogoURL:      "https://cdn.example.com/logo.png",
		SupportEmail: "help@acme.test",
	})
	assert.Contains(t, out, "#ff0000")
	assert.Contains(t, out, "https://cdn.example.com/logo.png")
	assert.Contains(t, out, "help@acme.test")
	assert.Contains(t, out, "<p>body</p>")

	// Zero branding still produces a complete document.
	out = mailer.ApplyBranding("<p>body</p>", mailer.Branding{})
	assert.Contains(t, out, "Billing")
}

func TestSanitizeTemplateHTML(t *testing.T) {
	dirty := `<p onclick="steal()">Hi {{customer_name}}</p>` +
		`<script>alert(1)</script>` +
		`<a href="javascript:alert(1)">bad</a>` +
		`<a href="https://ok.example.com">good</a>` +
		`<img src="https://x.example.com/pixel.gif">`
	clean := mailer.SanitizeTemplateHTML(dirty)

	assert.NotContains(t, clean, "script")
	assert.NotContains(t, clean, "onclick")
	assert.NotContains(t, clean, "javascript:")
	assert.NotContains(t, clean, "<img")
	assert.Contains(t, clean, `https://ok.example.com`)
	assert.Contains(t, clean, "{{customer_name}}", "tokens survive sanitization")
}

func TestTrackerInstrument(t *testing.T) {
	signer := crypto.NewTrackingSigner("tracking-secret")
	tracker := mailer.NewTracker("https://app.regain.dev", signer)

	html := `<p><a href="https://pay.example.com/inv_1">Update card</a></p>`
	out := tracker.Instrument(html, 77)

	assert.Contains(t, out, "https://app.regain.dev/track/open/77")
	assert.NotContains(t, out, `href="https://pay.example.com/inv_1"`, "raw target replaced")

	// The click link round-trips through the signer.
	start := strings.Index(out, `href="`) + len(`href="`)
	end := strings.Index(out[start:], `"`) + start
	link, err := url.Parse(strings.ReplaceAll(out[start:end], "&amp;", "&"))
	require.NoError(t, err)
	q := link.Query()
	assert.Equal(t, "https://pay.example.com/inv_1", q.Get("url"))
	logID, err := strconv.ParseInt(q.Get("logId"), 10, 64)
	require.NoError(t, err)
	assert.True(t, signer.Verify(q.Get("url"), logID, q.Get("sig")))
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "Hello world", mailer.PlainText("<p>Hello <b>world</b></p>"))
}

func TestRenderWeeklyDigest(t *testing.T) {
	subject, html, text := mailer.RenderWeeklyDigest(mailer.WeeklyDigestData{
		RecoveredCents: 129900,
		EmailsSent:     14,
		TotalOpens:     9,
		TotalClicks:    3,
	})
	assert.Contains(t, subject, "$1299.00")
	assert.Contains(t, html, "14")
	assert.Contains(t, text, "9 opens")
}
