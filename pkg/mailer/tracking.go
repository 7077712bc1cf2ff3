package mailer

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"github.com/regainhq/regain/pkg/crypto"
)

var hrefRe = regexp.MustCompile(`href="([^"]+)"`)

// Tracker rewrites rendered email HTML so opens and clicks flow back to
// the usage log that produced the send. Click targets are HMAC-signed;
// the redirect endpoint refuses anything it did not sign.
type Tracker struct {
	baseURL string
	signer  *crypto.TrackingSigner
}

func NewTracker(baseURL string, signer *crypto.TrackingSigner) *Tracker {
	return &Tracker{baseURL: baseURL, signer: signer}
}

// OpenPixelURL is the 1×1 GIF endpoint for a usage log.
func (t *Tracker) OpenPixelURL(logID int64) string {
	return fmt.Sprintf("%s/track/open/%d", t.baseURL, logID)
}

// ClickURL wraps a target in the signed redirect endpoint.
func (t *Tracker) ClickURL(target string, logID int64) string {
	q := url.Values{}
	q.Set("url", target)
	q.Set("logId", strconv.FormatInt(logID, 10))
	q.Set("sig", t.signer.Sign(target, logID))
	return t.baseURL + "/track/click?" + q.Encode()
}

// Instrument rewrites every anchor href into a signed click link and
// appends the open pixel.
func (t *Tracker) Instrument(html string, logID int64) string {
	out := hrefRe.ReplaceAllStringFunc(html, func(match string) string {
		target := hrefRe.FindStringSubmatch(match)[1]
		return `href="` + t.ClickURL(target, logID) + `"`
	})
	return out + fmt.Sprintf(`<img src="%s" width="1" height="1" alt="">`, t.OpenPixelURL(logID))
}
