package console

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/regainhq/regain/pkg/api"
	"github.com/regainhq/regain/pkg/crypto"
	"github.com/regainhq/regain/pkg/store"
)

// pixelGIF is a 1×1 transparent GIF.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Tracking serves the unauthenticated open-pixel and click-redirect
// endpoints. Click targets carry an HMAC from the instrumented email; a
// bad signature is treated as an attack, not a user error.
type Tracking struct {
	usage  *store.UsageStore
	signer *crypto.TrackingSigner
	logger *slog.Logger
}

func NewTracking(usage *store.UsageStore, signer *crypto.TrackingSigner, logger *slog.Logger) *Tracking {
	return &Tracking{usage: usage, signer: signer, logger: logger.With("component", "tracking")}
}

// HandleOpen records the first open and serves the pixel. The pixel is
// served no matter what: a tracking miss must never break an email render.
func (t *Tracking) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if logID, err := strconv.ParseInt(r.PathValue("logId"), 10, 64); err == nil {
		if err := t.usage.RecordOpen(r.Context(), logID); err != nil {
			t.logger.Debug("open tracking miss", "log_id", logID, "error", err)
		}
	}
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF)
}

// HandleClick verifies the signature, records the click and redirects.
func (t *Tracking) HandleClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("url")
	sig := q.Get("sig")
	logID, err := strconv.ParseInt(q.Get("logId"), 10, 64)
	if target == "" || sig == "" || err != nil {
		api.WriteBadRequest(w, "url, logId and sig are required")
		return
	}
	if !t.signer.Verify(target, logID, sig) {
		t.logger.Warn("click tracking signature mismatch",
			"log_id", logID, "ip", api.ClientIP(r))
		api.WriteForbidden(w, "invalid signature")
		return
	}
	if err := t.usage.RecordClick(r.Context(), logID); err != nil {
		t.logger.Debug("click tracking miss", "log_id", logID, "error", err)
	}
	http.Redirect(w, r, target, http.StatusFound)
}
