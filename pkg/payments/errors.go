package payments

import (
	"errors"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
)

// The reporter sorts provider failures into three buckets: idempotent
// replays (success), permanent errors (mark reported, isolate the poison
// pill) and everything else (transient, retry next cycle).

// IsIdempotencyReplay reports whether the provider rejected the call
// because the idempotency key was already used: the unit is reported.
func IsIdempotencyReplay(err error) bool {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return false
	}
	return string(serr.Code) == "idempotency_key_in_use"
}

// IsPermanent reports whether retrying the same call can never succeed:
// client errors (4xx except rate limits), invalid requests and resource_*
// codes. Permanent failures are marked reported so one bad row cannot
// wedge the queue.
func IsPermanent(err error) bool {
	if IsIdempotencyReplay(err) {
		return false
	}
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return false
	}
	if serr.HTTPStatusCode == http.StatusTooManyRequests {
		return false
	}
	if serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 {
		return true
	}
	if serr.Type == stripe.ErrorTypeInvalidRequest {
		return true
	}
	return strings.HasPrefix(string(serr.Code), "resource_")
}
