// Package retry classifies failed fetch attempts and computes backoff delays.
package retry

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/tidwall/gjson"

	"guidefetch/internal/core"
)

// MinPayloadSize is the smallest response body accepted as a valid payload.
const MinPayloadSize = 10

// wafMarkers are fragments of challenge and block pages served by the
// upstream's anti-automation layer.
var wafMarkers = [][]byte{
	[]byte("Human Verification"),
	[]byte("captcha-container"),
	[]byte("AwsWafIntegration"),
	[]byte("403 Forbidden"),
	[]byte("Access Denied"),
	[]byte("challenge.js"),
	[]byte("cloudflare"),
	[]byte("DDoS protection"),
}

// IsChallengePage reports whether body looks like a WAF block or challenge page.
// Valid JSON is never a challenge page.
func IsChallengePage(body []byte) bool {
	if len(body) == 0 || gjson.ValidBytes(body) {
		return false
	}
	for _, m := range wafMarkers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}

// ValidPayload reports whether body is structurally acceptable for caching.
func ValidPayload(body []byte) bool {
	return len(body) >= MinPayloadSize && gjson.ValidBytes(body)
}

// Classify maps a transport error or an HTTP response to an error class.
// A nil err with a 2xx status and a valid payload is not a failure; callers
// should not classify it.
func Classify(err error, status int, body []byte) core.ErrorClass {
	if err != nil {
		var fe *core.FetchError
		if errors.As(err, &fe) {
			return fe.Class
		}
		// Network errors and timeouts
		return core.ErrorClassTransient
	}

	switch {
	case status == http.StatusTooManyRequests:
		return core.ErrorClassRateLimited
	case status == http.StatusForbidden:
		return core.ErrorClassBlocked
	case IsChallengePage(body):
		return core.ErrorClassBlocked
	case status == http.StatusRequestTimeout || status == http.StatusTooEarly:
		return core.ErrorClassTransient
	case status >= 500:
		return core.ErrorClassTransient
	case status >= 400:
		// 400, 404, 410 and the rest: the request itself is wrong or the key
		// does not exist.
		return core.ErrorClassFatal
	default:
		// 2xx/3xx with an unusable body
		return core.ErrorClassTransient
	}
}

// IsNotification reports whether failures of class must reduce concurrency in
// addition to being retried.
func IsNotification(class core.ErrorClass) bool {
	return class == core.ErrorClassRateLimited || class == core.ErrorClassBlocked
}
