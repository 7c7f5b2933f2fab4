package fetch

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// challengeMarkers identify human-verification interstitials. They are
// matched case-insensitively against the body.
var challengeMarkers = [][]byte{
	[]byte("gs_captcha"),
	[]byte("g-recaptcha"),
	[]byte("captcha-form"),
	[]byte("unusual traffic"),
	[]byte("not a robot"),
	[]byte("please show you're not a robot"),
}

// challengePaths identify redirects to verification pages.
var challengePaths = []string{"/sorry/", "/sorry?", "/recaptcha/"}

// Classify maps a fetch result to an outcome. Challenges are checked before
// status codes because verification pages are often served with 429 or 503.
func Classify(status int, body []byte, finalURL string, err error) storage.Outcome {
	if isChallenge(body, finalURL) {
		return storage.OutcomeChallenge
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		return storage.OutcomeRateLimited
	}
	if err != nil || status < 200 || status > 299 {
		return storage.OutcomeNetworkError
	}
	return storage.OutcomeSuccess
}

func isChallenge(body []byte, finalURL string) bool {
	lower := strings.ToLower(finalURL)
	for _, p := range challengePaths {
		if strings.Contains(lower, p) {
			return true
		}
	}
	if len(body) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, m := range challengeMarkers {
		if bytes.Contains(lowerBody, m) {
			return true
		}
	}
	return false
}
