package api

import (
	"net/http"
	"strconv"

	apperrors "github.com/trenches-waitlist/internal/errors"
	"github.com/trenches-waitlist/internal/ratelimit"
	"github.com/trenches-waitlist/internal/types"
)

// Rate limit response headers
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// AdmissionMiddleware charges each request to the caller's budget for
// class. Rejected requests get a 429 and never reach next.
func AdmissionMiddleware(admitter Admitter, class types.EndpointClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			decision := admitter.Admit(r.Context(), ratelimit.ClientIdentifier(r), class)
			writeRateLimitHeaders(w, decision)

			if !decision.Admitted {
				retryAfter := decision.RetryAfter(admitter.Now())
				w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfter))
				respondCategorizedError(w, r, apperrors.NewRateLimitError(retryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitHeaders translates a decision into response headers.
// The reset header is an absolute Unix time in milliseconds.
func writeRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(d.Reset.UnixMilli(), 10))
}
