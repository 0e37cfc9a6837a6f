package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/AlexKimmel/tokengate/internal/auth"
	"github.com/AlexKimmel/tokengate/internal/bucket"
	"github.com/AlexKimmel/tokengate/internal/ratelimit"
)

// Checker is the part of ratelimit.Service the HTTP layer needs.
type Checker interface {
	CheckN(ctx context.Context, clientID, resource string, cost float64) (bucket.Result, error)
}

// RateLimit charges one token per request against (client, path) and
// rejects with 429 when the bucket is empty.
func RateLimit(c Checker, skipPaths map[string]struct{}) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			res, err := c.CheckN(r.Context(), auth.ClientID(r), r.URL.Path, 1)
			if err != nil {
				writeCheckError(w, err)
				return
			}

			setHeaders(w.Header(), res)
			if !res.Allowed {
				auth.WriteError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(h http.Header, res bucket.Result) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt, 10))
	if !res.Allowed {
		h.Set("Retry-After", strconv.FormatInt(res.RetryAfter, 10))
	}
}

func writeCheckError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrInvalidRequest):
		auth.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		auth.WriteError(w, http.StatusServiceUnavailable, "canceled", "request canceled")
	default:
		auth.WriteError(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
	}
}
