package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// LoginRateLimit returns an HTTP middleware that throttles requests per
// IP address. It guards the unauthenticated login endpoint, which runs
// before the decision core and would otherwise be an unmetered
// password-guessing surface.
func LoginRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}
