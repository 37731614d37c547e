package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/service"
)

// APIKeyHeader carries the credential pair as "<key_id>.<secret>".
// Neither half contains a dot, so the first dot is the separator.
const APIKeyHeader = "X-API-Key"

// KeyContextKey is the context key for the validated API key record.
const KeyContextKey contextKeyAuth = "api_key"

// Guard returns an HTTP middleware that runs every request through the
// decision core: credential check, lifecycle check, then rate limits.
// Allowed requests proceed with the key record on the context and
// X-RateLimit-* headers set; denied requests get the JSON decision with
// the status the reason maps to. requiredScope may be empty.
func Guard(decide *service.Decision, requiredScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID, secret, ok := splitCredential(r.Header.Get(APIKeyHeader))
			if !ok {
				writeDecision(w, model.Deny(model.ReasonInvalidCredential))
				return
			}

			d := decide.Decide(r.Context(), service.Request{
				KeyID:         keyID,
				Secret:        secret,
				IP:            clientIP(r),
				Endpoint:      r.URL.Path,
				RequiredScope: requiredScope,
			})

			setRateLimitHeaders(w, d)
			if !d.Allowed {
				writeDecision(w, d)
				return
			}

			ctx := context.WithValue(r.Context(), KeyContextKey, d.Key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAPIKey extracts the validated key record from the context. Returns
// nil outside a Guard-protected route.
func GetAPIKey(ctx context.Context) *model.APIKey {
	if k, ok := ctx.Value(KeyContextKey).(*model.APIKey); ok {
		return k
	}
	return nil
}

func splitCredential(header string) (keyID, secret string, ok bool) {
	keyID, secret, ok = strings.Cut(header, ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

// clientIP returns the peer address without the port. The RealIP
// middleware has already rewritten RemoteAddr when the request came
// through a trusted proxy.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// setRateLimitHeaders advertises the limit state whenever limits were
// evaluated. Decisions reached before the limiter ran (credential and
// lifecycle denials, fail-open skips, empty rule sets) carry no
// algorithm and get no limit headers.
func setRateLimitHeaders(w http.ResponseWriter, d model.Decision) {
	if d.Algorithm == "" {
		return
	}
	if d.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	}
	if d.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	}
	if d.ResetAt != nil {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.Algorithm != "" {
		w.Header().Set("X-RateLimit-Algorithm", string(d.Algorithm))
	}
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(d.RetryAfter, 10))
	}
}

// writeDecision renders a denial in the standard error envelope alongside
// the machine-readable decision fields.
func writeDecision(w http.ResponseWriter, d model.Decision) {
	status := d.StatusHint
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":{"code":` + httpStatusString(status) + `,"message":"` + d.Reason + `"}}`))
}
