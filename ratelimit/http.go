package ratelimit

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/metrics"
)

// SetHeaders writes the X-RateLimit-* headers for res, plus Retry-After when
// the request was denied.
func SetHeaders(h http.Header, res Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
}

// Middleware admits requests within the limiter's budget and answers 429
// otherwise.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := l.Subject(r)
			res, err := l.Allow(r.Context(), subject)
			if err != nil {
				l.m.logger.ErrorContext(r.Context(), "rate limit check failed", "rule", l.rule.Name, "error", err)
				if l.m.cfg.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}

			SetHeaders(w.Header(), res)
			if !res.Allowed {
				l.m.audit.LogSecurityEvent(r.Context(), audit.EventRateLimited, audit.SeverityMedium,
					"rate limit exceeded", l.m.ipOf(r),
					map[string]string{"rule": l.rule.Name, "subject": subject, "path": r.URL.Path})
				http.Error(w, ErrRateLimitExceeded.Error(), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BanCheck rejects requests whose IP, user id or JSON body email is banned.
// The body is restored for the next handler.
func (m *Manager) BanCheck() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ids := []string{m.ipOf(r)}
			if m.userOf != nil {
				ids = append(ids, m.userOf(r))
			}
			if email := m.bodyEmail(r); email != "" {
				ids = append(ids, email)
			}

			for _, id := range ids {
				ban, err := m.IsBanned(r.Context(), id)
				if err != nil {
					m.logger.ErrorContext(r.Context(), "ban lookup failed", "error", err)
					if m.cfg.FailOpen {
						continue
					}
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				if ban != nil {
					m.m.Inc(metrics.BanRejected)
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bodyEmail peeks at a JSON body for an "email" field. r.Body is replaced
// so downstream handlers read the same bytes.
func (m *Manager) bodyEmail(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return ""
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, m.cfg.MaxBodyBytes))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil {
		return ""
	}

	var payload struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(buf, &payload) != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(payload.Email))
}
