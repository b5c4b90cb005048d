package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/MrEthical07/sessionguard/audit"
	"github.com/MrEthical07/sessionguard/metrics"
)

type proxySet []netip.Prefix

func parseProxies(entries []string) (proxySet, error) {
	out := make(proxySet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("middleware: trusted proxy %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("middleware: trusted proxy %q: %w", e, err)
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, nil
}

func (ps proxySet) trusted(addr string) bool {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range ps {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// clientIP returns RemoteAddr unless it is a trusted proxy, in which case
// X-Forwarded-For is walked from the right and the first untrusted hop wins.
func (ps proxySet) clientIP(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	if len(ps) == 0 || !ps.trusted(remote) {
		return remote
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			// garbage in the chain; stop at the last hop we could verify
			return remote
		}
		if !ps.trusted(hop) {
			return hop
		}
		remote = hop
	}
	return remote
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// deviceFingerprint digests the headers a browser sends unchanged for the
// lifetime of a session.
func deviceFingerprint(r *http.Request) string {
	h, _ := blake2b.New256(nil)
	for _, name := range []string{"User-Agent", "Accept-Language", "Accept-Encoding", "Sec-CH-UA-Platform"} {
		h.Write([]byte(r.Header.Get(name)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DeviceFingerprint exposes the digest used by the pipeline so login
// handlers can bind a session to it.
func DeviceFingerprint(r *http.Request) string {
	return deviceFingerprint(r)
}

func sameString(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func hasBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return false
	}
	return r.ContentLength > 0 || (r.ContentLength < 0 && r.Body != nil && r.Body != http.NoBody)
}

func (s *Security) checkIntegrity(w http.ResponseWriter, r *http.Request) bool {
	if !hasBody(r) {
		return true
	}

	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if _, ok := s.allowed[mt]; err != nil || !ok {
		s.metrics.Inc(metrics.MiddlewareIntegrityRejected)
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return false
	}
	if r.ContentLength > s.cfg.MaxBodyBytes {
		s.metrics.Inc(metrics.MiddlewareIntegrityRejected)
		http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	return true
}

var automationAgents = []string{
	"curl", "wget", "python-requests", "python-urllib", "go-http-client", "httpclient",
	"headless", "phantomjs", "selenium", "puppeteer", "playwright", "scrapy", "bot", "spider", "crawler",
}

// automationScore counts bot indicators on r.
func automationScore(r *http.Request) int {
	score := 0
	ua := strings.ToLower(r.UserAgent())
	if ua == "" {
		score++
	} else {
		for _, a := range automationAgents {
			if strings.Contains(ua, a) {
				score++
				break
			}
		}
	}
	for _, h := range []string{"Accept", "Accept-Language", "Accept-Encoding"} {
		if r.Header.Get(h) == "" {
			score++
		}
	}
	return score
}

func (s *Security) checkAutomation(w http.ResponseWriter, r *http.Request, ip string) bool {
	if s.cfg.AutomationThreshold == 0 {
		return true
	}
	if s.cfg.AutomationSkipBearer {
		if _, ok := bearerToken(r.Header.Get("Authorization")); ok {
			return true
		}
	}
	score := automationScore(r)
	if score < s.cfg.AutomationThreshold {
		return true
	}

	s.metrics.Inc(metrics.MiddlewareAutomationChallenged)
	s.audit.LogSecurityEvent(r.Context(), audit.EventAutomationSuspected, audit.SeverityMedium,
		"automated client suspected", ip, map[string]string{
			"score":      fmt.Sprint(score),
			"user_agent": r.UserAgent(),
			"path":       r.URL.Path,
		})
	w.Header().Set("X-Challenge-Required", "true")
	http.Error(w, "challenge required", http.StatusForbidden)
	return false
}

func safeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// checkCSRF verifies the double-submit cookie on unsafe requests and hands
// out a cookie on safe ones.
func (s *Security) checkCSRF(w http.ResponseWriter, r *http.Request, ip string) bool {
	if !s.cfg.CSRFEnabled {
		return true
	}
	if _, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return true
	}

	cookie, err := r.Cookie(s.cfg.CSRFCookieName)
	if safeMethod(r.Method) {
		if err != nil || cookie.Value == "" {
			if err := s.IssueCSRFCookie(w, r); err != nil {
				s.logger.ErrorContext(r.Context(), "csrf cookie generation failed", "error", err)
			}
		}
		return true
	}

	header := r.Header.Get(s.cfg.CSRFHeaderName)
	if err == nil && cookie.Value != "" && header != "" && sameString(cookie.Value, header) {
		return true
	}

	s.metrics.Inc(metrics.MiddlewareCSRFRejected)
	s.audit.LogSecurityEvent(r.Context(), audit.EventAccessDenied, audit.SeverityMedium,
		"csrf token missing or invalid", ip, map[string]string{"path": r.URL.Path, "method": r.Method})
	http.Error(w, "forbidden", http.StatusForbidden)
	return false
}

// IssueCSRFCookie sets a fresh double-submit cookie. Clients echo its value
// in the CSRF header on unsafe requests.
func (s *Security) IssueCSRFCookie(w http.ResponseWriter, r *http.Request) error {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CSRFCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(b[:]),
		Path:     "/",
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}
