package httpapi

import (
	"log"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	IPPerMinute    int
	IPBurst        int
	CodePerMinute  int
	CodeBurst      int
	// TrustedProxies lists addresses or CIDR ranges whose X-Forwarded-For
	// header is believed. Without it the header is ignored.
	TrustedProxies []string
}

// RateLimiter throttles by client IP, and additionally by tracking code on
// the public lookup and OTP endpoints so a single code cannot be hammered
// from many addresses.
type RateLimiter struct {
	ipLimiter   *tokenLimiter
	codeLimiter *tokenLimiter
	trusted     []netip.Prefix
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:   newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst),
		codeLimiter: newTokenLimiter(cfg.CodePerMinute, cfg.CodeBurst),
		trusted:     parseTrustedProxies(cfg.TrustedProxies),
	}
}

func parseTrustedProxies(values []string) []netip.Prefix {
	var prefixes []netip.Prefix
	for _, value := range values {
		if prefix, err := netip.ParsePrefix(value); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(value)
		if err != nil {
			log.Printf("ignoring trusted proxy %q: %v", value, err)
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes
}

func (l *RateLimiter) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range l.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		if code := limitedCode(r); code != "" && !l.codeLimiter.allow(code) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type tokenLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*bucket
	now    func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &tokenLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
		now:    time.Now,
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

// sweep drops buckets idle long enough to have refilled completely.
func (l *tokenLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	full := time.Duration(l.burst/l.rate*float64(time.Second)) + time.Minute
	now := l.now()
	for key, b := range l.bucket {
		if now.Sub(b.last) > full {
			delete(l.bucket, key)
		}
	}
}

// Sweep releases idle buckets. It is meant to run on a ticker.
func (l *RateLimiter) Sweep() {
	l.ipLimiter.sweep()
	l.codeLimiter.sweep()
}

// clientIP is the peer address, unless the peer is a trusted proxy. Then
// X-Forwarded-For is walked from the right and the first hop that is not a
// trusted proxy wins; hops further left are client supplied.
func (l *RateLimiter) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !l.isTrusted(host) {
		return host
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !l.isTrusted(hop) {
			return hop
		}
		host = hop
	}
	return host
}

func limitedCode(r *http.Request) string {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/api/track/"); ok {
		return strings.ToUpper(strings.Trim(rest, "/"))
	}
	code, action, ok := splitTicketPath(r.URL.Path, "/api/tickets/")
	if ok && (action == "otp" || action == "status") && r.Method == http.MethodPost {
		return strings.ToUpper(code)
	}
	return ""
}
