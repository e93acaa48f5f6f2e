package http

import (
	"math"
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stephnangue/capsule/audit"
	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimitClients bounds how many client limiters are kept.
	DefaultRateLimitClients = 4096

	tooManyRequestsBody = "Too many requests."
)

// clientLimiters hands out one token bucket per client address, evicting
// the least recently seen clients.
type clientLimiters struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newClientLimiters(perSecond float64, burst, size int) *clientLimiters {
	if burst < 1 {
		burst = int(math.Max(1, math.Ceil(perSecond)))
	}
	if size <= 0 {
		size = DefaultRateLimitClients
	}
	// only fails for a non-positive size
	cache, _ := lru.New[string, *rate.Limiter](size)
	return &clientLimiters{
		limiters: cache,
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (c *clientLimiters) allow(client string) bool {
	c.mu.Lock()
	l, ok := c.limiters.Get(client)
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters.Add(client, l)
	}
	c.mu.Unlock()
	return l.Allow()
}

// clientAddress strips the port from the remote address, which RealIP may
// already have replaced with a bare forwarded address.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limitPrivate rejects requests resolving below the private prefix with
// 429 once a client exceeds its rate. Public paths are never limited.
func limitPrivate(prefix string, limiters *clientLimiters) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if audit.IsPrivate(prefix, r.URL.EscapedPath()) && !limiters.allow(clientAddress(r)) {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(tooManyRequestsBody))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
