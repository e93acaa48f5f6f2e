// Package http serves the public tree, including the mirrored private
// resources under their capability URLs, and captures private accesses for
// auditing.
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stephnangue/capsule/audit"
	"github.com/stephnangue/capsule/logger"
)

// HandlerProperties contains configuration for the HTTP handler
type HandlerProperties struct {
	Responder *Responder
	// PrivatePrefix is the first path segment of capability URLs.
	PrivatePrefix string
	Queue         *audit.Queue
	// RateLimit is the number of private requests per second allowed to a
	// single client; zero disables limiting.
	RateLimit float64
	RateBurst int
	Logger    logger.Logger
}

// Handler creates and returns the main HTTP handler.
func Handler(props *HandlerProperties) http.Handler {
	log := props.Logger
	if log == nil {
		log = logger.NopLogger()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)
	if props.RateLimit > 0 && props.PrivatePrefix != "" {
		r.Use(limitPrivate(props.PrivatePrefix, newClientLimiters(props.RateLimit, props.RateBurst, DefaultRateLimitClients)))
	}
	if props.Queue != nil && props.PrivatePrefix != "" {
		r.Use(captureAccess(props.PrivatePrefix, props.Queue))
	}

	r.Get("/", props.Responder.ServeHTTP)
	r.Get("/*", props.Responder.ServeHTTP)

	return r
}

// captureAccess queues an access event for every request that resolves
// below the private prefix to a token and a resource. It never rejects a
// request.
func captureAccess(prefix string, queue *audit.Queue) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ev, ok := audit.ParseAccess(prefix, r.URL.EscapedPath()); ok {
				queue.Push(ev)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one line per request at debug level, since paths may
// carry capability tokens.
func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				log.Debug("request served",
					logger.String("request_id", middleware.GetReqID(r.Context())),
					logger.String("method", r.Method),
					logger.String("path", r.URL.Path),
					logger.Int("status", ww.Status()),
					logger.Int("bytes", ww.BytesWritten()),
					logger.Duration("duration", time.Since(start)),
					logger.String("remote_addr", r.RemoteAddr),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
