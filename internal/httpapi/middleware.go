package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"keyconnect/internal/clock"
	"keyconnect/internal/license"
)

// requestLogger attaches a request-scoped logger to the context and logs
// each request when it completes.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := middleware.GetReqID(r.Context())
			reqLogger := logger.With().Str("request_id", reqID).Logger()
			r = r.WithContext(reqLogger.WithContext(r.Context()))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			reqLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

const limiterIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client IP.
type clientLimiter struct {
	rps   rate.Limit
	burst int
	clock clock.Clock

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func newClientLimiter(rps float64, burst int, clk clock.Clock) *clientLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		clock:    clk,
		visitors: map[string]*visitor{},
	}
}

func (l *clientLimiter) allow(client string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > limiterIdleTTL {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}
	v, ok := l.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[client] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if host, _, err := net.SplitHostPort(client); err == nil {
			client = host
		}
		if !a.limiter.allow(client) {
			zerolog.Ctx(r.Context()).Warn().Str("client", client).Msg("connect rate limit exceeded")
			if a.metrics != nil {
				a.metrics.RateLimited()
			}
			w.Header().Set("Retry-After", "1")
			writeConnectFailure(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sellerCtxKey struct{}

// sellerAuth authenticates the seller with HTTP basic auth.
func (a *API) sellerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="seller"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), a.opts.StoreTimeout)
		defer cancel()
		r = r.WithContext(ctx)

		seller, err := a.manager.Authenticate(ctx, username, password)
		if errors.Is(err, license.ErrUnauthorized) {
			w.Header().Set("WWW-Authenticate", `Basic realm="seller"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		log := zerolog.Ctx(ctx).With().Str("seller", seller.Slug).Logger()
		ctx = log.WithContext(context.WithValue(ctx, sellerCtxKey{}, seller))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sellerFrom(ctx context.Context) license.Seller {
	seller, _ := ctx.Value(sellerCtxKey{}).(license.Seller)
	return seller
}
