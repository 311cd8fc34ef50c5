// Package httpapi is the JSON boundary through which a host server reports
// sessions and forwards referral commands.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/referra/internal/ledger"
	"github.com/roach88/referra/internal/metrics"
	"github.com/roach88/referra/internal/referral"
)

// Sessions receives session lifecycle reports.
type Sessions interface {
	SessionStarted(id referral.UserID, name, address string, accumulated time.Duration) (ledger.Confirmation, *ledger.Ack)
	Heartbeat(id referral.UserID, accumulated time.Duration)
	SessionEnded(id referral.UserID) bool
}

// Config captures the dependencies of the server.
type Config struct {
	Ledger   *ledger.Ledger
	Sessions Sessions
	// Reload re-reads configuration. Nil disables the endpoint.
	Reload  func(ctx context.Context) error
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// PersistWait bounds how long mutating requests wait for the durable write.
	PersistWait           time.Duration
	ReferralRatePerMinute float64
	ReferralBurst         int
}

// Server serves the API.
type Server struct {
	ledger      *ledger.Ledger
	sessions    Sessions
	reload      func(ctx context.Context) error
	metrics     *metrics.Metrics
	logger      *slog.Logger
	persistWait time.Duration
	limiter     *RateLimiter

	router http.Handler
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	s := &Server{
		ledger:      cfg.Ledger,
		sessions:    cfg.Sessions,
		reload:      cfg.Reload,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		persistWait: cfg.PersistWait,
		limiter:     NewRateLimiter(cfg.ReferralRatePerMinute, cfg.ReferralBurst),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Post("/sessions", s.startSession)
		api.Put("/sessions/{id}", s.heartbeat)
		api.Delete("/sessions/{id}", s.endSession)

		api.With(s.limiter.Middleware).Post("/referrals", s.addReferral)

		api.Get("/users/{id}", s.getUser)
		api.Put("/users/{id}/enabled", s.setEnabled)
		api.With(s.limiter.Middleware).Post("/users/{id}/claim", s.claim)

		api.Get("/top", s.top)

		api.Route("/admin", func(admin chi.Router) {
			admin.Post("/users/{id}/reset", s.reset)
			admin.Get("/users/{id}/same-address", s.sameAddress)
			admin.Post("/reload", s.reloadConfig)
		})
	})
	return r
}

// observe records request counts and latency by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(route, r.Method, status, time.Since(start))
		s.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"request_id", chimw.GetReqID(r.Context()),
			"elapsed", time.Since(start))
	})
}

// awaitAck waits briefly for the durable write behind a mutation. It returns
// the retry message when the write failed; a slow write is not reported.
func (s *Server) awaitAck(ctx context.Context, ack *ledger.Ack) string {
	if ack == nil || s.persistWait <= 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, s.persistWait)
	defer cancel()
	err := ack.Wait(ctx)
	switch {
	case err == nil:
		return ""
	case ledger.IsPersistError(err), errors.Is(err, ledger.ErrClosed):
		return ledger.RetryMessage
	default:
		return ""
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
