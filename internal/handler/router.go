package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailer-service/internal/auth"
	"mailer-service/internal/config"
	"mailer-service/internal/ratelimit"
	"mailer-service/internal/util"
)

// RouteRegistrar mounts a handler's routes under /api.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// HealthChecker is implemented by every backing client.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RequestLimiter wraps handlers with admission control.
type RequestLimiter interface {
	Middleware(cfg ratelimit.MiddlewareConfig) func(http.Handler) http.Handler
}

// RouterDeps are the collaborators the HTTP surface needs.
type RouterDeps struct {
	Config   *config.Config
	Issuer   *auth.TokenIssuer
	Limiter  RequestLimiter
	Health   map[string]HealthChecker
	Handlers []RouteRegistrar
	Logger   *zap.Logger
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(deps RouterDeps) chi.Router {
	cfg := deps.Config
	logger := deps.Logger
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", ratelimit.HeaderRetryAfter, ratelimit.HeaderLimit, ratelimit.HeaderRemaining, ratelimit.HeaderReset},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Identity must be resolved before the limiter keys on it.
	router.Use(deps.Issuer.Identify)
	if deps.Limiter != nil {
		router.Use(deps.Limiter.Middleware(ratelimit.MiddlewareConfig{
			Cost: ratelimit.PathCost(cfg.RateLimit.DefaultCost, cfg.RateLimit.HeavyCost, cfg.RateLimit.HeavyPaths),
			Skip: ratelimit.SkipPaths(cfg.RateLimit.SkipPaths),
			Key:  ratelimit.IdentityKey(auth.RequestIdentity, cfg.RateLimit.AnonymousKey, cfg.RateLimit.AnonymousPerIP),
		}))
	}

	router.Get("/health", healthHandler(deps.Health, logger))
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		for _, h := range deps.Handlers {
			h.RegisterRoutes(r)
		}
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"status_code":404,"error":"endpoint not found"}`))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"success":false,"status_code":405,"error":"method not allowed"}`))
	})

	return router
}

func healthHandler(checks map[string]HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]string, len(checks))
		for name, c := range checks {
			if err := c.HealthCheck(ctx); err != nil {
				components[name] = err.Error()
				status = http.StatusServiceUnavailable
				logger.Warn("Health check failed", util.String("component", name), util.ErrorField(err))
				continue
			}
			components[name] = "ok"
		}

		body := map[string]interface{}{"status": "healthy", "service": "mailer-service", "components": components}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := logger.With(util.String("request_id", middleware.GetReqID(r.Context())))
			r = r.WithContext(util.WithLogger(r.Context(), reqLogger))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				reqLogger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
