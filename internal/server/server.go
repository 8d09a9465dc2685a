// Package server assembles the gateway: middleware chain, static routes,
// the dynamic proxy and the background sweeps.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/sokoni/bff/internal/aggregate"
	"github.com/sokoni/bff/internal/cache"
	"github.com/sokoni/bff/internal/config"
	"github.com/sokoni/bff/internal/httputil"
	"github.com/sokoni/bff/internal/logging"
	"github.com/sokoni/bff/internal/metrics"
	"github.com/sokoni/bff/internal/middleware"
	"github.com/sokoni/bff/internal/proxy"
	"github.com/sokoni/bff/internal/push"
)

const (
	bucketSweepIdle = 10 * time.Minute
	shutdownGrace   = 10 * time.Second
)

// Server is the assembled gateway process.
type Server struct {
	cfg    *config.Config
	logger *logging.Logger
	router *mux.Router
	cron   *cron.Cron

	bucketLimiter *middleware.BucketLimiter // nil when the redis backend is active
	memCache      *cache.Memory             // nil when the redis cache is active
}

// New wires every component and builds the router. Redis is optional: when
// REDIS_URL is unset or unreachable the in-process backends take over.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	rdb := dialRedis(cfg.RedisURL, logger)

	table, err := proxy.NewRouteTable(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("build route table: %w", err)
	}

	forwarder := httputil.NewForwarder(httputil.ForwarderConfig{
		Timeout: 10 * time.Second,
		Logger:  logger,
	})

	verifier := middleware.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTEnforce, logger)

	s := &Server{cfg: cfg, logger: logger, cron: cron.New()}

	var limiter middleware.Limiter
	if rdb != nil {
		limiter = middleware.NewRedisLimiter(rdb, "rl", logger)
	} else {
		s.bucketLimiter = middleware.NewBucketLimiter()
		limiter = s.bucketLimiter
	}

	var responseCache cache.Store
	if rdb != nil {
		responseCache = cache.NewRedis(rdb, "aggcache")
	} else {
		s.memCache = cache.NewMemory()
		responseCache = s.memCache
	}

	var pushStore push.Store
	if rdb != nil {
		pushStore = push.NewRedisStore(rdb)
	} else {
		pushStore = push.NewMemoryStore()
	}

	agg := aggregate.New(aggregate.Config{
		Table:        table,
		Forwarder:    forwarder,
		Cache:        responseCache,
		Logger:       logger,
		Env:          cfg.Env,
		FeaturesJSON: cfg.FeaturesJSON,
		FeaturesCSV:  cfg.Features,
	})

	pushHandlers := push.NewHandlers(push.HandlersConfig{
		Store:               pushStore,
		Sender:              push.NewFCMSender(cfg.FCMServerKey, forwarder, logger),
		Verifier:            verifier,
		Logger:              logger,
		Production:          cfg.IsProduction(),
		DevAllowAll:         cfg.PushDevAllowAll,
		DevAllowedPhones:    config.SplitCSV(cfg.PushDevAllowedPhones),
		DevAllowedSubs:      config.SplitCSV(cfg.PushDevAllowedSubs),
		TopicsAllowAll:      cfg.PushTopicsAllowAll,
		TopicsAllowedPhones: config.SplitCSV(cfg.PushTopicsAllowedPhone),
		TopicsAllowedSubs:   config.SplitCSV(cfg.PushTopicsAllowedSubs),
	})

	proxyHandler := proxy.NewHandler(table, forwarder, logger)
	wsHandler := proxy.NewWSHandler(table, logger)

	s.router = s.buildRouter(routerDeps{
		verifier:     verifier,
		limiter:      limiter,
		agg:          agg,
		pushHandlers: pushHandlers,
		proxyHandler: proxyHandler,
		wsHandler:    wsHandler,
	})

	s.scheduleSweeps()

	logger.WithContext(context.Background()).Info().
		Strs("services", table.Services()).
		Str("rate_limit_backend", limiter.Name()).
		Msg("gateway configured")

	if cfg.OTELExporterEndpoint != "" {
		logger.WithContext(context.Background()).Info().
			Str("endpoint", cfg.OTELExporterEndpoint).
			Msg("trace export endpoint configured, forwarding trace context headers only")
	}

	return s, nil
}

type routerDeps struct {
	verifier     *middleware.Verifier
	limiter      middleware.Limiter
	agg          *aggregate.Service
	pushHandlers *push.Handlers
	proxyHandler *proxy.Handler
	wsHandler    *proxy.WSHandler
}

// buildRouter registers static routes before the dynamic wildcard so
// convenience routes are never shadowed.
func (s *Server) buildRouter(deps routerDeps) *mux.Router {
	r := mux.NewRouter()

	r.Use(mux.MiddlewareFunc(metrics.InstrumentHandler))
	r.Use(mux.MiddlewareFunc(middleware.SecurityHeaders))
	r.Use(mux.MiddlewareFunc(middleware.Tracing(s.logger)))
	r.Use(mux.MiddlewareFunc(middleware.CORS(config.SplitCSV(s.cfg.AllowedOrigins))))
	r.Use(mux.MiddlewareFunc(deps.verifier.Authenticate))
	r.Use(mux.MiddlewareFunc(middleware.RateLimit(deps.limiter, middleware.RateLimitConfig{
		LimitPerMinute: s.cfg.EffectiveRateLimit(),
		AuthBoost:      s.cfg.RateLimitAuthBoost,
		ExemptOTP:      s.cfg.RateLimitExemptOTP && !s.cfg.IsProduction(),
	}, s.logger)))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/system", s.handleHealthSystem).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/features", deps.agg.HandleFeatures).Methods(http.MethodGet)
	r.HandleFunc("/auth/{action:register|login|dev_login|request_otp|verify_otp}", deps.agg.AuthPassthrough).Methods(http.MethodPost)

	r.HandleFunc("/v1/me", deps.verifier.RequireBearer(deps.agg.HandleMe)).Methods(http.MethodGet)
	r.HandleFunc("/v1/search", deps.agg.HandleSearch).Methods(http.MethodGet)
	r.HandleFunc("/v1/payments/transactions", deps.verifier.RequireBearer(deps.agg.HandleTransactions)).Methods(http.MethodGet)
	r.HandleFunc("/v1/commerce/{rest:.*}", deps.agg.CachedServiceGET("commerce")).Methods(http.MethodGet)
	r.HandleFunc("/v1/stays/{rest:.*}", deps.agg.CachedServiceGET("stays")).Methods(http.MethodGet)

	p := deps.pushHandlers
	r.HandleFunc("/v1/push/register", deps.verifier.RequireBearer(p.HandleRegister)).Methods(http.MethodPost)
	r.HandleFunc("/v1/push/dev/list", deps.verifier.RequireBearer(p.HandleDevList)).Methods(http.MethodGet)
	r.HandleFunc("/v1/push/dev/send", deps.verifier.RequireBearer(p.HandleDevSend)).Methods(http.MethodPost)
	r.HandleFunc("/v1/push/dev/broadcast", deps.verifier.RequireBearer(p.HandleDevBroadcast)).Methods(http.MethodPost)
	r.HandleFunc("/v1/push/dev/broadcast_topic", deps.verifier.RequireBearer(p.HandleDevBroadcastTopic)).Methods(http.MethodPost)
	r.HandleFunc("/v1/push/topic/subscribe", deps.verifier.RequireBearer(p.HandleTopicSubscribe)).Methods(http.MethodPost)
	r.HandleFunc("/v1/push/topic/unsubscribe", deps.verifier.RequireBearer(p.HandleTopicUnsubscribe)).Methods(http.MethodPost, http.MethodDelete)
	r.HandleFunc("/v1/push/topic/list", deps.verifier.RequireBearer(p.HandleTopicList)).Methods(http.MethodGet)

	// Dynamic routes come last: the wildcard must never shadow a static
	// route.
	r.Handle("/{service}/ws", deps.wsHandler).Methods(http.MethodGet)
	r.Handle("/{service}/{rest:.*}", deps.proxyHandler).Methods(
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
	)

	return r
}

// Router exposes the assembled handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// scheduleSweeps registers the periodic evictions for the in-process
// backends.
func (s *Server) scheduleSweeps() {
	if s.bucketLimiter != nil {
		lim := s.bucketLimiter
		_, _ = s.cron.AddFunc("@every 5m", func() {
			if removed := lim.Sweep(bucketSweepIdle); removed > 0 {
				s.logger.WithContext(context.Background()).Debug().Int("removed", removed).Msg("rate buckets evicted")
			}
		})
	}
	if s.memCache != nil {
		mc := s.memCache
		_, _ = s.cron.AddFunc("@every 30s", func() {
			mc.Sweep()
		})
	}
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.cron.Start()
	defer s.cron.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithContext(ctx).Info().Str("addr", addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// dialRedis connects to Redis when configured. Connection failures fall
// back to the in-process backends rather than refusing to start.
func dialRedis(redisURL string, logger *logging.Logger) *redis.Client {
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.WithContext(context.Background()).Warn().Err(err).Msg("invalid REDIS_URL, using in-process backends")
		return nil
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.WithContext(context.Background()).Warn().Err(err).Msg("redis unreachable, using in-process backends")
		_ = rdb.Close()
		return nil
	}
	return rdb
}
