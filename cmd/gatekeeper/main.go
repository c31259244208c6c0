package main

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"ladder/pkg/audit"
	"ladder/pkg/auth"
	"ladder/pkg/bus"
	"ladder/pkg/compiler"
	"ladder/pkg/gate"
	"ladder/pkg/hardening"
	"ladder/pkg/httpx"
	"ladder/pkg/metrics"
	"ladder/pkg/ratelimit"
	"ladder/pkg/resolver"
	"ladder/pkg/store"
	"ladder/pkg/stream"
	"ladder/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	State               *store.State
	Compiler            *compiler.Compiler
	Evaluator           *gate.Evaluator
	Resolver            *resolver.Resolver
	PackageCache        *store.PackageCache
	Locks               store.Cache
	Limiter             ratelimit.Limiter
	Events              *stream.Hub
	Metrics             *metrics.Registry
	Audit               *audit.Writer
	Publisher           *bus.Publisher
	InternalAuthHeader  string
	InternalAuthToken   string
	ActionCheckLimit    int
	MaxRequestBodyBytes int64
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (*pgxpool.Pool, error)
	openRedisFn     func(context.Context) (*redis.Client, error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runGatekeeper(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("gatekeeper: %v", err)
	}
}

func runGatekeeper(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (*pgxpool.Pool, error),
	openRedis func(context.Context) (*redis.Client, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = store.NewPostgresPool
	}
	if openRedis == nil {
		openRedis = store.NewRedis
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gatekeeper")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	state := store.NewState(pool)

	var redisClient *redis.Client
	if addr := env("REDIS_ADDR", ""); addr != "" {
		redisClient, err = openRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, using in-memory cache: %v", err)
			redisClient = nil
		}
	}
	cache := store.NewCache(ctx, redisClient)

	internalHeader := env("INTERNAL_AUTH_HEADER", "")
	internalToken := env("INTERNAL_AUTH_TOKEN", "")
	authMode := env("AUTH_MODE", "off")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gatekeeper",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		AuthMode:              authMode,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "INTERNAL_AUTH_HEADER", Value: internalHeader},
			{Name: "INTERNAL_AUTH_TOKEN", Value: internalToken},
		},
	}); err != nil {
		return err
	}

	reqResolver := resolver.New(state)
	var publisher *bus.Publisher
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err = bus.NewPublisher(bus.PublisherConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_EVENTS_TOPIC", "ladder.events"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()

		if findingsTopic := env("KAFKA_FINDINGS_TOPIC", ""); findingsTopic != "" {
			consumer, err := bus.NewKafkaConsumer(bus.ConsumerConfig{
				Brokers: strings.Split(brokers, ","),
				Topic:   findingsTopic,
				GroupID: env("KAFKA_FINDINGS_GROUP", "gatekeeper"),
			})
			if err != nil {
				return err
			}
			defer func() { _ = consumer.Close() }()
			go func() {
				if err := bus.Ingest(ctx, consumer, state); err != nil {
					log.Printf("findings ingest stopped: %v", err)
				}
			}()
		}
	}

	comp := compiler.New(state, state, reqResolver)
	if key := env("PACKAGE_SIGNING_KEY", ""); key != "" {
		signer, err := auth.NewSignerFromBase64(
			env("PACKAGE_SIGNING_KEY_ID", "gatekeeper-1"),
			env("PACKAGE_SIGNING_NAME", "gatekeeper"),
			key,
		)
		if err != nil {
			return err
		}
		comp.Signer = signer
	}

	s := &Server{
		State:               state,
		Compiler:            comp,
		Evaluator:           gate.NewEvaluator(state, state, state, reqResolver),
		Resolver:            reqResolver,
		PackageCache:        store.NewPackageCache(cache, envDurationSec("PACKAGE_CACHE_TTL_SEC", 300)),
		Locks:               cache,
		Limiter:             ratelimit.NewRedis(redisClient, envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", "")), Redact: env("AUDIT_REDACT", "true") == "true"},
		Publisher:           publisher,
		InternalAuthHeader:  internalHeader,
		InternalAuthToken:   internalToken,
		ActionCheckLimit:    envInt("ACTION_CHECK_RATE_LIMIT", 120),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	seedCtx, cancelSeed := context.WithTimeout(ctx, 15*time.Second)
	err = gate.DefaultCatalogue().Seed(seedCtx, state)
	cancelSeed()
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("gatekeeper"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.observeMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gatekeeper"})
	})
	r.Get("/metricsz", s.Metrics.Handler())
	r.Get("/metricsz/prometheus", s.Metrics.PrometheusHandler())

	authMW := auth.Middleware(
		authMode,
		env("AUTH_SHARED_SECRET", ""),
		auth.WithIssuer(env("AUTH_ISSUER", "")),
		auth.WithAudience(env("AUTH_AUDIENCE", "")),
		auth.WithJWKS(env("AUTH_JWKS_URL", "")),
	)
	r.Group(func(r chi.Router) {
		r.Use(authMW)
		r.Post("/v1/projects/{id}/context-packages", s.compileContextPackage)
		r.Get("/v1/projects/{id}/context-packages/latest", s.latestContextPackage)
		r.Get("/v1/projects/{id}/requirements", s.resolvedRequirements)
		r.Post("/v1/projects/{id}/evaluations", s.evaluateGate)
		r.Get("/v1/projects/{id}/evaluations/latest", s.latestEvaluation)
		r.Post("/v1/projects/{id}/check-action", s.checkAction)
		r.Post("/v1/business-units/{id}/derive", s.deriveFrameworkRequirements)
		r.Get("/v1/pipelines/default", s.defaultPipeline)
		r.Get("/v1/stream", s.streamEvents)
	})

	internal := chi.NewRouter()
	internal.Use(s.internalTokenOnly)
	internal.Post("/projects", s.putProject)
	internal.Post("/business-units", s.putBusinessUnit)
	internal.Post("/org-baselines", s.putOrgBaseline)
	internal.Post("/app-specs", s.putAppSpec)
	internal.Post("/environment-profiles", s.putEnvironmentProfile)
	internal.Post("/exceptions", s.putException)
	internal.Post("/findings", s.putFinding)
	internal.Post("/coverage-reports", s.putCoverageReport)
	internal.Post("/evidence", s.putEvidence)
	internal.Post("/approvals", s.putApproval)
	internal.Post("/scans", s.putScan)
	r.Mount("/v1/internal", internal)

	addr := env("ADDR", ":8080")
	log.Printf("gatekeeper listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) internalTokenOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.InternalAuthHeader == "" || s.InternalAuthToken == "" {
			httpx.Error(w, 503, "internal auth not configured")
			return
		}
		token := r.Header.Get(s.InternalAuthHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.InternalAuthToken)) != 1 {
			httpx.Error(w, 401, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		key := r.Method + " " + route
		s.Metrics.Observe(key, rec.status, time.Since(start))
		s.Metrics.ObserveLatency(key, time.Since(start))
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.SubscriberCount()))
		s.Metrics.SetGauge("stream_dropped_events", float64(s.Events.Dropped()))
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
