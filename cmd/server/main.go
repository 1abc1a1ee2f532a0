package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"

	"dineops/backend/internal/audit"
	"dineops/backend/internal/audit/lockout"
	auditrepo "dineops/backend/internal/audit/repository"
	"dineops/backend/internal/authz"
	"dineops/backend/internal/clientip"
	"dineops/backend/internal/config"
	"dineops/backend/internal/db"
	healthcheck "dineops/backend/internal/health"
	"dineops/backend/internal/identity/provider"
	identityrepo "dineops/backend/internal/identity/repository"
	identityservice "dineops/backend/internal/identity/service"
	"dineops/backend/internal/logger"
	"dineops/backend/internal/server"
	"dineops/backend/internal/server/httpapi"
	sessionrepo "dineops/backend/internal/session/repository"
	sessionservice "dineops/backend/internal/session/service"
	telemetryotel "dineops/backend/internal/telemetry/otel"
	"dineops/backend/internal/tokencache"
	userrepo "dineops/backend/internal/user/repository"
)

// shutdownTimeout bounds HTTP drain, gRPC drain and audit flush together.
const shutdownTimeout = 15 * time.Second

type stores struct {
	sessions sessionrepo.Repository
	pending  identityrepo.PendingStore
	counter  lockout.Counter
	users    identityservice.UserRepo
	events   auditrepo.Repository
	// sweepers prune in-memory stores until ctx is done.
	sweepers []func(ctx context.Context)
	close    func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := logger.InitLogger(cfg.LogLevel); err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()

	checker := healthcheck.NewChecker(2 * time.Second)
	st, err := openStores(ctx, cfg, checker)
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	defer st.close()
	for _, sweep := range st.sweepers {
		go sweep(ctx)
	}

	// Audit log: lockout counters plus every configured sink.
	lo := lockout.New(st.counter, lockout.Policy{
		Threshold: cfg.LockoutThreshold,
		Window:    cfg.LockoutWindow,
		Duration:  cfg.LockoutDuration,
	})
	sinks := []audit.Sink{audit.NewLogSink(logger.Log), audit.NewRepositorySink(st.events)}
	kafkaSink := audit.NewKafkaSink(cfg.KafkaBrokersList(), cfg.AuditKafkaTopic)
	if kafkaSink != nil {
		sinks = append(sinks, kafkaSink)
	}
	if cfg.OTLPEndpoint != "" {
		sinks = append(sinks, telemetryotel.NewAuditSink(providers.LoggerProvider))
	}
	recorder := audit.NewRecorder(audit.Options{
		BufferSize: cfg.AuditBufferSize,
		Workers:    cfg.AuditWorkers,
		Lockout:    lo,
	}, sinks...)

	// Identity: provider endpoints, signing keys, claims mapping.
	httpClient := &http.Client{Timeout: cfg.OIDCHTTPTimeout}
	if !cfg.ExplicitEndpoints() {
		logger.Log.Info("discovering OIDC endpoints", zap.String("issuer", cfg.OIDCIssuer))
	}
	endpoints, err := provider.Resolve(ctx, httpClient, cfg.OIDCIssuer, provider.Endpoints{
		Issuer:   cfg.OIDCIssuer,
		AuthURL:  cfg.OIDCAuthURL,
		TokenURL: cfg.OIDCTokenURL,
		JWKSURL:  cfg.OIDCJWKSURI,
	})
	if err != nil {
		log.Fatalf("oidc discovery: %v", err)
	}
	keys := tokencache.NewKeyCache(tokencache.KeyCacheConfig{
		JWKSURL:            endpoints.JWKSURL,
		HTTPClient:         httpClient,
		TTL:                cfg.JWKSTTL,
		RefreshAhead:       cfg.JWKSRefreshAhead,
		RotationOverlap:    cfg.JWKSRotationOverlap,
		MinRefreshInterval: cfg.JWKSMinRefreshInterval,
		MaxRetries:         cfg.OIDCMaxRetries,
	})
	if err := keys.Refresh(ctx); err != nil {
		logger.Log.Warn("initial JWKS fetch failed; retrying in background", zap.Error(err))
	}
	go keys.Run(ctx)

	claims, err := tokencache.NewClaimsCache(cfg.ClaimsCacheSize, cfg.ClaimsCacheTTL)
	if err != nil {
		log.Fatalf("claims cache: %v", err)
	}
	mapper, err := provider.NewMapper(cfg.OIDCProvider, provider.MapperOptions{
		TenantClaim: cfg.OIDCTenantClaim,
		RolesClaim:  cfg.OIDCRolesClaim,
	})
	if err != nil {
		log.Fatalf("claims mapper: %v", err)
	}
	broker := identityservice.NewBroker(identityservice.Config{
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		RedirectURI:  cfg.OIDCRedirectURI,
		Issuer:       cfg.OIDCIssuer,
		Endpoints:    endpoints,
		Scopes:       cfg.Scopes(),
		TenantID:     cfg.OIDCTenantID,
		ClockSkew:    cfg.OIDCClockSkew,
		AttemptTTL:   cfg.LoginAttemptTTL,
		HTTPClient:   httpClient,
		MaxRetries:   cfg.OIDCMaxRetries,
	}, keys, claims, mapper, st.pending, st.users, recorder)

	sessions := sessionservice.NewManager(st.sessions, recorder, sessionservice.Config{
		AbsoluteLifetime: cfg.SessionAbsoluteLifetime,
		SlidingIncrement: cfg.SessionSlidingIncrement,
		ReuseDetection:   cfg.RefreshReuseDetection,
		FamilyRevocation: cfg.RefreshFamilyRevocation,
	})

	roles := authz.DefaultRoles()
	if cfg.RolesFile != "" {
		if roles, err = authz.LoadRoles(cfg.RolesFile); err != nil {
			log.Fatalf("roles: %v", err)
		}
	}
	policy, err := authz.CompilePolicy(roles)
	if err != nil {
		log.Fatalf("roles: %v", err)
	}
	guard := authz.NewGuard(policy, recorder, recorder)
	if cfg.ConditionFile != "" {
		cond, err := authz.LoadRegoCondition(ctx, cfg.ConditionFile)
		if err != nil {
			log.Fatalf("authz condition: %v", err)
		}
		guard.WithCondition(cond)
	}

	resolver, err := clientip.NewResolver(cfg.TrustedProxyList())
	if err != nil {
		log.Fatalf("trusted proxies: %v", err)
	}

	// HTTP
	handler := httpapi.NewHandler(httpapi.Config{
		CookieName:         cfg.SessionCookieName,
		CookieSecure:       cfg.SessionCookieSecure,
		CookieSameSite:     httpapi.SameSite(cfg.SessionCookieSameSite),
		LoginRatePerSecond: cfg.LoginRatePerSecond,
		LoginRateBurst:     cfg.LoginRateBurst,
		CORSAllowedOrigins: cfg.CORSOrigins(),
		CORSMaxAgeSeconds:  cfg.CORSMaxAgeSeconds,
		ClientIP:           resolver,
	}, broker, sessions, guard, checker).WithAuditEvents(st.events)
	if l := handler.Limiter(); l != nil {
		go l.Run(ctx)
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	// gRPC
	hs := health.NewServer()
	go checker.Sync(ctx, hs, 15*time.Second)
	grpcSrv := server.NewGRPCServer(server.Deps{Sessions: sessions, Guard: guard, Health: hs, ClientIP: resolver})
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	go func() {
		logger.Log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Log.Info("shutting down")
	hs.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Log.Warn("audit drain", zap.Error(err))
	}
	if err := kafkaSink.Close(); err != nil {
		logger.Log.Warn("kafka close", zap.Error(err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("telemetry shutdown", zap.Error(err))
	}
	logger.Log.Info("stopped")
}

// openStores builds the stores selected by STORE_BACKEND. Users and the audit trail live
// in Postgres whenever DATABASE_URL is set, whatever the session backend.
func openStores(ctx context.Context, cfg *config.Config, checker *healthcheck.Checker) (*stores, error) {
	var closers []func()
	st := &stores{}
	st.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var pg *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		pg, err = db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute})
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = pg.Close() })
		checker.AddPinger("postgres", pg)
		st.users = userrepo.NewPostgresRepository(pg)
		st.events = auditrepo.NewPostgresRepository(pg)
	} else {
		logger.Log.Warn("DATABASE_URL not set; users and audit events are kept in memory")
		st.users = userrepo.NewMemoryRepository()
		st.events = auditrepo.NewMemoryRepository()
	}

	switch cfg.StoreBackend {
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			st.close()
			return nil, err
		}
		client := redis.NewClient(opts)
		closers = append(closers, func() { _ = client.Close() })
		checker.Add("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
		st.sessions = sessionrepo.NewRedisRepository(client, cfg.RedisKeyPrefix)
		st.pending = identityrepo.NewRedisPendingStore(client, cfg.RedisKeyPrefix)
		st.counter = lockout.NewRedisCounter(client, cfg.RedisKeyPrefix)
	case config.StorePostgres:
		st.sessions = sessionrepo.NewPostgresRepository(pg)
		st.pending = identityrepo.NewPostgresPendingStore(pg)
		counter := lockout.NewMemoryCounter()
		st.counter = counter
		st.sweepers = append(st.sweepers, func(ctx context.Context) { counter.Run(ctx, cfg.LockoutWindow) })
		logger.Log.Warn("lockout counters are per-process with STORE_BACKEND=postgres; use redis for a shared window")
	default:
		sessions := sessionrepo.NewMemoryRepository()
		counter := lockout.NewMemoryCounter()
		st.sessions = sessions
		st.pending = identityrepo.NewMemoryPendingStore()
		st.counter = counter
		st.sweepers = append(st.sweepers, sessions.Run, func(ctx context.Context) { counter.Run(ctx, cfg.LockoutWindow) })
	}
	return st, nil
}
