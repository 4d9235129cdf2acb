package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"qms/access-service/internal/admin"
	"qms/access-service/internal/callable"
	"qms/access-service/internal/clock"
	"qms/access-service/internal/config"
	"qms/access-service/internal/httpapi"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/identity/local"
	"qms/access-service/internal/identity/rest"
	"qms/access-service/internal/logging"
	"qms/access-service/internal/netmon"
	"qms/access-service/internal/notify"
	"qms/access-service/internal/provision"
	"qms/access-service/internal/refresh"
	"qms/access-service/internal/retry"
	"qms/access-service/internal/session"
	"qms/access-service/internal/store"
	"qms/access-service/internal/store/memory"
	"qms/access-service/internal/store/postgres"
	"qms/access-service/internal/telemetry"
)

const serviceName = "access-service"

func main() {
	configPath := pflag.String("config", os.Getenv("ACCESS_CONFIG"), "path to a TOML config file")
	addr := pflag.String("addr", "", "listen address, overrides the configured port")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Port = *addr
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("access-service stopped", "error", err)
		os.Exit(1)
	}
}

type backends struct {
	docs     store.DocumentStore
	accounts local.AccountStore
	close    func()
}

func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (backends, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DB_DSN not set, using in-memory storage")
		return backends{docs: memory.NewStore(), accounts: memory.NewAccounts(), close: func() {}}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return backends{}, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return backends{}, err
	}
	return backends{docs: postgres.NewStore(pool), accounts: postgres.NewAccounts(pool), close: pool.Close}, nil
}

type identityStack struct {
	provider identity.Provider
	lookup   identity.AccountLookup
	claims   identity.ClaimSetter
	verifier identity.Verifier
	resets   httpapi.ResetConfirmer
}

func openIdentity(cfg config.Config, accounts local.AccountStore, clk clock.Clock, logger *slog.Logger) (identityStack, error) {
	if cfg.IdentityMode == config.IdentityREST {
		client := rest.New(rest.Config{
			APIKey:   cfg.IdentityAPIKey,
			BaseURL:  cfg.IdentityBaseURL,
			TokenURL: cfg.TokenBaseURL,
			Clock:    clk,
			Logger:   logger,
		})
		return identityStack{provider: client}, nil
	}
	provider, err := local.New(accounts, local.Config{
		Secret:      []byte(cfg.JWTSecret),
		TokenTTL:    cfg.TokenTTL,
		ResetSender: notify.ResetMessenger(notify.New(cfg.ResetNotifier, cfg.ResetWebhookToken, logger), cfg.ResetLinkBase),
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return identityStack{}, err
	}
	return identityStack{provider: provider, lookup: provider, claims: provider, verifier: provider, resets: provider}, nil
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg, err := telemetry.ConfigFromEnv(serviceName, cfg.IdentityMode)
	if err != nil {
		return err
	}
	shutdownTelemetry := telemetry.Setup(ctx, traceCfg, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	clk := clock.Real()
	stores, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	ids, err := openIdentity(cfg, stores.accounts, clk, logger)
	if err != nil {
		return err
	}

	monitor := netmon.New(true, clk, logger)
	prober := netmon.NewProber(monitor, netmon.ProberConfig{
		Address:  cfg.ProbeAddr,
		Interval: cfg.ProbeInterval,
		Clock:    clk,
		Logger:   logger,
	})
	runner := retry.NewRunner(clk, monitor, logger)

	profiles := store.NewProfiles(stores.docs)
	members := store.NewTeamMembers(stores.docs)
	requests := store.NewRequests(stores.docs)

	service := callable.NewService(profiles, ids.claims, cfg.PrivilegedEmails, logger)
	var functions callable.Functions = service
	if cfg.FunctionsURL != "" {
		functions = callable.NewClient(cfg.FunctionsURL, nil)
	}

	scheduler := refresh.New(ids.provider, runner, clk, refresh.Config{
		SessionTimeout:   cfg.SessionTimeout,
		RefreshThreshold: cfg.RefreshThreshold,
		RetryDelay:       cfg.RefreshRetryDelay,
	}, logger)
	manager := session.NewManager(session.Config{
		Provider:  ids.provider,
		Profiles:  profiles,
		State:     session.NewStateStore(session.NewFileMirror(cfg.StateDir), logger),
		Scheduler: scheduler,
		Runner:    runner,
		Clock:     clk,
		Logger:    logger,
	})
	defer manager.Close()
	if err := manager.Initialize(ctx); err != nil {
		logger.Warn("session restore failed", "error", err)
	}

	resolver := admin.NewResolver(admin.Config{
		Functions:        functions,
		Profiles:         profiles,
		Runner:           runner,
		PrivilegedEmails: cfg.PrivilegedEmails,
		Logger:           logger,
	})
	workflow := provision.NewWorkflow(provision.Config{
		Provider:  ids.provider,
		Lookup:    ids.lookup,
		Functions: functions,
		Resolver:  resolver,
		Checker:   provision.NewChecker(ids.provider, profiles, members, runner, logger),
		Requests:  requests,
		Docs:      stores.docs,
		Runner:    runner,
		Clock:     clk,
		Logger:    logger,
	})

	opts := httpapi.Options{
		Sessions:  manager,
		Workflow:  workflow,
		Registrar: provision.NewRegistrar(requests, runner, clk, logger),
		Resets:    ids.resets,
		Timeout:   cfg.RequestTimeout,
		Logger:    logger,
	}
	if ids.verifier != nil {
		opts.Functions = service
		opts.Verifier = ids.verifier
	}
	handler := httpapi.NewHandler(opts)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:         cfg.RateLimitPerMinute,
		IPBurst:             cfg.RateLimitBurst,
		CredentialPerMinute: cfg.CredentialRateLimitPerMinute,
		CredentialBurst:     cfg.CredentialRateLimitBurst,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(handler.Routes())), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		prober.Check(ctx)
		prober.Run(ctx)
		return nil
	})
	group.Go(func() error {
		logger.Info("access-service listening", "addr", server.Addr, "identity", cfg.IdentityMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", "error", err)
		}
		return nil
	})
	return group.Wait()
}
