// Package main is the entry point for the identity and access gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avauthgw/internal/authsvc"
	"github.com/vyrodovalexey/avauthgw/internal/config"
	"github.com/vyrodovalexey/avauthgw/internal/consumer"
	"github.com/vyrodovalexey/avauthgw/internal/credential"
	"github.com/vyrodovalexey/avauthgw/internal/oauth2"
	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/store"
	"github.com/vyrodovalexey/avauthgw/internal/token"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avauthgw",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.String("addr", cfg.Server.Addr))

	app, err := initApplication(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", observability.Error(err))
		os.Exit(1)
	}
	defer func() { _ = app.kv.Close() }()

	if err := run(cfg, app, logger); err != nil {
		logger.Error("server failed", observability.Error(err))
		os.Exit(1)
	}
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("AUTHGW_CONFIG_PATH", "configs/authgw.yaml"),
		"Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("avauthgw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// application holds the wired service graph.
type application struct {
	kv      store.KV
	router  *gin.Engine
	auth    *authsvc.Service
	handler *oauth2.Handler
}

// initApplication wires the store and services.
func initApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	kv, err := store.NewRedisStore(&cfg.Redis, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	scopes := credential.NewScopeRegistry(kv, logger)
	creds := credential.NewStore(kv, scopes, credential.WithStoreLogger(logger))

	apps := consumer.NewApplicationService(kv,
		consumer.WithAppLogger(logger),
		consumer.WithAppCredentialRemover(creds))
	users := consumer.NewUserService(kv, apps,
		consumer.WithUserLogger(logger),
		consumer.WithCredentialRemover(creds))

	var encKey []byte
	if cfg.Tokens.EncryptionKey != "" {
		encKey, err = token.KeyFromBase64(cfg.Tokens.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid token encryption key: %w", err)
		}
	}
	enc, err := token.NewEncryptor(encKey)
	if err != nil {
		return nil, err
	}
	if !enc.Enabled() {
		logger.Warn("token secret encryption is disabled")
	}

	tokens := token.NewStore(kv, enc,
		cfg.Tokens.AccessTTL.Duration(), cfg.Tokens.RefreshTTL.Duration(),
		token.WithLogger(logger))

	auth := authsvc.New(consumer.NewService(users, apps), creds, tokens,
		authsvc.WithLogger(logger))

	codes := oauth2.NewCodeStore(kv, cfg.OAuth2.CodeTTL.Duration(),
		oauth2.WithCodeLogger(logger))
	engine := oauth2.NewEngine(auth, tokens, codes,
		oauth2.WithEngineLogger(logger))
	txns := oauth2.NewTxnStore(kv, cfg.OAuth2.CodeTTL.Duration())

	handler := oauth2.NewHandler(engine, auth, txns,
		oauth2.WithHandlerLogger(logger),
		oauth2.WithTokenRateLimit(cfg.OAuth2.TokenEndpointRPS, cfg.OAuth2.TokenEndpointBurst))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handler.Register(router)

	return &application{
		kv:      kv,
		router:  router,
		auth:    auth,
		handler: handler,
	}, nil
}

// run serves HTTP until SIGINT/SIGTERM, then shuts down gracefully.
func run(cfg *config.Config, app *application, logger observability.Logger) error {
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", observability.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", observability.String("signal", sig.String()))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout.Duration()
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
