package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tomassalina/koopay/actions"
	"github.com/tomassalina/koopay/config"
	"github.com/tomassalina/koopay/escrow"
	"github.com/tomassalina/koopay/gateway"
	"github.com/tomassalina/koopay/gateway/auth"
	"github.com/tomassalina/koopay/ledger"
	"github.com/tomassalina/koopay/observability/logging"
	"github.com/tomassalina/koopay/pipeline"
	"github.com/tomassalina/koopay/projects"
	"github.com/tomassalina/koopay/query"
	"github.com/tomassalina/koopay/signer"
	"github.com/tomassalina/koopay/store"
	"github.com/tomassalina/koopay/wallet"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./koopay.toml", "path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service: "koopayd",
		Env:     cfg.Environment,
		File:    cfg.LogFile,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	keyHex := os.Getenv(cfg.SignerKeyEnv)
	if keyHex == "" {
		return fmt.Errorf("signer key missing: set %s", cfg.SignerKeyEnv)
	}
	key, err := wallet.PrivateKeyFromHex(keyHex)
	if err != nil {
		return fmt.Errorf("parse signer key: %w", err)
	}

	db, err := store.NewLevelDB(filepath.Join(cfg.DataDir, "escrow"))
	if err != nil {
		return fmt.Errorf("open escrow store: %w", err)
	}
	defer db.Close()
	escrowStore := store.NewEscrowStore(db)
	if err := escrowStore.Load(); err != nil {
		return fmt.Errorf("load escrow store: %w", err)
	}

	client, err := ledger.NewClient(cfg.LedgerURL, ledger.WithAuthToken(cfg.LedgerAuthToken))
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}

	queue := gateway.NewWebhookQueue()
	engine := escrow.NewEngine()
	engine.SetEmitter(webhookEmitter{queue: queue})

	secretSigner, err := signer.NewSecretKeySigner(key)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	pipe, err := pipeline.New(client, secretSigner, pipeline.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	queries := query.NewEngine(client, key.PubKey().Address().String(),
		query.WithLogger(logger))

	svc, err := actions.New(actions.Config{PlatformAddress: cfg.PlatformAddress},
		engine, pipe, escrowStore, queries, logNotifier{logger: logger}, logger)
	if err != nil {
		return fmt.Errorf("actions service: %w", err)
	}

	projectsStore, err := projects.Open(cfg.ProjectsDSN)
	if err != nil {
		return fmt.Errorf("projects store: %w", err)
	}
	defer projectsStore.Close()

	gatewayStore, err := gateway.NewSQLiteStore(cfg.GatewayDB)
	if err != nil {
		return fmt.Errorf("gateway store: %w", err)
	}
	defer gatewayStore.Close()

	secrets := make(map[string]string, len(cfg.APIKeys))
	addresses := make(map[string]string, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		secrets[k.Key] = k.Secret
		addresses[k.Key] = k.Address
	}
	authenticators := &gateway.Authenticators{
		APIKeys: auth.NewAuthenticator(secrets, addresses, 0, 0, nil),
	}
	if cfg.SessionSecret != "" {
		sessions, err := auth.NewSessionIssuer([]byte(cfg.SessionSecret), 0, nil)
		if err != nil {
			return fmt.Errorf("session issuer: %w", err)
		}
		authenticators.Sessions = sessions
	}

	server, err := gateway.NewServer(gateway.ServerConfig{
		Actions:  svc,
		Queries:  queries,
		Auth:     authenticators,
		Store:    gatewayStore,
		Projects: projectsStore,
		Webhooks: queue,
		Limits: map[string]gateway.RateLimit{
			"escrow": {RequestsPerMinute: cfg.RateLimitPerMinute, Burst: cfg.RateLimitBurst},
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("gateway server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if len(cfg.Webhooks) > 0 {
		endpoints := make([]gateway.WebhookEndpoint, 0, len(cfg.Webhooks))
		for _, wh := range cfg.Webhooks {
			endpoints = append(endpoints, gateway.WebhookEndpoint{URL: wh.URL, Secret: wh.Secret})
		}
		dispatcher := gateway.NewWebhookDispatcher(queue, endpoints, logger)
		go dispatcher.Run(ctx)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("koopay gateway listening", slog.String("address", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sig:
	}

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// webhookEmitter forwards engine events to the outbound queue.
type webhookEmitter struct {
	queue *gateway.WebhookQueue
}

func (w webhookEmitter) Emit(evt escrow.Event) {
	w.queue.EnqueueEscrowEvent(evt)
}

// logNotifier records finished actions in the service log.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(note actions.Notification) {
	level := slog.LevelInfo
	if !note.Success {
		level = slog.LevelWarn
	}
	n.logger.Log(context.Background(), level, "action finished",
		slog.String("id", note.ID.String()),
		slog.String("action", string(note.Action)),
		slog.Bool("success", note.Success),
		slog.String("code", note.Code),
		slog.String("message", note.Message))
}
