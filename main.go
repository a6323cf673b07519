// Command relaybot is the main entrypoint for the chat relay engine.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: subscription synchronizer (one push socket per
//     channel), command snapshot refresher, outbound dispatcher, and the
//     OAuth token refresher for linked Trovo identities.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: sockets close first, then the
// dispatcher drains, then the HTTP server stops.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/relaybot/commands"
	"github.com/onnwee/relaybot/config"
	"github.com/onnwee/relaybot/db"
	"github.com/onnwee/relaybot/oauth"
	"github.com/onnwee/relaybot/outbox"
	"github.com/onnwee/relaybot/relay"
	"github.com/onnwee/relaybot/server"
	"github.com/onnwee/relaybot/telemetry"
	"github.com/onnwee/relaybot/trovoapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("relaybot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Best-effort: warm the app access token so the first sync tick doesn't
	// pay the client-credentials round trip.
	appTokens := &trovoapi.TokenSource{ClientID: cfg.TrovoClientID, ClientSecret: cfg.TrovoClientSecret}
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 8*time.Second)
	if tok, err := appTokens.Get(warmCtx); err != nil {
		slog.Warn("app token fetch failed", slog.Any("err", err))
	} else if len(tok) > 6 {
		slog.Info("app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
	}
	warmCancel()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// versioned migrations (golang-migrate) first, embedded SQL as fallback
	// for deployments predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to legacy embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("legacy embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	caps, err := db.DetectCapabilities(context.Background(), database)
	if err != nil {
		slog.Warn("capability detection failed, optional tables disabled", slog.Any("err", err))
	}
	slog.Info("schema capabilities detected",
		slog.Bool("integrations", caps.IntegrationsTable),
		slog.Bool("entitlements", caps.EntitlementsTable),
		slog.Bool("subscription_channel_url", caps.SubscriptionChannelURL))

	// Root context cancelled on SIGINT/SIGTERM. Components get derived
	// contexts so shutdown can be ordered: sockets close before the
	// dispatcher drains, and the HTTP surface goes last.
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	syncCtx, cancelSync := context.WithCancel(context.Background())
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	httpCtx, cancelHTTP := context.WithCancel(context.Background())
	defer cancelHTTP()
	defer cancelDispatch()
	defer cancelSync()

	api := &trovoapi.Client{AppTokenSource: appTokens, ClientID: cfg.TrovoClientID}
	registry := relay.NewRegistry()
	tracker := relay.NewDBTracker(database)
	roleResolver := relay.NewRoleResolver(api, cfg.RoleOverrides, cfg.RoleCacheTTL)

	engine := commands.NewEngine(commands.NewDBStore(database), roleResolver, registry, cfg.CommandCacheTTL)
	go engine.StartRefreshLoop(syncCtx, cfg.CommandCacheTTL)

	notifier := relay.NewChatterNotifier(cfg.ChatterSeenURL)
	outboxStore := outbox.NewStore(database)
	inbound := relay.NewInboundHandler(engine, outboxStore, notifier)

	limiter := outbox.NewLimiter(cfg.SendLimitWindow, cfg.GlobalSendLimit, cfg.ChannelSendLimit)
	dedup := outbox.NewDedup(cfg.DedupWindow)

	synchronizer := relay.NewSynchronizer(database, caps, api, registry, tracker, inbound, cfg.TokenMintMinGap)
	synchronizer.OnRemove = func(channelID string) {
		engine.Forget(channelID)
		dedup.Forget(channelID)
	}
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		synchronizer.StartSyncLoop(syncCtx, cfg.SyncInterval)
	}()

	creds := relay.NewCredentialResolver(database, caps, cfg.SharedBotUserID)
	sender := relay.NewChatSender(api, creds, registry, database)
	dispatcher := outbox.NewDispatcher(outboxStore, sender, limiter, dedup, cfg.MaxSendAttempts, cfg.ProcessingStaleAfter)

	var backend outbox.Backend
	switch cfg.DispatchBackend {
	case "queue":
		backend = outbox.NewQueueBackend(dispatcher, cfg.DBDsn, cfg.DispatchWorkers, 30*time.Second, 5*time.Second)
	default:
		backend = outbox.NewPollBackend(dispatcher, cfg.DispatchInterval, cfg.DispatchBatchSize)
	}
	slog.Info("outbound dispatcher starting", slog.String("backend", cfg.DispatchBackend))
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := backend.Run(dispatchCtx); err != nil && dispatchCtx.Err() == nil {
			slog.Error("dispatch backend exited", slog.Any("err", err))
		}
	}()

	// Centralized OAuth token refresher for linked Trovo identities (owners
	// and bot accounts alike live in the same provider rows).
	oauthCfg := trovoapi.OAuthConfig(cfg.TrovoClientID, cfg.TrovoClientSecret, cfg.TrovoRedirectURI, cfg.TrovoScopes)
	oauth.StartRefresher(syncCtx, database, "trovo", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		tok, err := trovoapi.RefreshToken(rctx, oauthCfg, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return tok.AccessToken, tok.RefreshToken, tok.Expiry, "", nil
	})

	// HTTP server (health/readiness/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		if err := server.Start(httpCtx, database, registry, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal, then stop in order: sockets, dispatcher, HTTP.
	<-rootCtx.Done()
	slog.Info("shutting down")

	cancelSync()
	<-syncDone

	cancelDispatch()
	select {
	case <-dispatchDone:
	case <-time.After(30 * time.Second):
		slog.Warn("dispatcher did not drain in time")
	}

	cancelHTTP()
	<-httpDone
	slog.Info("shutdown complete")
}
