package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/novaproto/orchestrator/internal/api"
	"github.com/novaproto/orchestrator/internal/auth"
	"github.com/novaproto/orchestrator/internal/billing"
	"github.com/novaproto/orchestrator/internal/config"
	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/external"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/metrics"
	"github.com/novaproto/orchestrator/internal/nodechannel"
	"github.com/novaproto/orchestrator/internal/obligation"
	"github.com/novaproto/orchestrator/internal/obligationhandlers"
	"github.com/novaproto/orchestrator/internal/observability"
	"github.com/novaproto/orchestrator/internal/ratelimit"
	"github.com/novaproto/orchestrator/internal/scheduler"
	"github.com/novaproto/orchestrator/internal/secrets"
	"github.com/novaproto/orchestrator/internal/signalbus"
	"github.com/novaproto/orchestrator/internal/store"
	"github.com/novaproto/orchestrator/internal/systemvm"
	"github.com/novaproto/orchestrator/internal/vmlifecycle"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	logging.SetLevelFromString(cfg.Daemon.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	bus := signalbus.New()
	engine := obligation.New(s, bus, cfg.ObligationEngineConfig())
	channel := nodechannel.New(bus, cfg.NodeChannelChannelConfig())
	lifecycle := vmlifecycle.New(s, s, cfg.VMLifecycleManagerConfig())
	sched := scheduler.NewWithTiers(s, cfg.Scheduler.Weights, cfg.ToSchedulerTiers())

	blockchain := external.NewHTTPBlockchainClient(cfg.External.BlockchainBaseURL)
	ingress := external.NewHTTPIngressConfigApplier(cfg.External.IngressBaseURL)

	secretResolver, err := newSecretsResolver(cfg)
	if err != nil {
		return fmt.Errorf("init secrets store: %w", err)
	}
	if err := wireCollaboratorSecrets(ctx, cfg, secretResolver, blockchain, ingress); err != nil {
		return fmt.Errorf("resolve external collaborator secrets: %w", err)
	}

	obligationhandlers.Register(engine, obligationhandlers.Deps{
		VMs:                 s,
		Nodes:               s,
		Commands:            s,
		Obligations:         s,
		Channel:             channel,
		Scheduler:           sched,
		Lifecycle:           lifecycle,
		Ingress:             ingress,
		IngressDomainSuffix: cfg.External.IngressDomainSuffix,
		SecretResolver:      secretResolver,
	})

	sysvm := systemvm.New(s, s, s, systemvm.DefaultConfig())
	sysvm.Register(engine)
	sysvm.Start()

	billingCtl := billing.New(s, s, s, s, s, channel, lifecycle, blockchain, cfg.BillingControllerConfig())
	billingCtl.Register(engine)
	billingCtl.Start()

	engine.Start()
	defer channel.StopSweeper()

	gaugeStop := startGaugeRefresher(ctx, s, cfg.Observability.Metrics.Enabled)
	defer close(gaugeStop)

	handler := &api.Handler{
		VMs:         s,
		Nodes:       s,
		NodeSecrets: s,
		Commands:    s,
		Obligations: s,
		Channel:     channel,
		Lifecycle:   lifecycle,
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	registerOpsRoutes(mux, cfg)

	httpHandler := wireMiddleware(mux, cfg)

	httpServer := &http.Server{
		Addr:    cfg.Daemon.HTTPAddr,
		Handler: httpHandler,
	}

	go func() {
		logging.Op().Info("orchestrator HTTP API started", "addr", cfg.Daemon.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Op().Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("http server shutdown", "error", err)
	}

	billingCtl.Stop()
	sysvm.Stop()
	engine.Stop()
	channel.StopSweeper()

	return nil
}

// wireMiddleware wraps mux with rate limiting (when enabled) and the
// observability span/latency middleware, matching the daemon's own
// request-handling chain.
func wireMiddleware(mux *http.ServeMux, cfg *config.Config) http.Handler {
	var h http.Handler = mux

	if cfg.RateLimit.Enabled {
		tiers := make(map[string]ratelimit.TierConfig, len(cfg.RateLimit.Tiers))
		for name, t := range cfg.RateLimit.Tiers {
			tiers[name] = ratelimit.TierConfig{RequestsPerSecond: t.RequestsPerSecond, BurstSize: t.BurstSize}
		}
		defaultTier := ratelimit.TierConfig{
			RequestsPerSecond: cfg.RateLimit.Default.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.Default.BurstSize,
		}
		backend := ratelimit.Backend(ratelimit.NewLocalTokenBucketBackend())
		if cfg.RateLimit.RedisAddr != "" {
			redisClient := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
			backend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(redisClient))
		}
		limiter := ratelimit.New(backend, tiers, defaultTier)
		publicPaths := []string{"/health", "/health/live", "/health/ready", "/health/startup", "/metrics", "/metrics/prometheus", "/api/nodes/register"}
		h = ratelimit.Middleware(limiter, publicPaths)(h)
	}

	h = observability.HTTPMiddleware(h)
	return h
}

// registerOpsRoutes wires the metrics and health endpoints used by the
// orchestrator's own deployment tooling, separate from the §6 VM/node API
// surface api.Handler owns.
func registerOpsRoutes(mux *http.ServeMux, cfg *config.Config) {
	mux.Handle("GET /metrics", metrics.Global().JSONHandler())
	if cfg.Observability.Metrics.Enabled {
		mux.Handle("GET /metrics/prometheus", metrics.PrometheusHandler())
	}

	healthy := func(w http.ResponseWriter, r *http.Request) {
		auth.WriteData(w, http.StatusOK, map[string]string{"status": "ok"})
	}
	mux.HandleFunc("GET /health", healthy)
	mux.HandleFunc("GET /health/live", healthy)
	mux.HandleFunc("GET /health/ready", healthy)
	mux.HandleFunc("GET /health/startup", healthy)
}

// newSecretsResolver builds the $SECRET:name resolver backing both
// collaborator-credential and VM UserData resolution, or returns a nil
// resolver when the encrypted secrets store isn't configured.
func newSecretsResolver(cfg *config.Config) (*secrets.Resolver, error) {
	if !cfg.Secrets.Enabled {
		return nil, nil
	}

	var cipher *secrets.Cipher
	var err error
	if cfg.Secrets.MasterKeyFile != "" {
		cipher, err = secrets.NewCipherFromFile(cfg.Secrets.MasterKeyFile)
	} else {
		cipher, err = secrets.NewCipher(cfg.Secrets.MasterKey)
	}
	if err != nil {
		return nil, fmt.Errorf("load secrets master key: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Secrets.RedisAddr})
	return secrets.NewResolver(secrets.NewStore(redisClient, cipher)), nil
}

// wireCollaboratorSecrets resolves the blockchain bridge and ingress
// controller bearer credentials out of the encrypted secrets store, when
// configured, and attaches them to the clients. A nil resolver or an unset
// secret name means the collaborator is called unauthenticated.
func wireCollaboratorSecrets(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver, blockchain *external.HTTPBlockchainClient, ingress *external.HTTPIngressConfigApplier) error {
	if resolver == nil {
		return nil
	}

	if cfg.External.BlockchainAuthSecret != "" {
		token, err := resolver.ResolveValue(ctx, "$SECRET:"+cfg.External.BlockchainAuthSecret)
		if err != nil {
			return fmt.Errorf("resolve blockchain auth secret %q: %w", cfg.External.BlockchainAuthSecret, err)
		}
		blockchain.SetAuthToken(token)
	}
	if cfg.External.IngressAuthSecret != "" {
		token, err := resolver.ResolveValue(ctx, "$SECRET:"+cfg.External.IngressAuthSecret)
		if err != nil {
			return fmt.Errorf("resolve ingress auth secret %q: %w", cfg.External.IngressAuthSecret, err)
		}
		ingress.SetAuthToken(token)
	}
	return nil
}

// startGaugeRefresher periodically recomputes the Prometheus gauges that
// have no natural event to drive them (active node count, ready-obligation
// count) until the returned channel is closed. There's no store method that
// enumerates every VM regardless of owner/type, so SetActiveVMs is left
// unset here rather than approximated from a partial listing.
func startGaugeRefresher(ctx context.Context, s *store.Store, enabled bool) chan struct{} {
	stop := make(chan struct{})
	if !enabled {
		return stop
	}
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if nodes, err := s.ListOnlineNodes(ctx); err == nil {
					metrics.SetActiveNodes(len(nodes))
				}
				if ready, err := s.ListObligationsByStatus(ctx, domain.ObligationReady); err == nil {
					metrics.SetObligationsReady(len(ready))
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}
