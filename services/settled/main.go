package settled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"settlehub/observability"
	"settlehub/observability/logging"
	telemetry "settlehub/observability/otel"
	"settlehub/services/settled/admin"
	"settlehub/services/settled/assets"
	"settlehub/services/settled/batch"
	"settlehub/services/settled/config"
	"settlehub/services/settled/dex"
	"settlehub/services/settled/exchange"
	"settlehub/services/settled/notify"
	"settlehub/services/settled/payout"
	"settlehub/services/settled/pricing"
	"settlehub/services/settled/report"
	"settlehub/services/settled/scheduler"
	"settlehub/services/settled/storage"
	"settlehub/services/settled/strategy"
)

// Job names registered with the scheduler.
const (
	JobBatching         = "batching"
	JobLiquidity        = "liquidity"
	JobPurchaseFinalize = "purchase-finalize"
	JobPayoutHandoff    = "payout-handoff"
	JobPayout           = "payout"
	JobReport           = "report"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settled/config.yaml", "path to settled configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SETTLEHUB_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("settled", env, logging.WithFile(
		cfg.Logging.File,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
	))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(telemetry.Config{
		ServiceName: "settled",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Enabled,
		Traces:      cfg.Telemetry.Enabled,
	}))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	store, err := storage.Open(cfg.Database.DSN, cfg.Database.AutoMigrate)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	svc, err := build(cfg, store, logger)
	if err != nil {
		return err
	}

	locker, closeLocker, err := scheduler.NewLocker(cfg.Jobs.Lock, store)
	if err != nil {
		return fmt.Errorf("init job lock: %w", err)
	}
	defer func() { _ = closeLocker() }()

	sched, err := scheduler.New(locker, cfg.Jobs.Interval.Duration, cfg.Jobs.LockTTL.Duration,
		scheduler.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	if err := svc.register(sched); err != nil {
		return err
	}

	adminServer := admin.NewServer(store, sched, svc.payouts, logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      adminServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() { _ = sched.Run(stopCtx) }()
	if cfg.Report.Enabled {
		daily := report.NewScheduler(report.SchedulerConfig{
			Run: func(ctx context.Context) error {
				return sched.Trigger(ctx, JobReport)
			},
			RunHour:   cfg.Report.RunHour,
			RunMinute: cfg.Report.RunMinute,
			Logger:    logger,
		})
		go daily.Start(stopCtx)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("settled listening", "addr", cfg.ListenAddress, "jobs", sched.Jobs())
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		sched.Wait()
		logger.Info("settled stopped")
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type service struct {
	builder  *batch.Builder
	securer  *batch.Securer
	handler  *batch.PayoutHandler
	dex      *dex.Engine
	payouts  *payout.Engine
	exporter *report.Exporter
}

func build(cfg config.Config, store *storage.Store, logger *slog.Logger) (*service, error) {
	metrics := observability.Settlement()

	registry, err := assets.FromConfig(cfg.Assets)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	clients, err := strategy.DialClients(cfg.Chains)
	if err != nil {
		return nil, fmt.Errorf("dial chains: %w", err)
	}
	strategies, err := strategy.Build(cfg.Chains, cfg.Payout, registry, clients)
	if err != nil {
		return nil, fmt.Errorf("build strategies: %w", err)
	}
	if err := strategies.Verify(registry); err != nil {
		return nil, err
	}

	providers, err := buildProviders(cfg.Pricing)
	if err != nil {
		return nil, err
	}
	if _, ok := registry.Native(cfg.Pricing.DEXBlockchain); ok {
		providers.DEX = append(providers.DEX, dex.NewQuoteProvider(cfg.Pricing.DEXBlockchain, registry, strategies))
	}
	resolver, err := pricing.NewResolver(pricing.Classes{
		Fiats:       cfg.Pricing.Fiats,
		Stablecoins: cfg.Pricing.Stablecoins,
		BTC:         cfg.Pricing.BTC,
		DEXNative:   cfg.Pricing.DEXNative,
	}, providers,
		pricing.WithLogger(logger),
		pricing.WithMismatchThreshold(cfg.Pricing.MismatchThreshold),
		pricing.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("build price paths: %w", err)
	}

	var sink notify.Sink
	if url := strings.TrimSpace(cfg.Notify.WebhookURL); url != "" {
		webhook, err := notify.NewWebhookSink(url, nil)
		if err != nil {
			return nil, err
		}
		sink = webhook
	}
	notifier := notify.New(sink,
		notify.WithDebounce(cfg.Notify.Debounce.Duration),
		notify.WithLogger(logger),
		notify.WithMetrics(metrics),
	)

	liquidity := dex.NewEngine(store, registry, strategies, resolver,
		dex.WithLiquidityConfig(cfg.Liquidity),
		dex.WithNotifier(notifier),
		dex.WithLogger(logger),
		dex.WithMetrics(metrics),
	)
	payouts := payout.NewEngine(store, registry, strategies, liquidity,
		payout.WithNotifier(notifier),
		payout.WithLogger(logger),
		payout.WithMetrics(metrics),
		payout.WithStableInputPeriod(cfg.Payout.StableInputPeriod.Duration),
	)

	deps := batch.Deps{
		Store:        store,
		Registry:     registry,
		Strategies:   strategies,
		Prices:       resolver,
		Liquidity:    liquidity,
		Payouts:      payouts,
		Batch:        cfg.Batch,
		Payout:       cfg.Payout,
		SafetyMargin: cfg.Liquidity.SafetyMargin,
	}
	opts := []batch.Option{
		batch.WithNotifier(notifier),
		batch.WithLogger(logger),
		batch.WithMetrics(metrics),
	}

	exporter, err := report.NewExporter(report.Config{
		Source:    store,
		OutputDir: cfg.Report.Dir,
		Window:    cfg.Report.Window.Duration,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &service{
		builder:  batch.NewBuilder(deps, opts...),
		securer:  batch.NewSecurer(deps, opts...),
		handler:  batch.NewPayoutHandler(deps, opts...),
		dex:      liquidity,
		payouts:  payouts,
		exporter: exporter,
	}, nil
}

func (s *service) register(sched *scheduler.Scheduler) error {
	periodic := []struct {
		name string
		fn   scheduler.JobFunc
	}{
		{JobBatching, s.builder.RunBatching},
		{JobLiquidity, s.securer.SecureLiquidity},
		{JobPurchaseFinalize, s.dex.FinalizePurchaseOrders},
		{JobPayoutHandoff, s.handler.PayoutTransactions},
		{JobPayout, s.payouts.ProcessOrders},
	}
	for _, job := range periodic {
		if err := sched.Register(job.name, job.fn); err != nil {
			return fmt.Errorf("register %s: %w", job.name, err)
		}
	}
	if err := sched.RegisterManual(JobReport, s.exporter.RunLatest); err != nil {
		return fmt.Errorf("register %s: %w", JobReport, err)
	}
	return nil
}

// buildProviders places every configured exchange into the resolver roles it
// declares, preserving configuration order within each role.
func buildProviders(cfg config.PricingConfig) (pricing.Providers, error) {
	var providers pricing.Providers
	exchanges := exchange.NewRegistry(cfg.CacheTTL.Duration)
	for _, providerCfg := range cfg.Providers {
		provider, err := exchanges.Build(providerCfg)
		if err != nil {
			return providers, fmt.Errorf("pricing provider %s: %w", providerCfg.Name, err)
		}
		for _, role := range providerCfg.Roles {
			switch role {
			case config.RoleFiatPrimary:
				providers.FiatPrimary = append(providers.FiatPrimary, provider)
			case config.RoleFiatReference:
				providers.FiatReference = append(providers.FiatReference, provider)
			case config.RoleCryptoPrimary:
				providers.CryptoPrimary = append(providers.CryptoPrimary, provider)
			case config.RoleCryptoReference:
				providers.CryptoReference = append(providers.CryptoReference, provider)
			}
		}
	}
	return providers, nil
}
