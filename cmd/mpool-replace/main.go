package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/admin"
	"github.com/VOTGroup/lotus-mpool-replace/internal/alert"
	"github.com/VOTGroup/lotus-mpool-replace/internal/circuitbreaker"
	"github.com/VOTGroup/lotus-mpool-replace/internal/config"
	"github.com/VOTGroup/lotus-mpool-replace/internal/engine"
	"github.com/VOTGroup/lotus-mpool-replace/internal/epoch"
	"github.com/VOTGroup/lotus-mpool-replace/internal/events"
	"github.com/VOTGroup/lotus-mpool-replace/internal/fee"
	"github.com/VOTGroup/lotus-mpool-replace/internal/lotus"
	"github.com/VOTGroup/lotus-mpool-replace/internal/lotus/rpc"
	"github.com/VOTGroup/lotus-mpool-replace/internal/ratelimit"
	"github.com/VOTGroup/lotus-mpool-replace/internal/scheduler"
	"github.com/VOTGroup/lotus-mpool-replace/internal/store/postgres"
	redispkg "github.com/VOTGroup/lotus-mpool-replace/internal/store/redis"
	"github.com/VOTGroup/lotus-mpool-replace/internal/store/statefile"
	"github.com/VOTGroup/lotus-mpool-replace/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const serviceName = "lotus-mpool-replace"

const (
	dbPoolStatsInterval = 15 * time.Second
	historyCacheSize    = 256
	historyCacheTTL     = 5 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// options holds command-line overrides. Only flags the user actually set
// replace the environment and file values.
type options struct {
	minFee            string
	maxFee            string
	pendingWaitEpochs int64
	workingWaitEpochs int64
	feeMode           string
	dataDir           string
	logFile           string
	logLevel          string
	apiURL            string
	healthPort        int
	once              bool
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "mpool-replace",
		Short:        "Escalate fees of stuck local Lotus mpool messages",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger, closeLog, err := newLogger(cfg.Log, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer closeLog()
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, opts.once, logger); err != nil {
				logger.Error("mpool-replace exited with error", "error", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.minFee, "min-fee", "", "fee limit of the first replacement, in FIL (MIN_FEE)")
	flags.StringVar(&opts.maxFee, "max-fee", "", "upper bound of any submitted fee limit, in FIL (MAX_FEE)")
	flags.Int64Var(&opts.pendingWaitEpochs, "pending-wait", 0, "grace period in epochs before escalation starts (PENDING_WAIT_EPOCHS)")
	flags.Int64Var(&opts.workingWaitEpochs, "working-wait", 0, "epochs between replacement rounds (WORKING_WAIT_EPOCHS)")
	flags.StringVar(&opts.feeMode, "fee-mode", "", "escalation mode: linear or exponential (FEE_MODE)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory for the state file; empty keeps state in memory (DATA_DIR)")
	flags.StringVar(&opts.logFile, "log-file", "", "also append logs to this file (LOG_FILE)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	flags.StringVar(&opts.apiURL, "api-url", "", "Lotus JSON-RPC endpoint (LOTUS_API_URL)")
	flags.IntVar(&opts.healthPort, "health-port", 0, "port for /healthz, /metrics and the admin API (HEALTH_PORT)")
	flags.BoolVar(&opts.once, "once", false, "run a single tick and exit")

	return cmd
}

func (o *options) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("min-fee") {
		v, err := decimal.NewFromString(o.minFee)
		if err != nil {
			return fmt.Errorf("--min-fee: %w", err)
		}
		cfg.Engine.MinFee = v
	}
	if changed("max-fee") {
		v, err := decimal.NewFromString(o.maxFee)
		if err != nil {
			return fmt.Errorf("--max-fee: %w", err)
		}
		cfg.Engine.MaxFee = v
	}
	if changed("pending-wait") {
		cfg.Engine.PendingWaitEpochs = o.pendingWaitEpochs
	}
	if changed("working-wait") {
		cfg.Engine.WorkingWaitEpochs = o.workingWaitEpochs
	}
	if changed("fee-mode") {
		cfg.Engine.FeeMode = o.feeMode
	}
	if changed("data-dir") {
		cfg.State.DataDir = o.dataDir
	}
	if changed("log-file") {
		cfg.Log.File = o.logFile
	}
	if changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if changed("api-url") {
		cfg.Lotus.APIURL = o.apiURL
	}
	if changed("health-port") {
		cfg.Server.HealthPort = o.healthPort
	}
	return nil
}

// newLogger builds the JSON logger. With a log file configured, records go
// to both out and the file.
func newLogger(cfg config.LogConfig, out io.Writer) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(out, f)
		closeFn = func() { f.Close() }
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeFn, nil
}

func run(ctx context.Context, cfg *config.Config, once bool, logger *slog.Logger) error {
	node := nodeName(cfg.Lotus.APIURL)
	logger.Info("starting mpool-replace",
		"node", node,
		"min_fee", cfg.Engine.MinFee.String(),
		"max_fee", cfg.Engine.MaxFee.String(),
		"pending_wait_epochs", cfg.Engine.PendingWaitEpochs,
		"working_wait_epochs", cfg.Engine.WorkingWaitEpochs,
		"fee_increase_percent", cfg.Engine.FeeIncreasePercent.String(),
		"fee_mode", cfg.Engine.FeeMode,
		"data_dir", cfg.State.DataDir,
		"once", once,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, serviceName, tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	alerter := alert.FromURLs(cfg.Alert.SlackWebhookURL, cfg.Alert.WebhookURL, cfg.Alert.Cooldown, logger)

	policy := fee.Policy{
		MinFee:          cfg.Engine.MinFee,
		IncreasePercent: cfg.Engine.FeeIncreasePercent,
		Mode:            fee.ParseMode(cfg.Engine.FeeMode),
		Logger:          logger,
	}
	checkPolicy(ctx, policy, alerter, node, logger)

	gateway := newGateway(cfg, logger)

	sink, history, closeSinks := buildSinks(ctx, cfg, logger)
	defer closeSinks()

	tracker := engine.NewTracker(engine.TrackerConfig{
		MinFee:            cfg.Engine.MinFee,
		MaxFee:            cfg.Engine.MaxFee,
		PendingWaitEpochs: cfg.Engine.PendingWaitEpochs,
		WorkingWaitEpochs: cfg.Engine.WorkingWaitEpochs,
	}, policy, engine.NewExecutor(gateway, logger), logger)

	sched := scheduler.New(scheduler.Config{
		Node:                node,
		SyncPollInterval:    cfg.Epoch.SyncPoll,
		CalibrateMaxBackoff: cfg.Epoch.CalibrateMax,
		UnsyncedAlertAfter:  cfg.Alert.UnsyncedAfter,
	},
		gateway,
		gateway,
		epoch.NewClock(cfg.Epoch.Interval, nil),
		tracker,
		statefile.New(cfg.State.DataDir, cfg.Stats.FeeWindowEpochs, cfg.Stats.AgeWindowEpochs),
		logger,
		scheduler.WithSink(sink),
		scheduler.WithAlerter(alerter),
	)

	if once {
		return runOnce(ctx, sched, logger)
	}

	g, gCtx := errgroup.WithContext(ctx)

	adminOpts := []admin.ServerOption{
		admin.WithHealthProvider(sched.Health()),
		admin.WithRouteLimiter(admin.NewRouteLimiter(logger)),
	}
	if history != nil {
		adminOpts = append(adminOpts, admin.WithHistoryProvider(admin.NewCachedHistory(history, historyCacheSize, historyCacheTTL)))
	}
	adminServer := admin.NewServer(sched, logger, adminOpts...)

	g.Go(func() error {
		handler := healthMux(sched.Health(), admin.AccessLogMiddleware(logger, adminServer.Handler()), logger)
		return runHealthServer(gCtx, cfg.Server.HealthPort, handler, logger)
	})

	g.Go(func() error {
		return sched.Run(gCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("mpool-replace shut down gracefully")
	return nil
}

func runOnce(ctx context.Context, sched *scheduler.Scheduler, logger *slog.Logger) error {
	if err := sched.Start(ctx); err != nil {
		return err
	}
	report, err := sched.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("single tick: %w", err)
	}
	logger.Info("single tick completed",
		"epoch", report.Epoch,
		"tracked", report.Tracked,
		"promoted", report.Promoted,
		"replaced", report.Replaced,
		"confirmed", report.Confirmed,
	)
	return nil
}

// checkPolicy logs an invalid escalation policy and raises a CONFIG_ERROR
// alert. The daemon keeps running; an unknown mode leaves fees unchanged.
func checkPolicy(ctx context.Context, policy fee.Policy, alerter alert.Alerter, node string, logger *slog.Logger) {
	err := policy.Validate()
	if err == nil {
		return
	}
	logger.Error("fee escalation misconfigured, round fees will not increase", "error", err)
	if !errors.Is(err, fee.ErrUnknownMode) {
		return
	}
	if alertErr := alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeConfigError,
		Node:    node,
		Subject: "fee_mode",
		Title:   "Unknown fee escalation mode",
		Message: err.Error(),
		Fields:  map[string]string{"fee_mode": string(policy.Mode)},
	}); alertErr != nil {
		logger.Warn("config alert send failed", "error", alertErr)
	}
}

func newGateway(cfg *config.Config, logger *slog.Logger) *lotus.Gateway {
	client := rpc.NewClient(cfg.Lotus.APIURL, cfg.Lotus.APIToken, cfg.Lotus.RPCTimeout, logger)
	if cfg.Lotus.RPCRPS > 0 {
		client.SetRateLimiter(ratelimit.NewLimiter(cfg.Lotus.RPCRPS, cfg.Lotus.RPCBurst, "lotus"))
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name: "lotus",
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("lotus circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return lotus.NewGateway(client, lotus.Config{
		EpochInterval: cfg.Epoch.Interval,
		Breaker:       breaker,
	}, logger)
}

// buildSinks opens the optional event sinks. A sink that cannot be reached
// at startup is logged and left out; the engine runs without it.
func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (events.Sink, admin.HistoryProvider, func()) {
	var (
		sinks   []events.Sink
		history admin.HistoryProvider
	)

	if cfg.Redis.EventStreamEnabled {
		stream, err := redispkg.NewStream(ctx, cfg.Redis.URL, cfg.Redis.EventStreamKey, cfg.Redis.EventStreamMaxLen)
		if err != nil {
			logger.Error("redis event stream disabled", "error", err)
		} else {
			logger.Info("redis event stream enabled", "key", cfg.Redis.EventStreamKey, "max_len", cfg.Redis.EventStreamMaxLen)
			sinks = append(sinks, stream)
		}
	}

	if cfg.DB.URL != "" {
		repo, err := openHistory(ctx, cfg.DB, logger)
		if err != nil {
			logger.Error("event history database disabled", "error", err)
		} else {
			logger.Info("event history database enabled")
			sinks = append(sinks, repo)
			history = repo
		}
	}

	if len(sinks) == 0 {
		return events.NopSink{}, nil, func() {}
	}
	multi := events.NewMultiSink(sinks...)
	return multi, history, func() {
		if err := multi.Close(); err != nil {
			logger.Warn("event sink close error", "error", err)
		}
	}
}

func openHistory(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*postgres.HistoryRepo, error) {
	db, err := postgres.New(ctx, postgres.Config{
		URL:                cfg.URL,
		MaxOpenConns:       cfg.MaxOpenConns,
		MaxIdleConns:       cfg.MaxIdleConns,
		ConnMaxLifetime:    cfg.ConnMaxLifetime,
		StatementTimeoutMS: cfg.StatementTimeoutMS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect history db: %w", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	db.StartPoolStatsPump(ctx, dbPoolStatsInterval, logger)
	return postgres.NewHistoryRepo(db), nil
}

// nodeName is the host of the Lotus endpoint, used to label alerts.
func nodeName(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil || u.Host == "" {
		return apiURL
	}
	return u.Host
}

func healthMux(health *scheduler.Health, adminHandler http.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !health.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("unhealthy")); err != nil {
				logger.Warn("failed to write health response", "error", err)
			}
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/admin/", adminHandler)
	return mux
}

func runHealthServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
