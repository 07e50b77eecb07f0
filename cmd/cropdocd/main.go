// Package main implements the cropdoc field-diagnosis daemon.
//
// The daemon keeps a field device useful with or without a network: it
// monitors connectivity, keeps the on-device model current, answers
// diagnosis requests (remote when reachable, local otherwise), tracks the
// daily allowance, and drains locally-accumulated records to the server
// whenever connectivity returns.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/verdantlab/cropdoc/connectivity"
	"github.com/verdantlab/cropdoc/diagnosis"
	"github.com/verdantlab/cropdoc/model"
	"github.com/verdantlab/cropdoc/quota"
	"github.com/verdantlab/cropdoc/remote"
	"github.com/verdantlab/cropdoc/store"
	"github.com/verdantlab/cropdoc/syncer"
	"github.com/verdantlab/cropdoc/timing"
)

// Config holds application configuration.
type Config struct {
	// Storage
	DataDir  string
	ModelDir string

	// Remote authority
	APIBaseURL string
	APIToken   string
	S3Region   string

	// Connectivity probing
	ProbeInterval time.Duration

	// Model lifecycle
	UpdateInterval        time.Duration
	AllowChecksumMismatch bool

	// Metrics
	MetricsAddr string

	// Logging
	LogLevel string

	// Command-specific flags
	Image        string
	CropID       string
	CropName     string
	ForceRefresh bool
	Limit        int
	UsageRows    bool
	DiagnosisID  string
	Stars        int
	Comment      string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir:        "/var/lib/cropdoc",
		ModelDir:       "/var/lib/cropdoc/models",
		APIBaseURL:     "https://api.cropdoc.dev/v1",
		APIToken:       os.Getenv("CROPDOC_API_TOKEN"),
		S3Region:       "us-east-1",
		ProbeInterval:  15 * time.Second,
		UpdateInterval: 6 * time.Hour,
		MetricsAddr:    "127.0.0.1:9290",
		LogLevel:       "info",
		Limit:          20,
	}
}

var (
	// Global logger
	log = logrus.New()

	// Command flags
	daemonCmd   = flag.NewFlagSet("daemon", flag.ExitOnError)
	diagnoseCmd = flag.NewFlagSet("diagnose", flag.ExitOnError)
	historyCmd  = flag.NewFlagSet("history", flag.ExitOnError)
	statusCmd   = flag.NewFlagSet("status", flag.ExitOnError)
	rateCmd     = flag.NewFlagSet("rate", flag.ExitOnError)
	syncCmd     = flag.NewFlagSet("sync", flag.ExitOnError)
	updateCmd   = flag.NewFlagSet("check-update", flag.ExitOnError)
	sweepCmd    = flag.NewFlagSet("sweep", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	config := DefaultConfig()

	switch os.Args[1] {
	case "daemon":
		parseCommonFlags(&config, daemonCmd, os.Args[2:])
		if err := runDaemon(config); err != nil {
			log.WithError(err).Fatal("daemon failed")
		}
	case "diagnose":
		parseDiagnoseFlags(&config, diagnoseCmd, os.Args[2:])
		if err := runDiagnose(config); err != nil {
			log.WithError(err).Fatal("diagnosis failed")
		}
	case "history":
		parseHistoryFlags(&config, historyCmd, os.Args[2:])
		if err := runHistory(config); err != nil {
			log.WithError(err).Fatal("failed to list diagnoses")
		}
	case "status":
		parseStatusFlags(&config, statusCmd, os.Args[2:])
		if err := runStatus(config); err != nil {
			log.WithError(err).Fatal("failed to report status")
		}
	case "rate":
		parseRateFlags(&config, rateCmd, os.Args[2:])
		if err := runRate(config); err != nil {
			log.WithError(err).Fatal("rating failed")
		}
	case "sync":
		parseCommonFlags(&config, syncCmd, os.Args[2:])
		if err := runSync(config); err != nil {
			log.WithError(err).Fatal("sync failed")
		}
	case "check-update":
		parseCommonFlags(&config, updateCmd, os.Args[2:])
		if err := runCheckUpdate(config); err != nil {
			log.WithError(err).Fatal("update check failed")
		}
	case "sweep":
		parseCommonFlags(&config, sweepCmd, os.Args[2:])
		if err := runSweep(config); err != nil {
			log.WithError(err).Fatal("sweep failed")
		}
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("cropdoc field-diagnosis daemon")
	fmt.Println()
	fmt.Println("Usage: cropdocd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  daemon        Run the background daemon (sync, model updates, metrics)")
	fmt.Println("  diagnose      Diagnose a crop image")
	fmt.Println("  history       List stored diagnoses")
	fmt.Println("  status        Show model, usage, and sync status")
	fmt.Println("  rate          Rate a past diagnosis and queue model feedback")
	fmt.Println("  sync          Run one sync pass now")
	fmt.Println("  check-update  Check for and install a newer model")
	fmt.Println("  sweep         Remove orphaned model files")
	fmt.Println()
	fmt.Println("Run 'cropdocd <command> --help' for more information on a command.")
}

// parseCommonFlags registers the flags every command shares.
func parseCommonFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	addCommonFlags(cfg, fs)
	fs.Parse(args)
}

func addCommonFlags(cfg *Config, fs *flag.FlagSet) {
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory")
	fs.StringVar(&cfg.ModelDir, "model-dir", cfg.ModelDir, "Model artifact directory")
	fs.StringVar(&cfg.APIBaseURL, "api-url", cfg.APIBaseURL, "Remote API base URL")
	fs.StringVar(&cfg.APIToken, "api-token", cfg.APIToken, "API bearer token (or CROPDOC_API_TOKEN)")
	fs.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "AWS region for s3:// artifact URLs")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "Connectivity probe interval")
	fs.DurationVar(&cfg.UpdateInterval, "update-interval", cfg.UpdateInterval, "Model update check interval")
	fs.BoolVar(&cfg.AllowChecksumMismatch, "allow-checksum-mismatch", cfg.AllowChecksumMismatch, "Install models whose checksum does not match (legacy behavior)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (daemon only)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
}

// parseDiagnoseFlags parses flags for the diagnose command.
func parseDiagnoseFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	addCommonFlags(cfg, fs)
	fs.StringVar(&cfg.Image, "image", "", "Path to the crop image (required)")
	fs.StringVar(&cfg.CropID, "crop-id", "", "Crop identifier")
	fs.StringVar(&cfg.CropName, "crop-name", "", "Crop display name")
	fs.Parse(args)

	if cfg.Image == "" {
		fmt.Println("Error: --image is required")
		fs.Usage()
		os.Exit(1)
	}
}

// parseHistoryFlags parses flags for the history command.
func parseHistoryFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	addCommonFlags(cfg, fs)
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "Maximum diagnoses to list")
	fs.BoolVar(&cfg.UsageRows, "usage", false, "List per-day usage rows instead of diagnoses")
	fs.Parse(args)
}

// parseRateFlags parses flags for the rate command.
func parseRateFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	addCommonFlags(cfg, fs)
	fs.StringVar(&cfg.DiagnosisID, "id", "", "Diagnosis id to rate (required)")
	fs.IntVar(&cfg.Stars, "stars", 0, "Star rating, 1 to 5 (required)")
	fs.StringVar(&cfg.Comment, "comment", "", "Optional free-text comment")
	fs.Parse(args)
}

// parseStatusFlags parses flags for the status command.
func parseStatusFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	addCommonFlags(cfg, fs)
	fs.BoolVar(&cfg.ForceRefresh, "refresh", false, "Force a server usage refresh")
	fs.Parse(args)
}

// setupLogger configures the global logger.
func setupLogger(level string) error {
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)

	return nil
}

// deps bundles the wired application components.
type deps struct {
	store   *store.Store
	monitor *connectivity.Monitor
	client  *remote.Client
	models  *model.Manager
	engine  *diagnosis.Engine
	tracker *quota.Tracker
	syncer  *syncer.Syncer
}

// buildDeps wires the application graph.
func buildDeps(ctx context.Context, cfg Config) (*deps, error) {
	storeCfg := store.DefaultConfig()
	storeCfg.Dir = cfg.DataDir
	st, err := store.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	monitor := connectivity.NewMonitor(connectivity.DefaultProber(), cfg.ProbeInterval, log)

	tokens := remote.StaticToken(cfg.APIToken)
	clientCfg := remote.DefaultConfig()
	clientCfg.BaseURL = cfg.APIBaseURL
	clientCfg.Tokens = tokens
	client, err := remote.New(clientCfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	client.SetLogger(log)

	fetcher, err := remote.NewArtifactFetcher(ctx, cfg.S3Region, tokens)
	if err != nil {
		st.Close()
		return nil, err
	}
	fetcher.SetLogger(log)

	models, err := model.New(st, client, fetcher, monitor, model.Config{
		Dir:                   cfg.ModelDir,
		AllowChecksumMismatch: cfg.AllowChecksumMismatch,
	}, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	engine := diagnosis.NewEngine(st, client, models, monitor, log)
	tracker := quota.NewTracker(st, client, monitor, log)
	sync := syncer.New(st, client, tracker, monitor, log)

	return &deps{
		store:   st,
		monitor: monitor,
		client:  client,
		models:  models,
		engine:  engine,
		tracker: tracker,
		syncer:  sync,
	}, nil
}

// runDaemon runs the long-lived background process.
func runDaemon(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := timing.NewSessionMetrics()
	ctx = timing.WithMetrics(ctx, metrics)

	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.store.Close()

	go d.monitor.Run(ctx)

	unsubscribe := d.syncer.Start(ctx)
	defer unsubscribe()

	// Periodic model update checks, plus one shortly after startup so a
	// fresh install does not wait six hours for its first model.
	go func() {
		ticker := time.NewTicker(cfg.UpdateInterval)
		defer ticker.Stop()

		check := func() {
			timer := timing.Start("model_update_check", log)
			installed, err := d.models.CheckForUpdates(ctx)
			metrics.RecordModelCheck(timer.Stop())
			if err != nil {
				log.WithError(err).Error("model update check failed")
				return
			}
			if installed {
				if err := d.models.SweepOrphans(); err != nil {
					log.WithError(err).Warn("orphan sweep after install failed")
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
			check()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	log.WithFields(logrus.Fields{
		"data_dir": cfg.DataDir,
		"database": d.store.Path(),
	}).Info("daemon started")

	// SIGUSR1 means the app came to the foreground: sync now rather than
	// waiting for the next connectivity transition.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for sig := range sigCh {
		if sig == syscall.SIGUSR1 {
			log.Info("foreground signal received, triggering sync")
			d.syncer.Trigger("foreground")
			continue
		}
		log.WithField("signal", sig).Info("received shutdown signal")
		break
	}

	cancel()

	snap := metrics.Snapshot()
	log.WithFields(logrus.Fields{
		"model_checks_ms": snap.ModelCheckDuration.Milliseconds(),
		"downloads_ms":    snap.DownloadDuration.Milliseconds(),
		"inference_ms":    snap.InferenceDuration.Milliseconds(),
		"sync_ms":         snap.SyncDuration.Milliseconds(),
		"inference_runs":  snap.InferenceCount,
		"sync_passes":     snap.SyncCount,
	}).Info("session totals")
	log.Info("shutdown complete")
	return nil
}

// runDiagnose performs a one-shot diagnosis: record the attempt against the
// daily allowance, then run the image through whichever backend is available.
func runDiagnose(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.store.Close()

	primeConnectivity(ctx, d.monitor)

	usage, err := d.tracker.RecordAttempt(ctx)
	if err != nil {
		if usage != nil && usage.LimitReached {
			if usage.DailyLimit != nil {
				fmt.Printf("Daily limit reached: %d of %d attempts used.\n", usage.AttemptsUsed, *usage.DailyLimit)
			} else {
				fmt.Printf("Daily limit reached: %d attempts used.\n", usage.AttemptsUsed)
			}
			os.Exit(2)
		}
		return err
	}
	if usage.LimitReached && !usage.Unlimited {
		log.WithField("attempts_used", usage.AttemptsUsed).Warn("daily allowance exhausted, proceeding offline")
	}

	timer := timing.Start("diagnosis", log)
	result, err := d.engine.Diagnose(ctx, cfg.CropID, cfg.CropName, cfg.Image)
	timer.Stop()
	if err != nil {
		return err
	}

	return printJSON(result)
}

// runHistory lists stored diagnoses (or per-day usage rows with -usage),
// newest first.
func runHistory(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.store.Close()

	if cfg.UsageRows {
		rows, err := d.tracker.History(ctx)
		if err != nil {
			return err
		}
		return printJSON(rows)
	}

	diagnoses, err := d.engine.List(ctx, cfg.Limit)
	if err != nil {
		return err
	}
	return printJSON(diagnoses)
}

// statusReport is the status command's output shape.
type statusReport struct {
	Model        *store.ModelArtifact       `json:"model"`
	Usage        *quota.Usage               `json:"usage"`
	Subscription *store.SubscriptionSnapshot `json:"subscription"`
	Connected    bool                       `json:"connected"`
	PendingSync  int                        `json:"pending_sync"`
}

// runStatus reports the installed model, today's usage, and sync backlog.
func runStatus(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.store.Close()

	primeConnectivity(ctx, d.monitor)

	report := statusReport{Connected: d.monitor.IsConnected()}

	if report.Model, err = d.models.Current(); err != nil {
		return err
	}
	if report.Usage, err = d.tracker.FetchUsage(ctx, cfg.ForceRefresh); err != nil {
		return err
	}
	if report.Subscription, err = d.store.CurrentSubscription(); err != nil {
		return err
	}
	if report.PendingSync, err = d.store.CountUnsynced(ctx); err != nil {
		return err
	}

	return printJSON(report)
}

// runRate marks a stored diagnosis as rated and queues model feedback for
// the next sync pass.
func runRate(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.DiagnosisID == "" {
		return fmt.Errorf("-id is required")
	}
	if cfg.Stars < 1 || cfg.Stars > 5 {
		return fmt.Errorf("-stars must be between 1 and 5")
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.store.Close()

	diag, err := d.engine.Get(ctx, cfg.DiagnosisID)
	if err != nil {
		return err
	}
	if diag == nil {
		return fmt.Errorf("diagnosis not found: %s", cfg.DiagnosisID)
	}
	if err := d.engine.MarkRated(ctx, diag.ID); err != nil {
		return err
	}

	rating := &store.ModelRating{
		ModelID:   diag.ModelID,
		Stars:     cfg.Stars,
		Feedback:  cfg.Comment,
		CropType:  diag.CropName,
		CreatedAt: time.Now(),
	}
	id, err := d.models.SaveRating(ctx, rating)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"rating_id":    id,
		"diagnosis_id": diag.ID,
		"stars":        cfg.Stars,
	}).Info("rating recorded, will sync when online")

	primeConnectivity(ctx, d.monitor)
	if d.monitor.IsConnected() {
		if _, err := d.syncer.Run(ctx, "rating"); err != nil {
			log.WithError(err).Warn("immediate sync after rating failed")
		}
	}
	return nil
}

// runSync executes one synchronous sync pass.
func runSync(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.store.Close()

	primeConnectivity(ctx, d.monitor)
	if !d.monitor.IsConnected() {
		return fmt.Errorf("device is offline, nothing to sync against")
	}

	stats, err := d.syncer.Run(ctx, "manual")
	if err != nil {
		return err
	}
	return printJSON(stats)
}

// runCheckUpdate checks for and installs a newer model.
func runCheckUpdate(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.store.Close()

	primeConnectivity(ctx, d.monitor)

	installed, err := d.models.CheckForUpdates(ctx)
	if err != nil {
		return err
	}
	if !installed {
		fmt.Println("Model is up to date.")
		return nil
	}

	current, err := d.models.Current()
	if err != nil {
		return err
	}
	fmt.Printf("Installed model %s (version %s).\n", current.ModelID, current.Version)
	return d.models.SweepOrphans()
}

// runSweep removes orphaned model files.
func runSweep(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.store.Close()

	return d.models.SweepOrphans()
}

// primeConnectivity runs one synchronous probe so short-lived commands make
// routing decisions on fresh state instead of the optimistic default.
func primeConnectivity(ctx context.Context, m *connectivity.Monitor) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	m.ProbeOnce(probeCtx)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
