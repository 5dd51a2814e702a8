package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-scrape-inventory/browser"
	"github.com/aluiziolira/go-scrape-inventory/config"
	"github.com/aluiziolira/go-scrape-inventory/models"
	"github.com/aluiziolira/go-scrape-inventory/navigator"
	"github.com/aluiziolira/go-scrape-inventory/pipeline"
	"github.com/aluiziolira/go-scrape-inventory/scraper"
	"github.com/aluiziolira/go-scrape-inventory/session"
)

type options struct {
	configFile    string
	headless      bool
	outputFile    string
	outputFormat  string
	sessionFile   string
	debugDir      string
	metricsAddr   string
	verbose       bool
	baseURL       string
	maxBatches    int
	skipPreflight bool
	timeout       time.Duration
	install       bool
}

func main() {
	os.Exit(run())
}

func run() int {
	defaults := config.DefaultConfig()
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "YAML file overriding the default configuration")
	flag.BoolVar(&opts.headless, "headless", defaults.Headless, "Run the browser without a window")
	flag.StringVar(&opts.outputFile, "output", defaults.OutputFile, "Output file path")
	flag.StringVar(&opts.outputFormat, "format", defaults.OutputFormat, "Output format: csv, json, or dual")
	flag.StringVar(&opts.sessionFile, "session", defaults.SessionFile, "Saved session file")
	flag.StringVar(&opts.debugDir, "debug-dir", defaults.DebugDir, "Directory for debug screenshots")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flag.BoolVar(&opts.verbose, "v", false, "Enable verbose logging")
	flag.StringVar(&opts.baseURL, "base-url", defaults.BaseURL, "Base URL of the target site")
	flag.IntVar(&opts.maxBatches, "max-batches", defaults.MaxBatches, "Maximum card batches to extract")
	flag.BoolVar(&opts.skipPreflight, "skip-preflight", false, "Skip the HTTP reachability check")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Overall run timeout (0 disables)")
	flag.BoolVar(&opts.install, "install", false, "Install the playwright driver and Chromium before running")
	flag.Parse()

	logger, _ := newLogger(opts.verbose)
	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID))
	slog.SetDefault(logger)

	cfg, err := loadConfig(opts)
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutdown requested, stopping after the current step", slog.Any("reason", context.Cause(ctx)))
	}()

	shutdownTracing, err := setupTracing(ctx, runID)
	if err != nil {
		slog.Warn("tracing disabled", slog.Any("error", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	metrics := scraper.NewMetrics()
	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	slog.Info("starting run",
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("headless", cfg.Headless),
		slog.String("output", cfg.OutputFile),
		slog.String("format", cfg.OutputFormat),
	)

	diag := browser.NewDiagnostics(cfg.DebugDir, logger)
	if removed, err := diag.Clear(); err != nil {
		slog.Warn("could not clear old screenshots", slog.Any("error", err))
	} else if removed > 0 {
		slog.Info("cleared old screenshots", slog.Int("removed", removed))
	}

	if !opts.skipPreflight {
		prober, err := scraper.NewProber(cfg, metrics, logger)
		if err != nil {
			slog.Error("initialising preflight", slog.Any("error", err))
			return 1
		}
		start := time.Now()
		err = prober.Probe(ctx)
		metrics.ObserveStage("preflight", time.Since(start))
		if err != nil {
			slog.Error("target unreachable", slog.Any("error", err))
			return 1
		}
	}

	writer, err := pipeline.NewWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		return 1
	}
	p := pipeline.NewPipeline(writer, cfg, logger)
	p.OnCheckpoint(func(int) { metrics.IncCheckpoint() })
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	driver, err := browser.Launch(browser.LaunchOptions{Headless: cfg.Headless, InstallDriver: opts.install})
	if err != nil {
		slog.Error("launching browser", slog.Any("error", err))
		_ = p.Close()
		return 1
	}
	defer func() {
		if err := driver.Stop(); err != nil {
			slog.Error("browser shutdown failed", slog.Any("error", err))
		}
		slog.Info("browser closed")
	}()

	in := browser.NewInteractor(cfg, diag, metrics, logger)
	manager := session.NewManager(cfg, session.NewFileStore(cfg.SessionFile), in, logger)

	startTime := time.Now()
	stageStart := startTime
	auth, err := manager.Establish(ctx, driver.Browser())
	metrics.ObserveStage("authentication", time.Since(stageStart))
	if err != nil {
		metrics.IncError("authentication")
		slog.Error("authentication failed", slog.Any("error", err))
		_ = p.Close()
		return 1
	}
	defer func() {
		if err := auth.Close(); err != nil {
			slog.Warn("closing page and context", slog.Any("error", err))
		}
	}()
	slog.Info("authenticated", slog.Bool("restored", auth.Restored), slog.String("url", auth.Page.URL()))

	stageStart = time.Now()
	stage, err := navigator.New(cfg, in, logger).Navigate(ctx, auth.Page)
	metrics.ObserveStage("navigation", time.Since(stageStart))
	if err != nil {
		metrics.IncError("navigation")
		slog.Error("navigation failed", slog.String("stage", stage.String()), slog.Any("error", err))
		_ = p.Close()
		return 1
	}

	result := scraper.New(cfg, in, p, metrics, logger).Scrape(ctx, auth.Page)

	exitCode := 0
	if err := p.Close(); err != nil {
		slog.Error("saving records failed", slog.Any("error", err))
		exitCode = 1
	} else if len(p.Records()) > 0 {
		if err := writer.Validate(); err != nil {
			slog.Error("output validation failed", slog.Any("error", err))
			exitCode = 1
		}
	}
	if result.Err != nil {
		exitCode = 1
	}

	printSummary(result, p.GetMetrics(), time.Since(startTime), cfg.OutputFile)
	return exitCode
}

// loadConfig layers the YAML file, the environment and explicitly set flags
// over the defaults.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.LoadFile(opts.configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "headless":
			cfg.Headless = opts.headless
		case "output":
			cfg.OutputFile = opts.outputFile
		case "format":
			cfg.OutputFormat = strings.ToLower(opts.outputFormat)
		case "session":
			cfg.SessionFile = opts.sessionFile
		case "debug-dir":
			cfg.DebugDir = opts.debugDir
		case "metrics-addr":
			cfg.MetricsAddr = opts.metricsAddr
		case "base-url":
			cfg.BaseURL = opts.baseURL
		case "max-batches":
			cfg.MaxBatches = opts.maxBatches
		}
	})
	if opts.verbose {
		cfg.Verbose = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printSummary(result *models.ScrapeResult, metrics map[string]interface{}, duration time.Duration, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	if result.Err != nil {
		fmt.Println("Scrape ended early")
	} else {
		fmt.Println("Scrape complete")
	}

	saved := int64(0)
	if processed, ok := metrics["processed_products"].(int64); ok {
		saved = processed
	}
	checkpoints := int64(0)
	if n, ok := metrics["checkpoints"].(int64); ok {
		checkpoints = n
	}

	fmt.Printf("  Products:      %d\n", saved)
	fmt.Printf("  Batches:       %d\n", result.Batches)
	fmt.Printf("  Stop reason:   %s\n", result.Reason)
	fmt.Printf("  Pagination:    %t\n", result.PaginationFound)
	fmt.Printf("  Checkpoints:   %d\n", checkpoints)
	fmt.Printf("  Card errors:   %d\n", result.CardErrors)
	if len(result.FieldErrors) > 0 {
		fmt.Printf("  Field errors:  %s\n", formatCounts(result.FieldErrors))
	}
	if len(result.ContinuationsUsed) > 0 {
		fmt.Printf("  Continuations: %s\n", formatCounts(result.ContinuationsUsed))
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %s\n", formatCounts(valErrors))
	}
	if result.Err != nil {
		fmt.Printf("  Error:         %v\n", result.Err)
	}
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
