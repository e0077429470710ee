package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestra/tiermem/config"
	"github.com/orchestra/tiermem/pkg/logger"
	"github.com/orchestra/tiermem/pkg/metrics"
	"github.com/orchestra/tiermem/pkg/telemetry/tracing"
	"github.com/orchestra/tiermem/pkg/version"
)

type flags struct {
	configPath string
	version    bool
	help       bool
	watch      bool

	// CLI overrides
	appName   string
	port      int
	logLevel  string
	namespace string
	env       string
	debug     bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*flags, error) {
	f := &flags{}
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&f.version, "version", false, "Print version information")
	fs.BoolVar(&f.help, "help", false, "Print help information")
	fs.BoolVar(&f.watch, "watch", false, "Reload log level and consolidation schedule when the config file changes")

	fs.StringVar(&f.appName, "app-name", "", "Override app name")
	fs.IntVar(&f.port, "port", 0, "Override HTTP port")
	fs.StringVar(&f.logLevel, "log-level", "", "Override log level")
	fs.StringVar(&f.namespace, "namespace", "", "Override storage namespace")
	fs.StringVar(&f.env, "env", "", "Override storage environment (dev, staging, prod)")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug mode")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *flags) overrides() map[string]any {
	overrides := make(map[string]any)

	if f.appName != "" {
		overrides["app.name"] = f.appName
	}
	if f.port != 0 {
		overrides["server.port"] = f.port
	}
	if f.logLevel != "" {
		overrides["log.level"] = f.logLevel
	}
	if f.namespace != "" {
		overrides["storage.namespace"] = f.namespace
	}
	if f.env != "" {
		overrides["storage.environment"] = f.env
	}
	if f.debug {
		overrides["app.debug"] = true
	}

	return overrides
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tiermem", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f, err := parseFlags(fs, args)
	if err != nil {
		return 2
	}

	if f.help {
		printHelp(stdout, fs)
		return 0
	}
	if f.version {
		printVersion(stdout)
		return 0
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(f.configPath, f.overrides())
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration:\n%s\n", err)
		return 1
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting tiermem",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.Storage.Environment,
		"namespace", cfg.Storage.Namespace,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        cfg.App.Name,
		Version:     version.Version,
		Namespace:   cfg.Storage.Namespace,
		Environment: cfg.Storage.Environment,
	}, log)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		return 1
	}

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)

	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	a, err := newApp(ctx, cfg, log, metricsManager)
	if err != nil {
		log.Error("Failed to create memory manager", "error", err)
		_ = shutdownTracing(context.Background())
		return 1
	}

	if f.watch && f.configPath != "" {
		watcher, err := config.NewWatcher(f.configPath, loader, config.WithWatcherLogger(log))
		if err != nil {
			log.Warn("Config watcher disabled", "error", err)
		} else {
			watcher.OnChange(a.applyConfig)
			go func() {
				if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
					log.Warn("Config watcher stopped", "error", err)
				}
			}()
			defer func() { _ = watcher.Stop() }()
		}
	}

	serverErrChan := a.start(ctx)

	log.Info("tiermem is running",
		"http_port", cfg.Server.Port,
		"grpc_enabled", cfg.Server.GRPC.Enabled,
		"grpc_port", cfg.Server.GRPC.Port,
		"metrics_port", cfg.Metrics.Port,
	)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("Server error", "error", err)
		exitCode = 1
	}
	cancel()

	timeout := cfg.Server.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	log.Info("Shutting down")
	if err := a.shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
		exitCode = 1
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error flushing traces", "error", err)
	}

	log.Info("tiermem stopped gracefully")
	return exitCode
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "tiermem - Tiered Memory Manager\n")
	fmt.Fprintf(w, "Version:    %s\n", version.Version)
	fmt.Fprintf(w, "Build Time: %s\n", version.BuildTime)
	fmt.Fprintf(w, "Git Commit: %s\n", version.GitCommit)
	fmt.Fprintf(w, "Go Version: %s\n", version.GoVersion)
}

func printHelp(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "tiermem - Tiered memory manager with privacy routing\n\n")
	fmt.Fprintf(w, "Usage: tiermem [options]\n\n")
	fmt.Fprintf(w, "Options:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  tiermem                                   # Run with default config\n")
	fmt.Fprintf(w, "  tiermem -config tiermem.yaml -watch       # Use a config file and reload it on change\n")
	fmt.Fprintf(w, "  tiermem -port 9090 -log-level debug       # Override specific options\n")
	fmt.Fprintf(w, "  tiermem -namespace acme -env prod         # Override storage naming\n")
	fmt.Fprintf(w, "  tiermem -version                          # Print version info\n")
}
