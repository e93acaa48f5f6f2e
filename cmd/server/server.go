package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/stephnangue/capsule/audit"
	"github.com/stephnangue/capsule/config"
	"github.com/stephnangue/capsule/helper"
	capsulehttp "github.com/stephnangue/capsule/http"
	"github.com/stephnangue/capsule/link"
	"github.com/stephnangue/capsule/listener"
	"github.com/stephnangue/capsule/listener/api"
	log "github.com/stephnangue/capsule/logger"
	"github.com/stephnangue/capsule/metrics"
	"github.com/stephnangue/capsule/mirror"
	"github.com/stephnangue/capsule/notify"
	"github.com/stephnangue/capsule/watcher"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// Subsystem names for logging
	subsystemCore     = "core"
	subsystemListener = "listener"
	subsystemMirror   = "mirror"
	subsystemLinks    = "links"
	subsystemWatcher  = "watcher"
	subsystemAudit    = "audit"
	subsystemNotify   = "notify"
	subsystemHTTP     = "http"

	notifierTwilio  = "twilio"
	notifierWebhook = "webhook"
	notifierFile    = "file"
)

var (
	configPath  string
	flagAddress string

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a Capsule server that serves public and private files",
		Long: `
Usage: capsule server [options]

  This command starts a Capsule server. Files under the source path are
  served as is, and every entry of the private path is served under an
  expiring capability URL of the form /<prefix>/<token>/<name>.

  Start a server with the defaults:

      $ capsule server

  Start a server with a configuration file:

      $ capsule server --config=/etc/capsule/config.hcl
  `,
		RunE: run,
	}
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/capsule.hcl)")
	ServerCmd.Flags().StringVarP(&flagAddress, "address", "a", "", "Address to listen on, overrides the configuration")
}

// loadConfig layers the configuration file, the environment and the flags,
// in that order, and validates the result.
func loadConfig(path, address string, lookup config.LookupFunc) (*config.Config, error) {
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if address != "" {
		cfg.Address = address
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath, flagAddress, nil)
	if err != nil {
		return err
	}

	// construct the logger with gate closed during initialization
	logger := buildGatedLogger(cfg)

	infoKeys := make([]string, 0, 12)
	info := make(map[string]string)
	addInfo := func(k, v string) {
		infoKeys = append(infoKeys, k)
		info[k] = v
	}
	addInfo("log level", cfg.LogLevel)
	addInfo("address", cfg.Address)
	addInfo("source path", cfg.SourcePath)
	addInfo("private path", cfg.PrivatePath)
	addInfo("private prefix", cfg.PrivatePrefix)
	addInfo("links file", cfg.LinksFile)
	addInfo("digest window", cfg.DigestWindow.String())
	if cfg.LogFile != "" {
		addInfo("log file", cfg.LogFile)
	}

	m := metrics.New()
	clock := link.SystemClock{}
	store := link.NewStore(cfg.LinksFile, clock, logger.WithSystem(subsystemLinks))

	engine := mirror.NewEngine(mirror.Config{
		SourceRoot: cfg.PrivatePath,
		MirrorRoot: cfg.MirrorPath(),
		Store:      store,
		Clock:      clock,
		Logger:     logger.WithSystem(subsystemMirror),
		Metrics:    m,
	})

	w, err := watcher.New(watcher.Config{
		Debounce: cfg.Debounce,
		Logger:   logger.WithSystem(subsystemWatcher),
	})
	if err != nil {
		return fmt.Errorf("failed to create the watcher: %w", err)
	}
	defer w.Close()

	if err := engine.FullSync(w); err != nil {
		return fmt.Errorf("failed to synchronize private resources: %w", err)
	}
	addInfo("private resources", fmt.Sprintf("%d", store.Len()))

	notifier, closers, names := buildNotifier(cfg, logger.WithSystem(subsystemNotify))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	if len(names) == 0 {
		addInfo("notifiers", "none")
	} else {
		addInfo("notifiers", strings.Join(names, ", "))
	}

	queue := audit.NewQueue()
	digester := audit.NewDigester(audit.DigesterConfig{
		Queue:    queue,
		Recorder: audit.NewRecorder(store, logger.WithSystem(subsystemAudit), m),
		Notifier: notifier,
		Window:   cfg.DigestWindow,
		Timeout:  cfg.NotifyTimeout,
		Clock:    clock,
		Logger:   logger.WithSystem(subsystemAudit),
		Metrics:  m,
	})
	defer digester.Wait()

	loop := watcher.NewLoop(watcher.LoopConfig{
		Interval:   cfg.TickInterval,
		Store:      store,
		Events:     w,
		Reconciler: engine,
		Tickers:    []watcher.Ticker{digester},
		Logger:     logger.WithSystem(subsystemCore),
	})

	httpLogger := logger.WithSystem(subsystemHTTP)
	responder := capsulehttp.NewResponder(capsulehttp.ResponderConfig{
		Root:            cfg.SourcePath,
		NotFoundBody:    capsulehttp.LoadPage(cfg.NotFoundPage, capsulehttp.DefaultNotFoundBody, httpLogger),
		ServerErrorBody: capsulehttp.LoadPage(cfg.ServerErrorPage, capsulehttp.DefaultServerErrorBody, httpLogger),
		Logger:          httpLogger,
	})
	handler := capsulehttp.Handler(&capsulehttp.HandlerProperties{
		Responder:     responder,
		PrivatePrefix: cfg.PrivatePrefix,
		Queue:         queue,
		RateLimit:     cfg.PrivateRateLimit,
		RateBurst:     cfg.PrivateRateBurst,
		Logger:        httpLogger,
	})

	lns, err := initListeners(handler, cfg, m, logger)
	if err != nil {
		return err
	}
	if cfg.MetricsAddress != "" {
		addInfo("metrics address", cfg.MetricsAddress)
	}
	if cfg.PrivateRateLimit > 0 {
		addInfo("private rate limit", fmt.Sprintf("%g/s", cfg.PrivateRateLimit))
	}

	// Shutdown error tracking
	var shutdownErrs []error
	var shutdownErrsMu sync.Mutex
	var cleanupGuard sync.Once

	// Make sure we close all listeners from this point on
	listenerCloseFunc := func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Stopping all listeners\n")
		for _, ln := range lns {
			if err := ln.Stop(); err != nil {
				shutdownErrsMu.Lock()
				shutdownErrs = append(shutdownErrs, fmt.Errorf("failed to stop %s listener at %s: %w", ln.Type(), ln.Addr(), err))
				shutdownErrsMu.Unlock()
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Listener stopped successfully: type=%s, address=%s\n", ln.Type(), ln.Addr())
			}
		}
	}
	defer cleanupGuard.Do(listenerCloseFunc)

	sort.Strings(infoKeys)
	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Capsule server configuration:\n\n")

	titleCaser := cases.Title(language.English, cases.NoLower)
	for _, k := range infoKeys {
		fmt.Fprintf(cmd.OutOrStdout(), "%24s: %s\n", titleCaser.String(k), info[k])
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range lns {
		g.Go(func() error {
			if err := ln.Start(gctx); err != nil {
				return fmt.Errorf("%s listener at %s: %w", ln.Type(), ln.Addr(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return loop.Run(gctx)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Capsule server started! Log data will stream in below:\n")
	logger.OpenGate()

	runErr := g.Wait()
	if runErr != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Capsule stopped on error: %v\n", runErr)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Capsule shutdown triggered\n")
	}

	// Stop the listeners so that we don't process further client requests
	cleanupGuard.Do(listenerCloseFunc)

	if err := store.Save(); err != nil {
		shutdownErrs = append(shutdownErrs, fmt.Errorf("failed to save links: %w", err))
	}

	if runErr != nil {
		shutdownErrs = append(shutdownErrs, runErr)
	}
	if len(shutdownErrs) > 0 {
		aggregatedShutdownErr := errors.Join(shutdownErrs...)
		fmt.Fprintf(cmd.OutOrStdout(), "Shutdown completed with errors: %v, error_count=%d\n", aggregatedShutdownErr, len(shutdownErrs))
		return aggregatedShutdownErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Server shutdown completed successfully\n")
	return nil
}

func buildGatedLogger(cfg *config.Config) *log.GatedLogger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(cfg.LogLevel),
		Subsystem: subsystemCore,
		Format:    log.ParseOutputFormat(cfg.LogFormat),
		Outputs:   []io.Writer{os.Stdout},
	}
	logConfig.FileConfig = logFileConfig(cfg)

	gateConfig := log.GatedWriterConfig{
		Underlying:    os.Stdout,
		InitialState:  log.GateClosed,
		MaxBufferSize: 10 * 1024 * 1024, // 10MB buffer for initialization logs
	}

	return log.NewGatedLogger(logConfig, gateConfig)
}

// logFileConfig returns the rotating file output, or nil when logging to
// stdout only. Unset rotation settings keep the logger defaults.
func logFileConfig(cfg *config.Config) *log.FileConfig {
	if cfg.LogFile == "" {
		return nil
	}
	fc := log.DefaultFileConfig(cfg.LogFile)
	if cfg.LogRotateMegabytes > 0 {
		fc.MaxSize = cfg.LogRotateMegabytes
	}
	if cfg.LogRotationPeriod > 0 {
		fc.MaxAge = cfg.LogRotationPeriod
	}
	if cfg.LogRotateMaxFiles > 0 {
		fc.MaxBackups = cfg.LogRotateMaxFiles
	}
	return fc
}

// buildNotifier turns the notifier blocks into a chain tried in
// configuration order. It also returns the backends that hold resources
// and the names of the configured backends.
func buildNotifier(cfg *config.Config, logger log.Logger) (notify.Backend, []io.Closer, []string) {
	backends := make([]notify.Backend, 0, len(cfg.Notifiers))
	var closers []io.Closer
	var names []string

	for _, n := range cfg.Notifiers {
		switch n.Type {
		case notifierTwilio:
			backends = append(backends, notify.NewTwilio(notify.TwilioConfig{
				Account:  n.Account,
				Token:    n.Token,
				Sender:   n.Sender,
				Receiver: n.Receiver,
			}))
		case notifierWebhook:
			backends = append(backends, notify.NewWebhook(notify.WebhookConfig{
				URL:     n.URL,
				Secret:  n.Secret,
				Handler: n.Handler,
			}))
		case notifierFile:
			fb := notify.NewFileBackend(notify.FileConfig{
				Path:            n.Path,
				RotateMegabytes: n.RotateMegabytes,
				MaxBackups:      n.MaxBackups,
			})
			backends = append(backends, fb)
			closers = append(closers, fb)
		default:
			logger.Warn("ignoring unknown notifier", log.String("type", n.Type))
			continue
		}
		names = append(names, n.Type)
	}

	return notify.NewChain(logger, backends...), closers, names
}

func initListeners(handler http.Handler, cfg *config.Config, m *metrics.Metrics, logger *log.GatedLogger) ([]listener.Listener, error) {
	lns := make([]listener.Listener, 0, 2)

	ln, err := api.NewApiListener(api.ApiListenerConfig{
		Logger:  logger.WithSystem(subsystemListener),
		Address: cfg.Address,
		Name:    "api",
	}, handler)
	if err != nil {
		return nil, fmt.Errorf("error initializing api listener: %w", err)
	}
	lns = append(lns, ln)

	if cfg.MetricsAddress == "" {
		return lns, nil
	}

	mln, err := api.NewApiListener(api.ApiListenerConfig{
		Logger:  logger.WithSystem(subsystemListener),
		Address: cfg.MetricsAddress,
		Name:    "metrics",
	}, adminHandler(m))
	if err != nil {
		ln.Stop()
		return nil, fmt.Errorf("error initializing metrics listener: %w", err)
	}
	return append(lns, mln), nil
}

// adminHandler serves the Prometheus metrics and a liveness probe.
func adminHandler(m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		helper.JSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}
