package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/zhubert/plural-web/chat"
	"github.com/zhubert/plural-web/claude"
	"github.com/zhubert/plural-web/cli"
	"github.com/zhubert/plural-web/config"
	"github.com/zhubert/plural-web/history"
	"github.com/zhubert/plural-web/logger"
	"github.com/zhubert/plural-web/manager"
	"github.com/zhubert/plural-web/metrics"
	"github.com/zhubert/plural-web/server"
)

type serveOptions struct {
	configPath string
	host       string
	port       int
	claudePath string
	debug      bool
	logStderr  bool
}

func buildServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Long: `Start the HTTP server that runs Claude turns.

Endpoints:
  POST /api/chat                 stream one turn as NDJSON
  POST /api/abort/{requestId}    cancel an in-flight turn
  GET  /api/projects             list projects with saved conversations
  GET  /healthz, /metrics        health and Prometheus metrics

Edits to the config file take effect without a restart for debug and
default_allowed_tools. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with the default config
  plural-web serve

  # Listen on all interfaces with debug logs on stderr
  plural-web serve --host 0.0.0.0 --debug --log-stderr`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&opts.host, "host", config.DefaultHost, "Address to listen on")
	cmd.Flags().IntVarP(&opts.port, "port", "p", config.DefaultPort, "Port to listen on")
	cmd.Flags().StringVar(&opts.claudePath, "claude-path", config.DefaultClaudePath, "Path to the claude CLI")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&opts.logStderr, "log-stderr", false, "Log to stderr instead of the log file")
	return cmd
}

// applyFlags lets explicitly set flags win over file and environment.
func applyFlags(cmd *cobra.Command, cfg *config.Config, opts serveOptions) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("claude-path") {
		cfg.ClaudePath = opts.claudePath
	}
	if flags.Changed("debug") {
		cfg.Debug = opts.debug
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	configPath := opts.configPath
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		configPath = p
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg, opts); err != nil {
		return err
	}

	if opts.logStderr {
		logger.InitWriter(os.Stderr)
	} else {
		logPath, err := logger.DefaultLogPath()
		if err != nil {
			return fmt.Errorf("resolve log path: %w", err)
		}
		if err := logger.Init(logPath); err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Logging to %s\n", logPath)
	}
	defer logger.Close()
	logger.SetDebug(cfg.Debug)
	log := logger.Get()

	results := cli.NewChecker(nil).CheckAll(cmd.Context(), cli.DefaultPrerequisites(cfg.ClaudePath))
	if err := cli.ValidateRequired(results); err != nil {
		return err
	}

	tools, err := cfg.AllowedTools()
	if err != nil {
		return err
	}

	registry := manager.NewRequestRegistry()
	m := metrics.New(prometheus.DefaultRegisterer)
	m.RegisterInFlight(func() float64 { return float64(registry.Len()) })

	engine := claude.NewCLIEngine(cfg.ClaudePath, logger.WithComponent("engine"))
	runner := chat.NewRunner(engine, registry, log,
		chat.WithMetrics(m),
		chat.WithDefaultAllowedTools(tools),
		chat.WithDefaultWorkingDir(cfg.DefaultWorkingDir),
	)

	srvCfg := server.Config{
		Addr:            cfg.Addr(),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Runner:          runner,
		Metrics:         m,
		Logger:          log,
	}
	if root, err := history.DefaultRoot(); err == nil {
		store := history.NewStore(root, log)
		srvCfg.Projects = store
		srvCfg.Histories = store
		srvCfg.Completions = store
	} else {
		log.Warn("conversation history unavailable", "error", err)
	}
	srv := server.New(srvCfg)

	watcher, err := watchConfig(cmd, configPath, opts, runner, log)
	if err != nil {
		log.Warn("config hot reload disabled", "path", configPath, "error", err)
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting plural-web",
		"version", version,
		"commit", commit,
		"addr", cfg.Addr(),
		"claude", cfg.ClaudePath,
		"config", configPath)
	fmt.Fprintf(cmd.ErrOrStderr(), "plural-web listening on http://%s\n", cfg.Addr())

	return srv.ListenAndServe(ctx)
}

// watchConfig applies config file edits to the running server. Listen
// address and claude path changes need a restart.
func watchConfig(cmd *cobra.Command, path string, opts serveOptions, runner *chat.Runner, log *slog.Logger) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(path,
		config.OnChange(func(next *config.Config) {
			if err := next.ApplyEnv(os.LookupEnv); err != nil {
				log.Warn("ignoring config reload", "error", err)
				return
			}
			if cmd.Flags().Changed("debug") {
				next.Debug = opts.debug
			}
			tools, err := next.AllowedTools()
			if err != nil {
				log.Warn("ignoring config reload", "error", err)
				return
			}
			logger.SetDebug(next.Debug)
			runner.SetDefaultAllowedTools(tools)
			log.Info("config reloaded", "debug", next.Debug, "allowedTools", len(tools))
		}),
		config.OnError(func(err error) {
			log.Warn("config reload failed", "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	if _, err := watcher.Start(); err != nil {
		watcher.Close()
		return nil, err
	}
	return watcher, nil
}
