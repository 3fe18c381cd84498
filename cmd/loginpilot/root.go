package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"loginpilot/internal/adapter/browser"
	"loginpilot/internal/adapter/gateway"
	"loginpilot/internal/adapter/morelogin"
	"loginpilot/internal/adapter/store"
	"loginpilot/internal/domain"
	"loginpilot/internal/infra/config"
	"loginpilot/internal/infra/logger"
	"loginpilot/internal/infra/tracer"
	"loginpilot/internal/usecase/verify"
)

// Set by -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "loginpilot",
		Short: "Verify account tokens in remote browser profiles",
		Long: `loginpilot leases MoreLogin browser profiles, injects an account token,
and verifies the resulting login. It runs single requests over HTTP (serve)
or bulk lists with a live progress view (run).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "config.yaml", "config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logger.level")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "override logger.format (text or json)")

	root.AddCommand(
		newServeCmd(g),
		newRunCmd(g),
		newProfilesCmd(g),
		newRunsCmd(g),
		newExportCmd(g),
		newEncryptSecretCmd(),
		newVersionCmd(),
	)
	return root
}

// app holds the process-wide services built from configuration.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	closers        []func() error
	tracerShutdown func(context.Context) error
}

// setupOptions tweak how the ambient stack is built.
type setupOptions struct {
	// logToFile moves terminal log output into the data directory, for
	// commands that draw on the terminal.
	logToFile bool
}

func newApp(ctx context.Context, g *globalFlags, opts setupOptions) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logger.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logger.Format = g.logFormat
	}
	if opts.logToFile && (cfg.Logger.Output == "" || cfg.Logger.Output == "stderr" || cfg.Logger.Output == "stdout") {
		cfg.Logger.Output = filepath.Join(filepath.Dir(cfg.Store.Path), "loginpilot.log")
	}
	if err := ensureDir(cfg.Logger.Output); err != nil {
		return nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log, closers: []func() error{closeLog}}

	shutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("setup tracer: %w", err)
	}
	a.tracerShutdown = shutdown
	return a, nil
}

// Close flushes traces and closes log output.
func (a *app) Close() {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(context.Background()); err != nil {
			a.logger.Warn("tracer shutdown failed", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// profiles builds the shared profile service factory.
func (a *app) profiles() *morelogin.Factory {
	ps := a.cfg.ProfileService
	return morelogin.NewFactory(morelogin.Options{
		APIURL:               ps.APIURL,
		AppID:                ps.AppID,
		SecretKey:            ps.SecretKey,
		AllowUnauthenticated: ps.AllowUnauthenticated,
		Timeout:              ps.Timeout,
		DebugHost:            ps.DebugHost,
		RequestsPerSecond:    ps.Rate.RequestsPerSecond,
		Burst:                ps.Rate.Burst,
		BreakerEnabled:       ps.Breaker.Enabled,
		BreakerFailures:      ps.Breaker.ConsecutiveFailures,
		BreakerInterval:      ps.Breaker.Interval,
		BreakerOpenDuration:  ps.Breaker.Timeout,
	}, a.logger)
}

// pipeline builds the in-process verification pipeline.
func (a *app) pipeline(profiles *morelogin.Factory) *verify.Pipeline {
	driver := browser.NewDriver(browser.Config{
		NavigateTimeout: a.cfg.Browser.NavigationTimeout,
		ActionTimeout:   a.cfg.Browser.EvaluateTimeout,
	}, a.logger)
	return verify.New(verify.PolicyFromConfig(a.cfg), profiles.Controller, driver, a.logger)
}

// runner returns the remote gateway client when a pipeline URL is set, else
// the local pipeline.
func (a *app) runner(pipelineURL string) domain.PipelineRunner {
	if pipelineURL != "" {
		a.logger.Info("using remote pipeline", "url", pipelineURL)
		return gateway.NewClient(pipelineURL, nil, a.logger)
	}
	return gateway.LocalRunner{Pipeline: a.pipeline(a.profiles())}
}

// openStore opens run history, or returns nil when disabled.
func (a *app) openStore() (*store.SQLiteRunStore, error) {
	if !a.cfg.Store.Enabled {
		return nil, nil
	}
	s, err := store.NewSQLiteRunStore(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, s.Close)
	return s, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loginpilot %s (%s)\n", version, commit)
		},
	}
}

// out is where command results go.
func out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
