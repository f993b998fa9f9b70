package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/arccode/instalog/internal/config"
	"github.com/arccode/instalog/internal/core"
	httpserver "github.com/arccode/instalog/internal/server/http"
	logpkg "github.com/arccode/instalog/pkg/log"

	// Bundled plugins register themselves with the plugin registry.
	_ "github.com/arccode/instalog/internal/buffer/priority"
	_ "github.com/arccode/instalog/internal/plugins/inputsocket"
	_ "github.com/arccode/instalog/internal/plugins/outputarchive"
)

type Options struct {
	// ConfigPath is the node config file; empty means built-in defaults
	// plus INSTALOG_* environment overrides.
	ConfigPath string

	// LogLevel overrides the config's log_level when set.
	LogLevel string
}

// Run boots the node and its admin API and blocks until the node is down.
// The node stops on ctx cancellation, SIGINT/SIGTERM, or an admin stop.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers
	// without signal handling still shut down cleanly.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := cfgpkg.Default()
	if opts.ConfigPath != "" {
		var err error
		cfg, err = cfgpkg.Load(opts.ConfigPath)
		if err != nil {
			return err
		}
	}
	cfgpkg.FromEnv(&cfg)
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	lvl, err := logpkg.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(lvl),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	// Pebble and net/http log through the standard library.
	logpkg.RedirectStdLog(logger)

	ins, err := core.New(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting instalog node",
		logpkg.Str("node_id", cfg.NodeID),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("cli_addr", cfg.CLIAddr),
	)

	hsrv := httpserver.New(ins, logger)
	hctx, hcancel := context.WithCancel(sctx)
	defer hcancel()
	var wg sync.WaitGroup
	runErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr <- ins.Run()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(hctx, cfg.CLIAddr); err != nil && hctx.Err() == nil {
			logger.Error("admin API failed", logpkg.Err(err))
		}
	}()

	select {
	case <-sctx.Done():
		ins.Stop(true)
	case <-ins.Done():
		// Stopped through the admin API.
	}
	hcancel()
	wg.Wait()
	select {
	case err := <-runErr:
		return err
	default:
		return nil
	}
}
