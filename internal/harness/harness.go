// Package harness is the top-level entry point that routes a workload either
// to direct in-process execution or to the isolated container path, and owns
// initialization and teardown of the connection manager around the workload.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lexcodex/mcpexec/internal/audit"
	"github.com/lexcodex/mcpexec/internal/config"
	"github.com/lexcodex/mcpexec/internal/mcpclient"
	"github.com/lexcodex/mcpexec/internal/sandbox"
	"github.com/lexcodex/mcpexec/internal/script"
	"github.com/lexcodex/mcpexec/internal/telemetry"
)

// Exit codes. Timeout gets its own code so callers can tell budget expiry
// from workload failure.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitTimeout   = 124
	ExitInterrupt = 130
)

// Options selects what to run and how.
type Options struct {
	ScriptPath string
	ConfigPath string

	// SandboxFlag forces isolated execution regardless of configuration.
	// When false, the loaded sandbox section decides.
	SandboxFlag bool

	// Timeout overrides the configured execution timeout for isolated runs.
	// It is still bounded by the configured maximum.
	Timeout time.Duration

	Stdout io.Writer
	Stderr io.Writer
	Log    *logrus.Logger
}

func (o *Options) applyDefaults() {
	if o.ConfigPath == "" {
		o.ConfigPath = config.DefaultPath
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
}

// Run executes the workload and returns the process exit code. Interrupt
// signals cancel the workload but still run manager teardown (direct mode)
// or forced container termination (isolated mode) before returning.
func Run(ctx context.Context, opts Options) int {
	opts.applyDefaults()
	log := opts.Log

	if _, err := os.Stat(opts.ScriptPath); err != nil {
		log.WithError(err).Error("workload not found")
		return ExitFailure
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		log.WithError(err).Error("configuration load failed")
		return ExitFailure
	}

	sink, closeSinks, err := buildTelemetry(cfg)
	if err != nil {
		log.WithError(err).Error("telemetry setup failed")
		return ExitFailure
	}
	defer closeSinks()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.SandboxFlag || cfg.Sandbox.Enabled {
		return runIsolated(ctx, cfg, opts, sink)
	}
	return runDirect(ctx, cfg, opts, sink)
}

// runDirect executes the workload in the current process. The manager is
// torn down on every path, including interrupts and workload failure.
func runDirect(ctx context.Context, cfg *config.Config, opts Options, sink telemetry.Telemetry) int {
	log := opts.Log
	log.Info("direct mode")

	manager := mcpclient.NewManager(cfg,
		mcpclient.WithTelemetry(sink),
		mcpclient.WithLogger(log),
	)
	defer func() {
		if err := manager.Teardown(); err != nil {
			log.WithError(err).Warn("connection teardown reported errors")
		}
	}()

	engine := script.NewEngine(manager)
	engine.SetOutput(opts.Stdout, opts.Stderr)

	if err := engine.Run(ctx, opts.ScriptPath); err != nil {
		if errors.Is(err, script.ErrInterrupted) || ctx.Err() != nil {
			log.Info("workload interrupted")
			return ExitInterrupt
		}
		log.WithError(err).Error("workload failed")
		return ExitFailure
	}
	log.Info("workload completed")
	return ExitOK
}

// runIsolated hands the workload to the isolation engine. Interrupts map to
// the engine's forced-termination path, which shares the timeout cleanup
// contract.
func runIsolated(ctx context.Context, cfg *config.Config, opts Options, sink telemetry.Telemetry) int {
	log := opts.Log

	policy := sandbox.PolicyFromConfig(cfg.Sandbox)
	if opts.Timeout > 0 {
		policy.Timeout = opts.Timeout
	}
	log.WithFields(logrus.Fields{
		"runtime": cfg.Sandbox.Runtime,
		"image":   cfg.Sandbox.Image,
		"memory":  policy.MemoryLimit,
		"timeout": policy.Timeout,
	}).Info("isolated mode")

	box, err := sandbox.New(cfg.Sandbox, policy,
		sandbox.WithLogger(log),
		sandbox.WithTelemetry(sink),
	)
	if err != nil {
		log.WithError(err).Error("isolation setup failed")
		return ExitFailure
	}

	result, err := box.Execute(ctx, opts.ScriptPath, cfg)
	if result.Stdout != "" {
		fmt.Fprint(opts.Stdout, result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprint(opts.Stderr, result.Stderr)
	}
	if err != nil {
		if ctx.Err() != nil {
			log.Info("isolated workload interrupted")
			return ExitInterrupt
		}
		log.WithError(err).Error("isolated execution failed")
		return ExitFailure
	}
	if result.TimedOut {
		log.WithField("timeout", policy.Timeout).Error("execution timed out")
		return ExitTimeout
	}
	if result.ExitCode != 0 {
		log.WithField("exit_code", result.ExitCode).Error("workload failed")
		return result.ExitCode
	}
	log.Info("workload completed")
	return ExitOK
}

// buildTelemetry assembles the configured event sinks: optional NDJSON file
// log and optional SQLite audit store.
func buildTelemetry(cfg *config.Config) (telemetry.Telemetry, func(), error) {
	var sinks []telemetry.Telemetry
	var closers []func() error

	if cfg.Telemetry.File != "" {
		file, err := telemetry.NewJSONFile(cfg.Telemetry.File)
		if err != nil {
			return nil, nil, fmt.Errorf("open telemetry log: %w", err)
		}
		sinks = append(sinks, file)
		closers = append(closers, file.Close)
	}
	if cfg.Audit.Enabled {
		path := cfg.Audit.Path
		if path == "" {
			path = ".mcpexec/audit.db"
		}
		store, err := audit.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit store: %w", err)
		}
		sinks = append(sinks, store)
		closers = append(closers, store.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	switch len(sinks) {
	case 0:
		return telemetry.Noop{}, closeAll, nil
	case 1:
		return sinks[0], closeAll, nil
	default:
		return telemetry.Multiplex{Sinks: sinks}, closeAll, nil
	}
}
