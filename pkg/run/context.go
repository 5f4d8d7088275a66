// Package run assembles the shared runtime for a pipeline invocation and
// sequences stages in their fixed order.
package run

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"github.com/corpusvet/corpusvet/pkg/acquire"
	"github.com/corpusvet/corpusvet/pkg/evidence"
	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/kernel/checkpoint"
	"github.com/corpusvet/corpusvet/pkg/kernel/logging"
	"github.com/corpusvet/corpusvet/pkg/kernel/ratelimit"
	"github.com/corpusvet/corpusvet/pkg/observability"
	"github.com/corpusvet/corpusvet/pkg/policy"
)

// Version is stamped into catalogs and the acquire summary.
const Version = "1.0.0"

// Env is the process environment contract. Secrets never land here; strategy
// credentials are read at the point of use.
type Env struct {
	DatasetRoot  string `envconfig:"DATASET_ROOT"`
	LogLevel     string `envconfig:"CORPUSVET_LOG_LEVEL" default:"info"`
	OTLPEndpoint string `envconfig:"CORPUSVET_OTLP_ENDPOINT"`
	OTLPInsecure bool   `envconfig:"CORPUSVET_OTLP_INSECURE"`
	Environment  string `envconfig:"CORPUSVET_ENVIRONMENT" default:"production"`
}

// Context is the assembled runtime handed to every stage.
type Context struct {
	RunID    string
	Config   *policy.TargetsConfig
	Snapshot *policy.Snapshot
	Fetcher  *evidence.Fetcher
	Limiter  *ratelimit.HostLimiter
	Registry *acquire.Registry
	Checks   *checkpoint.Store
	Log      *slog.Logger
	Obs      *observability.Provider

	closeLog func() error
}

// New loads the config, applies environment overrides, and builds the shared
// runtime. The caller owns Close.
func New(ctx context.Context, configPath string) (*Context, error) {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return nil, faults.Config("run.env", "environment_invalid", err)
	}

	cfg, err := policy.LoadTargetsConfig(configPath)
	if err != nil {
		return nil, err
	}
	if env.DatasetRoot != "" {
		cfg.OverrideRoots(env.DatasetRoot)
	}

	snap, err := policy.NewSnapshot(cfg)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log, closeLog, err := logging.Setup(cfg.Globals.LogsRoot, runID, parseLevel(env.LogLevel))
	if err != nil {
		return nil, faults.Resource("run.init", "log_setup_failed", err)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Capacity:      cfg.Globals.RateLimit.Capacity,
		RefillPerSec:  cfg.Globals.RateLimit.RefillPerSec,
		InitialTokens: cfg.Globals.RateLimit.InitialTokens,
	})
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	fetcher := evidence.NewFetcher(limiter, log, evidence.FetcherConfig{
		ChangePolicy: snap.ChangePolicy(),
	})

	obs, err := observability.New(ctx, observability.Config{
		ServiceVersion: Version,
		Environment:    env.Environment,
		OTLPEndpoint:   env.OTLPEndpoint,
		Insecure:       env.OTLPInsecure,
		Enabled:        env.OTLPEndpoint != "",
	}, log)
	if err != nil {
		_ = closeLog()
		return nil, faults.Resource("run.init", "telemetry_init_failed", err)
	}

	checks, err := checkpoint.NewStore(cfg.Globals.CheckpointsRoot)
	if err != nil {
		_ = closeLog()
		return nil, faults.Resource("run.init", "checkpoint_store_failed", err)
	}

	return &Context{
		RunID:    runID,
		Config:   cfg,
		Snapshot: snap,
		Fetcher:  fetcher,
		Limiter:  limiter,
		Registry: acquire.NewRegistry(),
		Checks:   checks,
		Log:      log,
		Obs:      obs,
		closeLog: closeLog,
	}, nil
}

// Close flushes telemetry and the run log.
func (r *Context) Close(ctx context.Context) {
	if r.Obs != nil {
		_ = r.Obs.Shutdown(ctx)
	}
	if r.closeLog != nil {
		_ = r.closeLog()
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// writable probes that a directory exists (creating it if needed) and
// accepts writes.
func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}
