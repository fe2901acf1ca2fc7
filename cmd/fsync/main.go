package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/metricsserver"
	"go.ntppool.org/common/version"

	"github.com/fsync-run/fsync/config"
	"github.com/fsync-run/fsync/integrity"
	"github.com/fsync-run/fsync/manager"
	"github.com/fsync-run/fsync/mtimestore"
	"github.com/fsync-run/fsync/remoteop"
	"github.com/fsync-run/fsync/sftpremote"
	"github.com/fsync-run/fsync/synctask"
)

// CLI defines the command-line interface for fsync.
type CLI struct {
	ConfigPath string `name:"config" default:"config.yaml" help:"Path to the task list configuration (YAML or JSON)." type:"path"`

	CacheDir string `default:"cache" help:"Directory holding each task's mtime cache."`

	MetricsPort int    `default:"9090" help:"Port for the metrics server."`
	LogLevel    string `default:"info" help:"Log level (debug, info, warn, error)."`
	Verbose     bool   `short:"v" help:"Enable verbose logging."`

	SkipIntegrity   bool `help:"Skip the startup integrity check for every task."`
	IntegrityRepair bool `help:"Auto-prune stale entries found during the startup integrity check."`

	Version kong.VersionFlag `short:"V" help:"Show version."`
}

// metrics holds the Prometheus collectors shared across every task.
type metrics struct {
	tasksStarted prometheus.Counter
	opsApplied   *prometheus.CounterVec
	taskErrors   *prometheus.CounterVec
}

func main() {
	var cli CLI

	kctx := kong.Parse(&cli,
		kong.Name("fsync"),
		kong.Description("Directory synchronization engine"),
		kong.UsageOnError(),
		kong.Vars{"version": version.Version()},
	)

	if cli.Verbose {
		os.Setenv("LOG_LEVEL", "DEBUG")
	} else if cli.LogLevel != "" {
		os.Setenv("LOG_LEVEL", cli.LogLevel)
	}

	log := logger.Setup()

	if err := run(context.Background(), &cli, log); err != nil {
		log.Error("fatal error", "error", err)
		kctx.Exit(1)
	}
}

func run(ctx context.Context, cli *CLI, log *slog.Logger) error {
	tasks, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Info("starting fsync",
		"version", version.Version(),
		"config", cli.ConfigPath,
		"tasks", len(tasks),
		"metrics_port", cli.MetricsPort,
	)

	metricsSrv := metricsserver.New()
	m := &metrics{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fsync_tasks_started_total",
			Help: "Total number of sync tasks started.",
		}),
		opsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fsync_remote_ops_applied_total",
			Help: "Total number of remote operations applied, per task.",
		}, []string{"task"}),
		taskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fsync_task_errors_total",
			Help: "Total number of non-fatal task errors, per task.",
		}, []string{"task"}),
	}
	metricsSrv.Registry().MustRegister(m.tasksStarted, m.opsApplied, m.taskErrors)

	go func() {
		log.Info("metrics server starting", "port", cli.MetricsPort)
		if err := metricsSrv.ListenAndServe(ctx, cli.MetricsPort); err != nil {
			log.Error("metrics server error", "error", err)
		}
	}()

	mgr := manager.New(log)
	var remotes []closer

	for _, cfg := range tasks {
		remote, err := buildRemote(ctx, cfg.RemoteCfg)
		if err != nil {
			return fmt.Errorf("task %q: build remote: %w", cfg.Name, err)
		}
		remotes = append(remotes, remote)

		if !cli.SkipIntegrity {
			if err := runIntegrityCheck(ctx, cli, cfg, log); err != nil {
				return fmt.Errorf("task %q: %w", cfg.Name, err)
			}
		}

		_, err = mgr.Start(ctx, cfg, remote,
			synctask.WithLogger(log),
			synctask.WithCacheRoot(cli.CacheDir),
			synctask.WithErrorHandler(func(err error) {
				m.taskErrors.WithLabelValues(cfg.Name).Inc()
				log.Error("task error", "task", cfg.Name, "error", err)
			}),
			synctask.WithBatchObserver(func(ops int) {
				m.opsApplied.WithLabelValues(cfg.Name).Add(float64(ops))
			}),
		)
		if err != nil {
			return fmt.Errorf("start task %q: %w", cfg.Name, err)
		}
		m.tasksStarted.Inc()
		log.Info("task started", "task", cfg.Name, "local", cfg.Local, "remote", cfg.Remote)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("received shutdown signal", "signal", sig.String())

	if err := mgr.StopAll(); err != nil {
		log.Error("error stopping tasks", "error", err)
	}

	for _, r := range remotes {
		if err := r.Close(); err != nil {
			log.Error("error closing remote", "error", err)
		}
	}

	log.Info("shutdown complete")
	return nil
}

type closer interface {
	Close() error
}

func buildRemote(ctx context.Context, cfg config.RemoteCfg) (*sftpremote.Remote, error) {
	switch cfg.Kind {
	case "sftp":
		return sftpremote.Connect(ctx, cfg.Host, cfg.User, cfg.Password, cfg.Key, cfg.Fingerprints)
	default:
		return nil, fmt.Errorf("unsupported remote kind %q", cfg.Kind)
	}
}

func runIntegrityCheck(ctx context.Context, cli *CLI, cfg config.TaskConfig, log *slog.Logger) error {
	cacheDir := filepath.Join(cli.CacheDir, cfg.ID.String())
	store, err := mtimestore.Open(4*1024*1024, cacheDir)
	if err != nil {
		return fmt.Errorf("open mtime store: %w", err)
	}
	defer store.Close()

	result, err := integrity.Run(ctx, cfg, store, integrity.Options{
		Repair:  cli.IntegrityRepair,
		Verbose: cli.Verbose,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}

	if result.Issues > 0 && !result.Repaired && !cli.IntegrityRepair {
		log.Warn("integrity check found issues", "task", cfg.Name, "issues", result.Issues)
	}
	return nil
}

var _ remoteop.Remote = (*sftpremote.Remote)(nil)
