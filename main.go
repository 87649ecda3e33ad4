package main

import (
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmagar/transdock/internal/checksum"
	"github.com/jmagar/transdock/internal/config"
	"github.com/jmagar/transdock/internal/discovery"
	"github.com/jmagar/transdock/internal/migration"
	"github.com/jmagar/transdock/internal/probe"
	"github.com/jmagar/transdock/internal/ratelimit"
	"github.com/jmagar/transdock/internal/remote"
	"github.com/jmagar/transdock/internal/server"
	"github.com/jmagar/transdock/internal/snapshot"
	"github.com/jmagar/transdock/internal/transfer"
)

func main() {
	configPath := flag.String("config", "/etc/transdock/config.yaml", "path to the config file")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := server.Logger(&cfg)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.StateDir).Msg("state dir unavailable")
	}

	creds := remote.StaticResolver{Defaults: remote.Credentials{
		User:    cfg.SSHUser,
		Port:    cfg.SSHPort,
		KeyPath: cfg.SSHKeyPath,
	}}
	newExecutor := func(host string) (remote.Executor, error) {
		if host == "" {
			return remote.Local{}, nil
		}
		return remote.NewSSH(host, creds)
	}

	prober := probe.New(*logger)
	resolver := discovery.NewResolver(*logger, cfg.ComposeRoots, discovery.DockerLister{Exec: remote.Local{}})

	snapshots := snapshot.NewManager(*logger, remote.Local{}, cfg.StateDir, cfg.SnapshotRetention)
	stopSweeper, err := snapshots.StartSweeper("@hourly")
	if err != nil {
		logger.Fatal().Err(err).Msg("snapshot sweeper failed to start")
	}
	defer stopSweeper()

	history, err := migration.OpenHistory(cfg.StateDir)
	if err != nil {
		logger.Warn().Err(err).Msg("history database unavailable, continuing without it")
		history = nil
	} else {
		defer history.Close()
		pruner := cron.New()
		_, _ = pruner.AddFunc("@daily", func() {
			if n, err := history.Prune(90 * 24 * time.Hour); err != nil {
				logger.Warn().Err(err).Msg("history prune failed")
			} else if n > 0 {
				logger.Info().Int64("events", n).Msg("history pruned")
			}
		})
		pruner.Start()
		defer pruner.Stop()
	}

	mgr := migration.NewManager(migration.Deps{
		Logger:      *logger,
		Store:       migration.NewFileStore(cfg.StateDir),
		History:     history,
		Resolver:    resolver,
		Prober:      prober,
		Snapshots:   snapshots,
		Manifests:   checksum.NewStore(cfg.StateDir),
		Controller:  migration.NewDockerController(*logger),
		Credentials: creds,
		NewExecutor: newExecutor,
		NewTransferer: func(dst remote.Executor) migration.Transferer {
			return transfer.NewOrchestrator(*logger, dst, cfg.StateDir, cfg.VolumeWorkers, uint64(cfg.TransferRetries))
		},
		MaxTransferring: cfg.MaxTransferring,
		OnFinish:        func(st migration.Status) { server.MarkMigrationFinished(string(st)) },
	})

	handler := server.NewRouter(server.Deps{
		Config:      &cfg,
		Logger:      logger,
		Migrations:  mgr,
		Prober:      prober,
		NewExecutor: newExecutor,
		Limiter:     ratelimit.New(filepath.Join(cfg.StateDir, "ratelimit.json")),
	})

	logger.Info().Str("bind", cfg.Bind).Msg("transdock listening")
	if err := http.ListenAndServe(cfg.Bind, handler); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
