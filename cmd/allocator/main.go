package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/compact-allocator/allocator"
	"github.com/ruteri/compact-allocator/chainconfig"
	"github.com/ruteri/compact-allocator/common"
	"github.com/ruteri/compact-allocator/compact"
	"github.com/ruteri/compact-allocator/httpserver"
	"github.com/ruteri/compact-allocator/indexer"
	"github.com/ruteri/compact-allocator/store"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:    "database-url",
		EnvVars: []string{"DATABASE_URL"},
		Usage:   "Postgres connection string for the allocation ledger",
	},
	&cli.StringFlag{
		Name:  "indexer-url",
		Value: "http://127.0.0.1:4000",
		Usage: "base URL of the indexer reporting on-chain state",
	},
	&cli.StringFlag{
		Name:    "allocator-private-key",
		EnvVars: []string{"ALLOCATOR_PRIVATE_KEY"},
		Usage:   "hex-encoded secp256k1 private key used to co-sign compacts",
	},
	&cli.Int64Flag{
		Name:  "chain-refresh-seconds",
		Value: 600,
		Usage: "interval between chain configuration refreshes",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "allocator",
		Usage: "Serve the compact allocation authorization API",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			databaseURL := cCtx.String("database-url")
			indexerURL := cCtx.String("indexer-url")
			privateKey := cCtx.String("allocator-private-key")
			refreshInterval := time.Duration(cCtx.Int64("chain-refresh-seconds")) * time.Second
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			signer, err := compact.NewSigner(privateKey)
			if err != nil {
				logger.Error("Invalid allocator private key", "err", err)
				return err
			}
			logger.Info("Allocator signing key loaded", "address", signer.Address().Hex())

			poolCfg, err := pgxpool.ParseConfig(databaseURL)
			if err != nil {
				logger.Error("Invalid database URL", "err", err)
				return err
			}
			poolCfg.MaxConns = 10
			poolCfg.MaxConnLifetime = 30 * time.Minute
			poolCfg.HealthCheckPeriod = 30 * time.Second

			pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
			if err != nil {
				logger.Error("Could not connect to database", "err", err)
				return err
			}
			defer pool.Close()

			ledger := store.NewPostgresStore(pool)
			idx := indexer.New(indexerURL)

			configCache := chainconfig.New(idx, signer.Address(), refreshInterval, logger)
			refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = configCache.Refresh(refreshCtx)
			cancel()
			if err != nil {
				logger.Error("Initial chain config refresh failed", "err", err)
				return err
			}
			configCache.Start()
			defer configCache.Stop()

			orchestrator := allocator.NewOrchestrator(ledger, idx, configCache, signer, logger)
			handler := httpserver.NewHandler(orchestrator, logger)

			cfg := &httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}

			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
