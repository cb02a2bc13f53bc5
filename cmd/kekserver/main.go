package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/quorumkey/kek-service-backend/api/kekhandler"
	"github.com/quorumkey/kek-service-backend/cmd/flags"
	"github.com/quorumkey/kek-service-backend/httpserver"
	"github.com/quorumkey/kek-service-backend/interfaces"
	"github.com/quorumkey/kek-service-backend/kek"
	"github.com/quorumkey/kek-service-backend/metrics"
	"github.com/quorumkey/kek-service-backend/storage"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "kekserver",
		Usage: "Serve the tenant KEK lifecycle and threshold-recovery API",
		Flags: flags.ServerFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	// KV store: durable when a directory is configured, in-memory otherwise.
	var store interfaces.Store
	if dir := cCtx.String(flags.StoreDirFlag.Name); dir != "" {
		fileStore, err := storage.NewFileStore(dir, logger)
		if err != nil {
			logger.Error("Failed to open KV store", "err", err, "dir", dir)
			return err
		}
		store = fileStore
		logger.Info("Using file-backed KV store", "dir", dir)
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("Using in-memory KV store, state will not survive restarts")
	}

	// Payload backends: replicated across every configured URI.
	factory := storage.NewFactory(logger)
	var locations []interfaces.StorageBackendLocation
	for _, uri := range cCtx.StringSlice(flags.PayloadBackendFlag.Name) {
		locations = append(locations, interfaces.StorageBackendLocation(uri))
	}
	payloads, err := factory.CreateMultiBackend(locations)
	if err != nil {
		logger.Error("Failed to create payload backends", "err", err)
		return err
	}

	authorizer := kekhandler.NewStaticAuthorizer()
	if rosterPath := cCtx.String(flags.AdminRosterFlag.Name); rosterPath != "" {
		rosterFile, err := os.Open(rosterPath)
		if err != nil {
			logger.Error("Failed to open admin roster", "err", err, "file", rosterPath)
			return err
		}
		authorizer, err = kekhandler.LoadAdminRoster(rosterFile)
		rosterFile.Close()
		if err != nil {
			logger.Error("Failed to parse admin roster", "err", err)
			return err
		}
		logger.Info("Admin roster loaded", "file", rosterPath)
	} else {
		logger.Warn("No admin roster configured, all lifecycle mutations will be rejected")
	}

	m := metrics.New(cCtx.String(flags.LogServiceFlag.Name))

	versions := kek.NewVersionManager(store, logger)
	blobs := kek.NewBlobStore(store, payloads, logger)
	quorum := kek.NewQuorumEngine(store, logger)
	recovery := kek.NewRecoveryCoordinator(store, payloads, versions, logger)

	handler := kekhandler.NewHandler(versions, blobs, quorum, recovery, kekhandler.HeaderAuthenticator{}, authorizer, m, logger)

	srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler, m)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if interval := cCtx.Duration(flags.SweepIntervalFlag.Name); interval > 0 {
		logger.Info("Recovery session sweeper enabled", "interval", interval)
		go recovery.RunSweeper(ctx, interval)
	}

	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutting down")
	cancel()
	srv.Shutdown()
	return nil
}
