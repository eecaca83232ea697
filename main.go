// Kifulab is a local-first shogi kifu analysis service: a branching game
// tree over HTTP/WebSocket with continuous USI engine analysis.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kifulab/kifulab/internal/config"
	"github.com/kifulab/kifulab/internal/server"
	"github.com/kifulab/kifulab/internal/storage"
	"github.com/kifulab/kifulab/internal/usi"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return 1
	}
	defer logger.Sync()

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir, err = storage.DefaultDataDir()
		if err != nil {
			logger.Error("data dir unavailable", zap.Error(err))
			return 1
		}
	}
	dbDir, err := storage.DatabaseDir(dataDir)
	if err != nil {
		logger.Error("database dir unavailable", zap.Error(err))
		return 1
	}

	store, err := storage.Open(dbDir)
	if err != nil {
		logger.Error("store open failed", zap.String("dir", dbDir), zap.Error(err))
		return 1
	}
	defer store.Close()

	sup := usi.New(usi.Config{
		Command:          cfg.EngineCommand,
		EvalDir:          cfg.EngineEvalDir,
		Threads:          cfg.EngineThreads,
		HashMB:           cfg.EngineHashMB,
		HandshakeTimeout: cfg.HandshakeTimeout,
		StopTimeout:      cfg.StopTimeout,
		Logger:           logger.Named("usi"),
	})

	srv, err := server.New(cfg, store, sup, logger)
	if err != nil {
		logger.Error("server init failed", zap.Error(err))
		sup.Shutdown()
		return 1
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("listen failed", zap.String("addr", cfg.Addr), zap.Error(err))
			sup.Shutdown()
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Stop(ctx)
	sup.Shutdown()
	return 0
}
