package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/cauce-dev/cauce-hub/internal/config"
	"github.com/cauce-dev/cauce-hub/internal/logging"
	"github.com/cauce-dev/cauce-hub/internal/server"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides CAUCE_LOG_LEVEL)")
	)
	flag.Parse()

	// Bootstrap logger so config load failures are visible before the real
	// logger exists.
	boot := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// automaxprocs sets GOMAXPROCS from container CPU limits at init time.
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(log)

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
}
