// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/fitsync/liveworkout/internal/app"
	"github.com/fitsync/liveworkout/internal/config"
	"github.com/fitsync/liveworkout/internal/log"
	"github.com/fitsync/liveworkout/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "liveworkoutd: %v\n", err)
		os.Exit(1)
	}

	logCfg := log.Config{Level: cfg.Log.Level, Service: "liveworkoutd", Version: version.Version}
	if cfg.Log.Pretty {
		logCfg.Output = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	log.Configure(logCfg)
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	holder := config.NewHolder(cfg, loader, path)

	a, err := app.New(ctx, holder)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	logger.Info().
		Str("version", version.Version).
		Str("listen", cfg.Server.Listen).
		Str("store", cfg.Store.Path).
		Msg("starting")

	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
}
