// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/spectacle/internal/app"
	"github.com/relabs-tech/spectacle/internal/config"
)

func main() {
	mode := flag.String("mode", "", "bus to use: test, sim or robot")
	tagMap := flag.String("tag-map", "", "path to an AprilTag map")
	mapping := flag.Bool("map", false, "map the environment and save the map on exit")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	settingsPath := flag.String("config", "", "path to a YAML settings file")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	m, err := app.ParseMode(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spectacle: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		log.Error("failed to load settings", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting spectacle", "mode", m)
	if err := app.RunSpectacle(ctx, app.RunOptions{
		Mode:     m,
		TagMap:   *tagMap,
		Mapping:  *mapping,
		Settings: settings,
		Logger:   log,
	}); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}
