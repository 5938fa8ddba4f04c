package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/spectacle/internal/app"
	"github.com/relabs-tech/spectacle/internal/bus"
	"github.com/relabs-tech/spectacle/internal/config"
)

func main() {
	mode := flag.String("mode", "sim", "broker to watch: sim or robot")
	broker := flag.String("broker", "", "broker URL, overrides -mode")
	settingsPath := flag.String("config", "", "path to a YAML settings file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	log.Info("starting spectacle pose console (MQTT subscriber)")

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		log.Error("failed to load settings", "error", err)
		os.Exit(1)
	}

	url := *broker
	if url == "" {
		switch *mode {
		case "sim":
			url = settings.Broker.SimURL
		case "robot":
			url = settings.Broker.RobotURL
		default:
			log.Error("unknown mode (want sim or robot)", "mode", *mode)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunPoseConsole(ctx, app.ConsoleOptions{
		BrokerURL: url,
		ClientID:  settings.Broker.ClientID + "-console",
		Topics:    bus.Topics{Prefix: settings.Topics.Prefix},
		Out:       os.Stdout,
		Logger:    log,
	}); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}
