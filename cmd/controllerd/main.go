package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wgcairui/uartserver-ng-sub000/internal/config"
	"github.com/wgcairui/uartserver-ng-sub000/internal/controller"
	"github.com/wgcairui/uartserver-ng-sub000/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("controllerd", flag.ExitOnError)
	configPath := fs.String("config", "", "path to an optional YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if level, lerr := logging.ParseLevel(envOr("UARTSERVER_LOG_LEVEL", "info")); lerr == nil {
		logging.SetLevel(level)
	}

	srv, err := controller.New(cfg)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
