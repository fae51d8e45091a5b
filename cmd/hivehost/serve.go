package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	hivehost "github.com/hivehost/hivehost"
	"github.com/hivehost/hivehost/registry"
	"github.com/hivehost/hivehost/runtime"
	"github.com/hivehost/hivehost/serve"
)

// serveCmd starts the hosting platform: Telegram bridge, event router, and
// the periodic status monitor.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "hivehost.yaml", "Config file path")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Println(`Usage: hivehost serve [options]

Run the hosting platform. The Telegram token is read from the config file or
the HIVEHOST_TELEGRAM_TOKEN environment variable.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  hivehost serve
  hivehost serve --config /etc/hivehost.yaml --verbose`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := hivehost.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if tok := os.Getenv("HIVEHOST_TELEGRAM_TOKEN"); tok != "" {
		cfg.TelegramToken = tok
	}
	if cfg.TelegramToken == "" {
		fmt.Fprintln(os.Stderr, "Error: no Telegram token configured")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data dir: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating database dir: %v\n", err)
		os.Exit(1)
	}

	store, err := registry.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing database: %v\n", err)
		os.Exit(1)
	}
	reg := registry.New(store, cfg.MaxContainersPerUser, cfg.MinRAMMB, cfg.MaxRAMMB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.NewDockerAdapter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to Docker: %v\n", err)
		os.Exit(1)
	}
	if err := rt.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Docker engine unreachable: %v\n", err)
		os.Exit(1)
	}

	tg, err := serve.NewTelegram(cfg.TelegramToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to Telegram: %v\n", err)
		os.Exit(1)
	}

	monitor := serve.NewMonitor(reg, rt)
	go func() {
		if err := monitor.Start(ctx); err != nil {
			slog.Error("status monitor failed", "error", err)
		}
	}()

	srv := serve.NewServer(&cfg, reg, rt, tg)
	fmt.Printf("hivehost serving as @%s (quota %d, ram %d-%d MB)\n",
		tg.Self(), cfg.MaxContainersPerUser, cfg.MinRAMMB, cfg.MaxRAMMB)

	if err := srv.Serve(ctx, tg.Updates(ctx), tg); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
	slog.Info("shut down")
}
