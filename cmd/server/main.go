// Package main provides the entry point for the crawlrs server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirky-x/crawlrs/internal/api"
	"github.com/kirky-x/crawlrs/internal/config"
	"github.com/kirky-x/crawlrs/internal/container"
	"github.com/kirky-x/crawlrs/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional, env vars always override)")
	workers := flag.Int("workers", 0, "override the number of worker goroutines (0 keeps the config/env value)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	if err := logging.SetupLogger(logging.DefaultLogConfig()); err != nil {
		log.Fatalf("setup logging: %v", err)
	}

	c, err := container.New(cfg)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("start container: %v", err)
	}

	app := api.NewApp(c.Stores)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		<-quit
		log.Println("shutting down crawlrs server...")
		cancel()
		c.Stop()
		if err := app.Shutdown(); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
		close(done)
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("listen: %v", err)
	}
	<-done
	os.Exit(130)
}
