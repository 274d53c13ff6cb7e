package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dc_bridge/internal/app"
	"dc_bridge/internal/config"
	"dc_bridge/internal/logger"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to config file")
	initQR := flag.String("init", "", "create a Delta Chat bot account from a dcaccount QR and exit")
	link := flag.Bool("link", false, "print invite QR codes of all mirrored channels and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	// 初始化logger
	if err := logger.Init(logger.Config{Level: cfg.Log.Level, File: cfg.Log.File}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *initQR != "" {
		accountID, err := app.InitAccount(ctx, cfg, *initQR)
		if err != nil {
			logger.L().Fatalf("Delta Chat account init failed: %v", err)
		}
		logger.L().Infof("Delta Chat account %d is ready, set deltachat.account_id to use it", accountID)
		return
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		logger.L().Fatalf("Init failed: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Close(closeCtx); err != nil {
			logger.L().Errorf("Shutdown error: %v", err)
		}
		logger.L().Info("Bridge stopped")
	}()

	if *link {
		if err := application.PrintLinks(ctx, os.Stdout); err != nil {
			logger.L().Errorf("Failed to print links: %v", err)
		}
		return
	}

	logger.L().Info("Bridge starting")
	if err := application.Run(ctx); err != nil {
		logger.L().Errorf("Bridge exited with error: %v", err)
	}
}
