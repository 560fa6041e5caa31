// ====================================
// File: cmd/bot/main.go
// ====================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/avelinsk/pumpsentry/internal/bot"
	"github.com/avelinsk/pumpsentry/internal/config"
	"github.com/avelinsk/pumpsentry/internal/export"
	"github.com/avelinsk/pumpsentry/internal/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	exportUser := flag.String("export-user", "", "export a user's trade history and exit")
	exportFormat := flag.String("export-format", "csv", "trade export format: csv or json")
	exportDir := flag.String("export-dir", "exports", "directory for trade export files")
	flag.Parse()

	// Optional; real deployments set env directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		LogFile:     "pumpsentry.log",
		MaxSize:     100,
		MaxAge:      7,
		MaxBackups:  3,
		Compress:    true,
		Development: cfg.DebugLogging,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	runner, err := bot.NewRunner(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize engine", zap.Error(err))
	}

	if *exportUser != "" {
		path, err := runner.ExportTrades(context.Background(), *exportUser, export.Options{
			Format:    export.Format(*exportFormat),
			OutputDir: *exportDir,
		})
		if err != nil {
			log.Fatal("trade export failed", zap.Error(err))
		}
		fmt.Println(path)
		return
	}

	if err := runner.Run(context.Background()); err != nil {
		log.Fatal("engine exited with error", zap.Error(err))
	}
}
