// Package main bootstraps a fresh deployment with the default capabilities,
// the admin agent and its first API key.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/aims-io/aims/internal/config"
	"github.com/aims-io/aims/internal/credentials"
	"github.com/aims-io/aims/internal/db"
	"github.com/aims-io/aims/internal/logging"
	"github.com/aims-io/aims/internal/seed"
	"github.com/aims-io/aims/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	if err := db.Migrate(conn); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	st, err := store.NewPostgresStore(conn)
	if err != nil {
		logger.Fatal("store initialization failed", zap.Error(err))
	}
	defer st.Close()

	gen := credentials.NewGenerator(cfg.APIKeyPrefix)
	result, err := seed.Run(context.Background(), st, gen, logger)
	if err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}

	if result.Skipped {
		fmt.Println("Admin agent already exists. Skipping seed.")
		return
	}

	line := strings.Repeat("=", 60)
	fmt.Println(line)
	fmt.Println("AIMS Bootstrap Complete")
	fmt.Println(line)
	fmt.Printf("Admin Agent ID: %s\n", result.AdminAgentID)
	fmt.Printf("Admin API Key:  %s\n", result.RawKey)
	fmt.Println()
	fmt.Println("SAVE THIS KEY - it will not be shown again!")
	fmt.Println(line)
}
