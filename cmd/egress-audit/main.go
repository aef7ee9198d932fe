package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/edvin/egress/internal/audit"
	"github.com/edvin/egress/internal/config"
	"github.com/edvin/egress/internal/logging"
	"github.com/edvin/egress/internal/store"
)

func main() {
	outputFlag := flag.String("output", "", "Write the report JSON to this file instead of stdout")
	timeoutFlag := flag.Duration("timeout", 10*time.Minute, "Overall audit run timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "egress-audit"
	}
	if err := cfg.Validate("egress-audit"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	client := store.NewClient(cfg.StoreBaseURL, cfg.StoreToken, logger)
	tester := audit.NewTester(logger, client, client, cfg.AuditDialTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	report, err := tester.Run(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("audit run failed")
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to encode report")
	}

	if *outputFlag != "" {
		if err := os.WriteFile(*outputFlag, body, 0644); err != nil {
			logger.Fatal().Err(err).Msg("failed to write report")
		}
	} else {
		fmt.Println(string(body))
	}

	if cfg.AuditS3Bucket != "" {
		uploader := audit.NewUploader(logger, cfg.AuditS3Endpoint, cfg.AuditS3Region,
			cfg.AuditS3AccessKey, cfg.AuditS3SecretKey, cfg.AuditS3Bucket)
		if err := uploader.Upload(ctx, report); err != nil {
			logger.Fatal().Err(err).Msg("failed to upload report")
		}
	}

	if report.Failed > 0 {
		os.Exit(1)
	}
}
