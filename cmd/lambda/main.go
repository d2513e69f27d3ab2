package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"crm-agent/internal/app"
	"crm-agent/internal/config"
	"crm-agent/internal/integrations/paramstore"
	"crm-agent/internal/repository"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if err := cfg.RequireLambda(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		logger.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		logger.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := app.Build(cfg, store, ssmClient, logger)
	if err != nil {
		logger.Error("failed to build handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
