package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"patpat-agent/handler"
	"patpat-agent/internal/auth"
	"patpat-agent/internal/config"
	"patpat-agent/internal/integrations/clova"
	"patpat-agent/internal/integrations/letterbot"
	"patpat-agent/internal/integrations/paramstore"
	"patpat-agent/internal/repository"
	"patpat-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
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
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.State.Table)
	if err != nil {
		logger.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	clovaClient, err := clova.NewClient(ssmClient, cfg.Param.Prefix,
		clova.WithBaseURL(cfg.Clova.URL),
		clova.WithDefaultModel(cfg.Clova.Model),
		clova.WithHTTPClient(&http.Client{Timeout: cfg.Clova.Timeout}),
		clova.WithRateLimit(cfg.Clova.Rate, cfg.Clova.Burst),
	)
	if err != nil {
		logger.Error("failed to create CLOVA client", "err", err)
		os.Exit(1)
	}

	verifier, err := auth.NewVerifier(ssmClient, cfg.Param.Prefix)
	if err != nil {
		logger.Error("failed to create token verifier", "err", err)
		os.Exit(1)
	}

	// Warm the parameter cache during init; a failure here is retried lazily.
	if err := ssmClient.Prefetch(ctx, clovaClient.KeysParameterName(), verifier.SecretParameterName()); err != nil {
		logger.Warn("parameter prefetch failed", "err", err)
	}

	bot, err := letterbot.New(clovaClient,
		letterbot.WithPrompt(cfg.Letter.Prompt),
		letterbot.WithTaskID(cfg.Letter.TaskID),
		letterbot.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create letter bot", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	letterService, err := usecase.NewLetterService(stateClient, stateClient, stateClient, bot, logger)
	if err != nil {
		logger.Error("failed to create letter service", "err", err)
		os.Exit(1)
	}
	chatService, err := usecase.NewChatService(stateClient, stateClient, stateClient, letterService, clovaClient, usecase.ChatConfig{
		MaxContextTurns:  cfg.Chat.MaxContext,
		MaxMessageLength: cfg.Chat.MaxMessage,
		HistoryLimit:     cfg.Chat.HistoryLimit,
		ClosingLabel:     cfg.Chat.ClosingLabel,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, letterService, verifier, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
