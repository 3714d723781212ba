package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"asyncchat/internal/integrations/openai"
	"asyncchat/internal/integrations/paramstore"
	"asyncchat/internal/queue"
	"asyncchat/internal/repository"
	"asyncchat/internal/worker"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	chatTable := mustEnv("CHAT_TABLE")
	queueURL := mustEnv("QUEUE_URL")
	deadLetterURL := mustEnv("DEAD_LETTER_QUEUE_URL")
	paramPrefix := mustEnv("PARAM_PREFIX")
	model := envStr("GENERATION_MODEL", "gpt-4o-mini")
	historyLimit := envInt("HISTORY_LIMIT", 20)
	maxDeliveries := envInt("MAX_DELIVERIES", 3)
	visibility := time.Duration(envInt("VISIBILITY_SECONDS", 90)) * time.Second
	genBudget := time.Duration(envInt("GENERATION_BUDGET_SECONDS", 60)) * time.Second

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	llm, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create generation client", "err", err)
		os.Exit(1)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), chatTable)
	if err != nil {
		slog.Error("failed to create store client", "err", err)
		os.Exit(1)
	}
	workQueue, err := queue.New(awssqs.NewFromConfig(cfg), queueURL,
		queue.WithDeadLetterURL(deadLetterURL),
		queue.WithVisibility(visibility),
	)
	if err != nil {
		slog.Error("failed to create queue client", "err", err)
		os.Exit(1)
	}

	w, err := worker.New(store, workQueue, llm, worker.Config{
		Model:         model,
		HistoryLimit:  historyLimit,
		MaxDeliveries: maxDeliveries,
		GenBudget:     genBudget,
	})
	if err != nil {
		slog.Error("failed to create worker", "err", err)
		os.Exit(1)
	}

	// On Lambda the SQS event source feeds the handler; anywhere else the
	// worker runs its own dequeue loop.
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(w.HandleSQS)
		return
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("worker started", "queue_url", queueURL, "model", model)
	if err := w.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
