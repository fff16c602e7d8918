package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"requirements-agent/handler"
	"requirements-agent/internal/auth"
	"requirements-agent/internal/integrations/gemini"
	"requirements-agent/internal/integrations/openai"
	"requirements-agent/internal/integrations/paramstore"
	"requirements-agent/internal/ledger"
	"requirements-agent/internal/repository"
	"requirements-agent/internal/usecase"
)

// ledgerStore is a user record store that also keeps the usage log.
type ledgerStore interface {
	ledger.Store
	usecase.UsageRecorder
}

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "err", err)
	}

	// ---- Configuration (read only here) ----
	paramPrefix := mustEnv("PARAM_PREFIX")
	listenAddr := os.Getenv("LISTEN_ADDR")
	ledgerBackend := envString("LEDGER_BACKEND", "dynamodb")
	modelProvider := envString("MODEL_PROVIDER", "openai")
	maxDuration := time.Duration(envInt("MAX_DURATION_SECONDS", 30)) * time.Second
	startingCredits := envInt("STARTING_CREDITS", 20)
	maxContextItems := envInt("MAX_CONTEXT_ITEMS", 20)
	maxPromptLen := envInt("MAX_PROMPT_LENGTH", 8000)
	paramCacheTTL := time.Duration(envInt("PARAM_CACHE_SECONDS", 300)) * time.Second
	jwtSecret := os.Getenv("IDENTITY_JWT_SECRET")
	allowOrigin := os.Getenv("CORS_ALLOW_ORIGIN")
	maxBodyBytes := envInt("MAX_BODY_BYTES", 1<<20)

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
	params, err := paramstore.NewCached(ssmClient, paramCacheTTL)
	if err != nil {
		slog.Error("failed to create parameter cache", "err", err)
		os.Exit(1)
	}

	store, closeStore := newLedgerStore(ctx, ledgerBackend, cfg)
	defer closeStore()

	model, closeModel := newModelStreamer(modelProvider, params, paramPrefix)
	defer closeModel()

	creditLedger, err := ledger.New(store, ledger.WithStartingCredits(startingCredits))
	if err != nil {
		slog.Error("failed to create credit ledger", "err", err)
		os.Exit(1)
	}

	// ---- Use cases ----
	chatService, err := usecase.NewChatService(params, creditLedger, model, store, usecase.ChatConfig{
		ParamPrefix:     paramPrefix,
		MaxDuration:     maxDuration,
		MaxContextItems: maxContextItems,
		MaxPromptLen:    maxPromptLen,
	})
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	creditService, err := usecase.NewCreditService(creditLedger)
	if err != nil {
		slog.Error("failed to create credit service", "err", err)
		os.Exit(1)
	}
	sessionService, err := usecase.NewSessionService(creditLedger)
	if err != nil {
		slog.Error("failed to create session service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	opts := []handler.Option{
		handler.WithAllowOrigin(allowOrigin),
		handler.WithMaxBodyBytes(int64(maxBodyBytes)),
	}
	if jwtSecret != "" {
		verifier, err := auth.NewVerifier(jwtSecret)
		if err != nil {
			slog.Error("failed to create identity verifier", "err", err)
			os.Exit(1)
		}
		opts = append(opts, handler.WithVerifier(verifier))
	}

	gin.SetMode(gin.ReleaseMode)
	h, err := handler.NewHandler(chatService, creditService, sessionService, opts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if listenAddr == "" {
		lambda.Start(h.Handle)
		return
	}
	serve(listenAddr, h)
}

func newLedgerStore(ctx context.Context, backend string, cfg aws.Config) (ledgerStore, func()) {
	switch backend {
	case "dynamodb":
		client, err := repository.New(awsdynamodb.NewFromConfig(cfg), mustEnv("STATE_TABLE"))
		if err != nil {
			slog.Error("failed to create DynamoDB ledger store", "err", err)
			os.Exit(1)
		}
		return client, func() {}
	case "mysql":
		db, err := repository.OpenMySQL(ctx, mustEnv("MYSQL_DSN"))
		if err != nil {
			slog.Error("failed to connect to MySQL", "err", err)
			os.Exit(1)
		}
		client, err := repository.NewMySQL(db)
		if err != nil {
			slog.Error("failed to create MySQL ledger store", "err", err)
			os.Exit(1)
		}
		if err := client.Migrate(ctx); err != nil {
			slog.Error("failed to migrate MySQL schema", "err", err)
			os.Exit(1)
		}
		return client, func() { _ = db.Close() }
	case "memory":
		slog.Warn("using in-memory ledger store; balances are lost on restart")
		return repository.NewMemory(), func() {}
	default:
		slog.Error("unknown ledger backend", "backend", backend)
		os.Exit(1)
		return nil, nil
	}
}

func newModelStreamer(provider string, params paramstore.Getter, paramPrefix string) (usecase.ModelStreamer, func()) {
	switch provider {
	case "openai":
		client, err := openai.NewClient(params, paramPrefix)
		if err != nil {
			slog.Error("failed to create OpenAI client", "err", err)
			os.Exit(1)
		}
		return client, func() {}
	case "gemini":
		client, err := gemini.NewClient(params, paramPrefix)
		if err != nil {
			slog.Error("failed to create Gemini client", "err", err)
			os.Exit(1)
		}
		return client, func() { _ = client.Close() }
	default:
		slog.Error("unknown model provider", "provider", provider)
		os.Exit(1)
		return nil, nil
	}
}

// serve runs a plain HTTP server for local development until SIGINT/SIGTERM.
func serve(addr string, h http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "err", err)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v
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
