package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xaenox/chatd/internal/llm"
	"github.com/xaenox/chatd/internal/relay"
	"github.com/xaenox/chatd/internal/server"
	"github.com/xaenox/chatd/internal/storage"
	"github.com/xaenox/chatd/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Select the generation backend once at startup
	var client llm.Client
	settings := server.Settings{Provider: cfg.LLM.ResolveProvider()}
	switch settings.Provider {
	case "openai":
		if cfg.LLM.OpenAI.APIKey == "" {
			logger.Fatal("OPENAI_API_KEY required when using the openai provider")
		}
		logger.Info("Using OpenAI provider", zap.String("model", cfg.LLM.OpenAI.Model))
		client = llm.NewOpenAIClient(cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.Model, cfg.LLM.OpenAI.VisionModel, logger)
		settings.DefaultModel = cfg.LLM.OpenAI.Model
	case "ollama":
		logger.Info("Using Ollama provider",
			zap.String("url", cfg.LLM.Ollama.URL),
			zap.String("model", cfg.LLM.Ollama.Model))
		ollama := llm.NewOllamaClient(cfg.LLM.Ollama.URL, cfg.LLM.Ollama.Model, cfg.LLM.Ollama.VisionModel, logger)
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if !ollama.CheckModel(checkCtx, cfg.LLM.Ollama.Model) {
			logger.Warn("Configured model not available in Ollama",
				zap.String("model", cfg.LLM.Ollama.Model),
				zap.String("hint", fmt.Sprintf("ollama pull %s", cfg.LLM.Ollama.Model)))
		}
		cancel()
		client = ollama
		settings.OllamaURL = cfg.LLM.Ollama.URL
		settings.DefaultModel = cfg.LLM.Ollama.Model
	default:
		logger.Fatal("Unsupported LLM provider", zap.String("provider", settings.Provider))
	}

	// Initialize the streaming relay
	rly := relay.New(store, client, llm.Options{
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, logger)

	// Initialize the HTTP server
	srv := server.New(store, client, rly, settings, logger)

	// Shut down cleanly on SIGINT/SIGTERM
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Shutting down", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Shutdown error", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := srv.Start(addr); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}
