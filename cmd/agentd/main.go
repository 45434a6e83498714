package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shiyoukh/cf-ai-agent/internal/observability"
	"github.com/shiyoukh/cf-ai-agent/internal/server"
	"github.com/shiyoukh/cf-ai-agent/pkg/actor"
	"github.com/shiyoukh/cf-ai-agent/pkg/config"
	"github.com/shiyoukh/cf-ai-agent/pkg/llm/provider"
	metrics "github.com/shiyoukh/cf-ai-agent/pkg/observability"
	"github.com/shiyoukh/cf-ai-agent/pkg/store"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile  = flag.String("config", getEnv("CONFIG_FILE", "config/agentd.yaml"), "Daemon configuration file")
	httpPort    = flag.Int("http-port", 0, "API server port (overrides config)")
	metricsPort = flag.Int("metrics-port", 0, "Metrics/health server port (overrides config)")
)

func main() {
	flag.Parse()

	log.Printf("Starting agentd v%s", Version)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *httpPort != 0 {
		cfg.HTTPPort = *httpPort
	}
	if *metricsPort != 0 {
		cfg.MetricsPort = *metricsPort
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config error: %v", err)
	}

	// Initialize observability
	metrics.InitMetrics()
	if err := observability.InitFromEnv(); err != nil {
		log.Printf("Tracing init error: %v", err)
	}

	st, err := store.NewRedisStore(store.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		log.Fatalf("Store error: %v", err)
	}

	gen, err := provider.NewOpenAIGenerator(provider.OpenAIConfig{
		APIKey:  cfg.OpenAIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.Model,
	})
	if err != nil {
		log.Fatalf("Provider error: %v", err)
	}

	registry := actor.NewRegistry(st, gen, actorConfig(cfg))

	// Register health checks
	healthChecker := metrics.NewHealthChecker()
	healthChecker.RegisterCheck(metrics.PingCheck())
	healthChecker.RegisterCheck(metrics.StoreCheck(st.Ping))

	apiServer := server.New(registry, cfg.HTTPPort)
	obsServer := metrics.NewServer(cfg.MetricsPort, healthChecker)

	var g errgroup.Group
	g.Go(func() error {
		log.Printf("Starting API server on :%d", cfg.HTTPPort)
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("Starting observability server on :%d", cfg.MetricsPort)
		if err := obsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("observability server error: %w", err)
		}
		return nil
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- g.Wait()
	}()

	// Wait for shutdown signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			log.Printf("Error: %v", err)
		}
	case <-quit:
		log.Println("Shutting down agentd...")
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}
	if err := obsServer.Shutdown(ctx); err != nil {
		log.Printf("Observability server shutdown error: %v", err)
	}
	if err := registry.Close(); err != nil {
		log.Printf("Registry shutdown error: %v", err)
	}
	if err := observability.Shutdown(ctx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}

	log.Println("agentd stopped")
}

// loadConfig falls back to defaults when no config file exists, so the
// daemon can run from environment variables alone.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("Config file %s not found, using defaults", path)
		return config.Default(), nil
	}
	return config.Load(path)
}

func actorConfig(cfg *config.Config) actor.Config {
	ac := actor.DefaultConfig()
	s := cfg.Session
	ac.Limits.MaxAge = s.MaxAge
	ac.Limits.MaxTurns = s.MaxTurns
	ac.Limits.MaxChars = s.MaxChars
	ac.MaxTurnChars = s.MaxTurnChars
	ac.MaintenancePeriod = s.MaintenancePeriod
	ac.ImmediateThreshold = s.ImmediateThreshold
	ac.ChatPolicy = s.ChatPolicy
	ac.SchedulePolicy = s.SchedulePolicy
	return ac
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
