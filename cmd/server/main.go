package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/aistudio-relay/internal/handlers"
	"github.com/MegaGrindStone/aistudio-relay/internal/services"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type store interface {
	handlers.Store
	io.Closer
}

const errLoggerKey = "err"

func main() {
	var cfgFilePath string

	rootCmd := &cobra.Command{
		Use:           "aistudio-server",
		Short:         "AI Studio relay: streams chat answers from an LLM provider to the browser",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgFilePath)
		},
	}
	rootCmd.Flags().StringVarP(&cfgFilePath, "config", "c", "", "path to the config file (default is <user config dir>/aistudio/config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "aistudio")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return filepath.Join(cfgPath, "config.yaml"), nil
}

func loadConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func newStore(cfg historyConfig) (store, error) {
	if cfg.Path == "" {
		return services.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("error creating history directory: %w", err)
	}
	return services.NewBoltDB(cfg.Path)
}

func run(ctx context.Context, cfgFilePath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file loaded", slog.String(errLoggerKey, err.Error()))
	}

	if cfgFilePath == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return err
		}
		cfgFilePath = p
	}

	cfg, err := loadConfig(cfgFilePath)
	if err != nil {
		return err
	}

	llm, err := cfg.LLM.llm(ctx, cfg.SystemPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}
	if closer, ok := llm.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Error("Failed to close llm", slog.String(errLoggerKey, err.Error()))
			}
		}()
	}

	strategy, err := handlers.NewStrategy(cfg.Relay.Strategy, cfg.Relay.Pacing)
	if err != nil {
		return err
	}

	st, err := newStore(cfg.History)
	if err != nil {
		return fmt.Errorf("error opening history store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Failed to close history store", slog.String(errLoggerKey, err.Error()))
		}
	}()

	m, err := handlers.NewMain(llm, st, strategy, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat", m.HandleChat)
	mux.HandleFunc("/chat/history", m.HandleHistory)
	mux.HandleFunc("/assets/code.css", m.HandleCodeCSS)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.Logging(logger)(handlers.CORS(cfg.AllowedOrigin)(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown relays", slog.String(errLoggerKey, err.Error()))
		}
	})

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("strategy", cfg.Relay.Strategy),
			slog.String("allowedOrigin", cfg.AllowedOrigin))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}

	return nil
}
