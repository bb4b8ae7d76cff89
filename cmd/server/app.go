package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"zapcamp/internal/campaign"
	"zapcamp/internal/chat"
	"zapcamp/internal/gateway"
	"zapcamp/internal/httpapi"
	"zapcamp/internal/store"
)

const (
	envConfigFile           = "ZAPCAMP_CONFIG_FILE"
	envGatewayAPIKey        = "ZAPCAMP_GATEWAY_API_KEY"
	defaultConfigFilePath   = "config/server.json"
	alternateConfigFilePath = "bin/config/server.json"

	defaultListenAddr      = ":8080"
	defaultStorePath       = "data/zapcamp"
	defaultGatewayTimeout  = 15 * time.Second
	defaultPollInterval    = 5 * time.Second
	defaultHistoryLimit    = 100
	defaultContactPageSize = 200
	defaultShutdownTimeout = 10 * time.Second
)

type appConfig struct {
	logLevel slog.Level

	listenAddr      string
	storePath       string
	shutdownTimeout time.Duration

	gatewayBaseURL string
	gatewayAPIKey  string
	gatewayTimeout time.Duration

	pollInterval    time.Duration
	historyLimit    int
	contactPageSize int
}

type fileConfig struct {
	LogLevel string `json:"log_level"`

	ListenAddr      string `json:"listen_addr"`
	StorePath       string `json:"store_path"`
	ShutdownTimeout string `json:"shutdown_timeout"`

	Gateway fileGatewayConfig `json:"gateway"`
	Chat    fileChatConfig    `json:"chat"`
}

type fileGatewayConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Timeout string `json:"timeout"`
}

type fileChatConfig struct {
	PollInterval    string `json:"poll_interval"`
	HistoryLimit    *int   `json:"history_limit"`
	ContactPageSize *int   `json:"contact_page_size"`
}

func run() error {
	// Optional; the config file and real environment take precedence.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))

	dataStore, err := store.Open(cfg.storePath, store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := dataStore.Close(); err != nil {
			logger.Error("close store failed", "error", err)
		}
	}()

	gatewayClient, err := gateway.NewClient(cfg.gatewayBaseURL, cfg.gatewayAPIKey,
		gateway.WithLogger(logger),
		gateway.WithRequestTimeout(cfg.gatewayTimeout),
	)
	if err != nil {
		return err
	}

	sessions, err := chat.NewManager(gatewayClient, dataStore,
		chat.WithManagerLogger(logger),
		chat.WithNumberChecker(gatewayClient),
		chat.WithSessionOptions(
			chat.WithSessionPollInterval(cfg.pollInterval),
			chat.WithHistoryLimit(cfg.historyLimit),
		),
	)
	if err != nil {
		return err
	}
	defer sessions.CloseAll()

	campaigns, err := campaign.NewService(dataStore, campaign.WithLogger(logger))
	if err != nil {
		return err
	}

	api, err := httpapi.NewServer(
		gatewayClient, dataStore, dataStore, sessions, campaigns, httpapi.NewMetrics(),
		httpapi.WithLogger(logger),
		httpapi.WithContactPageSize(cfg.contactPageSize),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:    cfg.listenAddr,
		Handler: api,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func loadConfig() (appConfig, error) {
	cfg := defaultAppConfig()

	configFile, err := resolveConfigFilePath()
	if err != nil {
		return appConfig{}, err
	}
	if configFile != "" {
		if err := applyConfigFile(&cfg, configFile); err != nil {
			return appConfig{}, err
		}
	}

	if apiKey := strings.TrimSpace(os.Getenv(envGatewayAPIKey)); apiKey != "" {
		cfg.gatewayAPIKey = apiKey
	}

	if err := validateAppConfig(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// resolveConfigFilePath finds the config file; unlike the gateway
// credentials, the file itself is optional and defaults apply without one.
func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", nil
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel:        slog.LevelInfo,
		listenAddr:      defaultListenAddr,
		storePath:       defaultStorePath,
		shutdownTimeout: defaultShutdownTimeout,
		gatewayTimeout:  defaultGatewayTimeout,
		pollInterval:    defaultPollInterval,
		historyLimit:    defaultHistoryLimit,
		contactPageSize: defaultContactPageSize,
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	if addr := strings.TrimSpace(parsed.ListenAddr); addr != "" {
		cfg.listenAddr = addr
	}
	if storePath := strings.TrimSpace(parsed.StorePath); storePath != "" {
		cfg.storePath = storePath
	}
	if rawTimeout := strings.TrimSpace(parsed.ShutdownTimeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse shutdown_timeout: %w", err)
		}
		cfg.shutdownTimeout = timeout
	}

	if baseURL := strings.TrimSpace(parsed.Gateway.BaseURL); baseURL != "" {
		cfg.gatewayBaseURL = baseURL
	}
	if apiKey := strings.TrimSpace(parsed.Gateway.APIKey); apiKey != "" {
		cfg.gatewayAPIKey = apiKey
	}
	if rawTimeout := strings.TrimSpace(parsed.Gateway.Timeout); rawTimeout != "" {
		timeout, err := parsePositiveDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse gateway.timeout: %w", err)
		}
		cfg.gatewayTimeout = timeout
	}

	if rawInterval := strings.TrimSpace(parsed.Chat.PollInterval); rawInterval != "" {
		interval, err := parsePositiveDuration(rawInterval)
		if err != nil {
			return fmt.Errorf("parse chat.poll_interval: %w", err)
		}
		cfg.pollInterval = interval
	}
	if parsed.Chat.HistoryLimit != nil {
		if *parsed.Chat.HistoryLimit <= 0 {
			return fmt.Errorf("parse chat.history_limit: must be > 0")
		}
		cfg.historyLimit = *parsed.Chat.HistoryLimit
	}
	if parsed.Chat.ContactPageSize != nil {
		if *parsed.Chat.ContactPageSize <= 0 {
			return fmt.Errorf("parse chat.contact_page_size: must be > 0")
		}
		cfg.contactPageSize = *parsed.Chat.ContactPageSize
	}

	return nil
}

func validateAppConfig(cfg *appConfig) error {
	if cfg.gatewayBaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if cfg.gatewayAPIKey == "" {
		return fmt.Errorf("gateway.api_key is required (config file or %s)", envGatewayAPIKey)
	}
	return nil
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if duration <= 0 {
		return 0, fmt.Errorf("must be > 0")
	}
	return duration, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}
