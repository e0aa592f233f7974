package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries everything the client needs, sourced from the environment.
type Config struct {
	Env                string
	APIBaseURL         string
	SocketURL          string
	StubAddr           string
	AuthSecret         string
	OTLPEndpoint       string
	ReconnectAttempts  int
	ReconnectDelay     time.Duration
	PresenceInterval   time.Duration
	MemberRefreshDelay time.Duration
	RequestTimeout     time.Duration
	PageSize           int
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	reconnectDelay, err := time.ParseDuration(getEnv("CHAT_RECONNECT_DELAY", "1s"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_RECONNECT_DELAY: %w", err)
	}
	presenceInterval, err := time.ParseDuration(getEnv("CHAT_PRESENCE_INTERVAL", "5s"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_PRESENCE_INTERVAL: %w", err)
	}
	memberRefreshDelay, err := time.ParseDuration(getEnv("CHAT_MEMBER_REFRESH_DELAY", "1s"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_MEMBER_REFRESH_DELAY: %w", err)
	}
	requestTimeout, err := time.ParseDuration(getEnv("CHAT_REQUEST_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_REQUEST_TIMEOUT: %w", err)
	}
	reconnectAttempts, err := strconv.Atoi(getEnv("CHAT_RECONNECT_ATTEMPTS", "3"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_RECONNECT_ATTEMPTS: %w", err)
	}
	pageSize, err := strconv.Atoi(getEnv("CHAT_PAGE_SIZE", "50"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_PAGE_SIZE: %w", err)
	}

	cfg := &Config{
		Env:                getEnv("CHAT_ENV", "dev"),
		APIBaseURL:         getEnv("CHAT_API_URL", "http://localhost:8083/api"),
		SocketURL:          getEnv("CHAT_SOCKET_URL", "ws://localhost:8083"),
		StubAddr:           getEnv("CHAT_STUB_ADDR", ":8083"),
		AuthSecret:         getEnv("CHAT_AUTH_SECRET", "dev-secret"),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
		ReconnectAttempts:  reconnectAttempts,
		ReconnectDelay:     reconnectDelay,
		PresenceInterval:   presenceInterval,
		MemberRefreshDelay: memberRefreshDelay,
		RequestTimeout:     requestTimeout,
		PageSize:           pageSize,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot run with.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}
	if c.SocketURL == "" {
		return fmt.Errorf("CHAT_SOCKET_URL is required")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("CHAT_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_DELAY must be greater than 0")
	}
	if c.PresenceInterval <= 0 {
		return fmt.Errorf("CHAT_PRESENCE_INTERVAL must be greater than 0")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("CHAT_PAGE_SIZE must be greater than 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
