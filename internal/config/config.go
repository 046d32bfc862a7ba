package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config contains all runtime settings for the voice bridge service.
type Config struct {
	BindAddr         string
	PublicHost       string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	DeepgramAPIKey string
	AgentWSURL     string

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	ActionTimeout     time.Duration
	DispatchGrace     time.Duration

	Language         string
	ListenModel      string
	ThinkModel       string
	ThinkTemperature float64
	SpeakModel       string
	AgentPrompt      string
	AgentGreeting    string

	DatabaseURL string
}

const defaultPrompt = "You are a friendly and professional phone assistant. " +
	"Your responses should be concise, warm, and conversational since they will be spoken aloud. " +
	"Keep answers to one or two sentences and never use formatting or lists."

const defaultGreeting = "Hello! How can I help you today?"

// Load reads environment variables and applies safe defaults. The Deepgram
// key has no default and must be present.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":5000"),
		PublicHost:        stringsTrimSpace("APP_PUBLIC_HOST"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		DeepgramAPIKey:    stringsTrimSpace("DEEPGRAM_API_KEY"),
		AgentWSURL:        envOrDefault("AGENT_WS_URL", "wss://agent.deepgram.com/agent"),
		Language:          envOrDefault("AGENT_LANGUAGE", "en"),
		ListenModel:       envOrDefault("AGENT_LISTEN_MODEL", "nova-2"),
		ThinkModel:        envOrDefault("AGENT_THINK_MODEL", "gpt-4o-mini"),
		SpeakModel:        envOrDefault("AGENT_SPEAK_MODEL", "aura-asteria-en"),
		AgentPrompt:       envOrDefault("AGENT_PROMPT", defaultPrompt),
		AgentGreeting:     envOrDefault("AGENT_GREETING", defaultGreeting),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		ThinkTemperature:  0.7,
		ShutdownTimeout:   15 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		KeepAliveInterval: 5 * time.Second,
		ActionTimeout:     3 * time.Second,
		DispatchGrace:     2 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HandshakeTimeout, err = durationFromEnv("AGENT_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.KeepAliveInterval, err = durationFromEnv("AGENT_KEEPALIVE_INTERVAL", cfg.KeepAliveInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ActionTimeout, err = durationFromEnv("ACTION_TIMEOUT", cfg.ActionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DispatchGrace, err = durationFromEnv("ACTION_DISPATCH_GRACE", cfg.DispatchGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.ThinkTemperature, err = floatFromEnv("AGENT_THINK_TEMPERATURE", cfg.ThinkTemperature)
	if err != nil {
		return Config{}, err
	}

	if cfg.DeepgramAPIKey == "" {
		return Config{}, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.HandshakeTimeout < time.Second {
		return Config{}, fmt.Errorf("AGENT_HANDSHAKE_TIMEOUT must be at least 1s")
	}
	if cfg.KeepAliveInterval < time.Second {
		return Config{}, fmt.Errorf("AGENT_KEEPALIVE_INTERVAL must be at least 1s")
	}
	if cfg.ActionTimeout <= 0 {
		return Config{}, fmt.Errorf("ACTION_TIMEOUT must be positive")
	}
	if cfg.ThinkTemperature < 0 || cfg.ThinkTemperature > 2 {
		return Config{}, fmt.Errorf("AGENT_THINK_TEMPERATURE must be between 0 and 2")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
