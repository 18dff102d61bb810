package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the patient voice service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	SpeechWSURL  string
	SpeechAPIKey string
	DefaultVoice string

	AnthropicAPIKey string
	JudgeModel      string

	DatabaseURL string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaEnabled bool

	HistoryLimit      int
	SideEffectTimeout time.Duration
	DrainWait         time.Duration
	AudioDebugDir     string

	LogLevel          string
	LogFormat         string
	LogFile           string
	LogFileMaxSizeMB  int
	LogFileBackups    int
	LogFileMaxAgeDays int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "patientvoice"),
		AllowAnyOrigin:   false,

		SpeechWSURL:  envOrDefault("SPEECH_WS_URL", "wss://speech.medsimlabs.io/v1/stream"),
		SpeechAPIKey: stringsTrimSpace("SPEECH_API_KEY"),
		DefaultVoice: stringsTrimSpace("SPEECH_DEFAULT_VOICE"),

		AnthropicAPIKey: stringsTrimSpace("ANTHROPIC_API_KEY"),
		JudgeModel:      envOrDefault("JUDGE_MODEL", "claude-3-5-haiku-latest"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),

		KafkaTopic:    envOrDefault("KAFKA_TOPIC", "patientvoice.transcript.turns"),
		AudioDebugDir: stringsTrimSpace("AUDIO_DEBUG_DIR"),

		HistoryLimit:      10,
		SideEffectTimeout: 10 * time.Second,
		DrainWait:         3 * time.Second,
		ShutdownTimeout:   15 * time.Second,

		SessionInactivityTimeout: 10 * time.Minute,

		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("LOG_FORMAT", "json"),
		LogFile:           stringsTrimSpace("LOG_FILE"),
		LogFileMaxSizeMB:  10,
		LogFileBackups:    3,
		LogFileMaxAgeDays: 28,
	}

	if brokers := stringsTrimSpace("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = trimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SideEffectTimeout, err = durationFromEnv("APP_SIDE_EFFECT_TIMEOUT", cfg.SideEffectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainWait, err = durationFromEnv("APP_DRAIN_WAIT", cfg.DrainWait)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.KafkaEnabled, err = boolFromEnv("KAFKA_ENABLED", len(cfg.KafkaBrokers) > 0)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("APP_HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.LogFileMaxSizeMB, err = intFromEnv("LOG_FILE_MAX_SIZE_MB", cfg.LogFileMaxSizeMB)
	if err != nil {
		return Config{}, err
	}
	cfg.LogFileBackups, err = intFromEnv("LOG_FILE_BACKUPS", cfg.LogFileBackups)
	if err != nil {
		return Config{}, err
	}
	cfg.LogFileMaxAgeDays, err = intFromEnv("LOG_FILE_MAX_AGE_DAYS", cfg.LogFileMaxAgeDays)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("APP_HISTORY_LIMIT must be positive")
	}
	if cfg.SideEffectTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SIDE_EFFECT_TIMEOUT must be positive")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return Config{}, fmt.Errorf("KAFKA_ENABLED requires KAFKA_BROKERS")
	}
	if strings.TrimSpace(cfg.SpeechWSURL) == "" {
		return Config{}, fmt.Errorf("SPEECH_WS_URL must not be empty")
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

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
