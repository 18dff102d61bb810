package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.MetricsNamespace != "patientvoice" {
		t.Fatalf("MetricsNamespace = %q", cfg.MetricsNamespace)
	}
	if cfg.SessionInactivityTimeout != 10*time.Minute {
		t.Fatalf("SessionInactivityTimeout = %v", cfg.SessionInactivityTimeout)
	}
	if cfg.KafkaEnabled {
		t.Fatalf("KafkaEnabled = true without brokers")
	}
	if cfg.JudgeModel != "claude-3-5-haiku-latest" {
		t.Fatalf("JudgeModel = %q", cfg.JudgeModel)
	}
	if cfg.HistoryLimit != 10 {
		t.Fatalf("HistoryLimit = %d", cfg.HistoryLimit)
	}
}

func TestLoadKafkaBrokers(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "broker-a:9092" || cfg.KafkaBrokers[1] != "broker-b:9092" {
		t.Fatalf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if !cfg.KafkaEnabled {
		t.Fatalf("KafkaEnabled = false with brokers set")
	}
}

func TestLoadKafkaEnabledWithoutBrokers(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("KAFKA_ENABLED", "true")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted KAFKA_ENABLED without brokers")
	}
}

func TestLoadRejectsShortInactivityTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SESSION_INACTIVITY_TIMEOUT", "2s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted a 2s inactivity timeout")
	}
}

func TestLoadParsesDurations(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("APP_SIDE_EFFECT_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Fatalf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.SideEffectTimeout != 5*time.Second {
		t.Fatalf("SideEffectTimeout = %v", cfg.SideEffectTimeout)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_SIDE_EFFECT_TIMEOUT",
		"APP_DRAIN_WAIT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_HISTORY_LIMIT",
		"SPEECH_WS_URL",
		"SPEECH_API_KEY",
		"SPEECH_DEFAULT_VOICE",
		"ANTHROPIC_API_KEY",
		"JUDGE_MODEL",
		"DATABASE_URL",
		"KAFKA_BROKERS",
		"KAFKA_TOPIC",
		"KAFKA_ENABLED",
		"AUDIO_DEBUG_DIR",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"LOG_FILE",
		"LOG_FILE_MAX_SIZE_MB",
		"LOG_FILE_BACKUPS",
		"LOG_FILE_MAX_AGE_DAYS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
