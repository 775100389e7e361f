package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/lexiqai/voice-translator/internal/vad"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
}

func TestLoad(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.OpenAIAPIKey != "test-openai-key" {
		t.Errorf("Expected OpenAIAPIKey 'test-openai-key', got '%s'", cfg.OpenAIAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("OPENAI_API_KEY")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Check defaults
	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.STTProvider != STTProviderWhisper {
		t.Errorf("Expected default STTProvider 'whisper', got '%s'", cfg.STTProvider)
	}

	if cfg.OpenAITranslationModel != "gpt-4o-mini" {
		t.Errorf("Expected default translation model 'gpt-4o-mini', got '%s'", cfg.OpenAITranslationModel)
	}

	if cfg.SourceLanguage != "ja" || cfg.TargetLanguage != "en" {
		t.Errorf("Expected default languages ja->en, got %s->%s", cfg.SourceLanguage, cfg.TargetLanguage)
	}

	if cfg.TickInterval() != 16*time.Millisecond {
		t.Errorf("Expected default tick interval 16ms, got %v", cfg.TickInterval())
	}

	if cfg.PipelineQueueSize != 8 {
		t.Errorf("Expected default PipelineQueueSize 8, got %d", cfg.PipelineQueueSize)
	}
}

func TestConfig_VADSettings(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	s, err := cfg.VADSettings()
	if err != nil {
		t.Fatalf("VADSettings() failed: %v", err)
	}
	if s != vad.DefaultSettings() {
		t.Errorf("Expected env defaults to match detector defaults, got %+v", s)
	}
}

func TestLoad_InvalidVADDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("VAD_STOP_THRESHOLD", "-20") // above the start threshold

	_, err := Load()
	if err == nil {
		t.Fatal("Expected inverted hysteresis to fail Load()")
	}
	var cfgErr *vad.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected wrapped *vad.ConfigError, got %v", err)
	}
}

func TestLoad_DeepgramRequiresKey(t *testing.T) {
	setRequired(t)
	t.Setenv("STT_PROVIDER", "deepgram")
	os.Unsetenv("DEEPGRAM_API_KEY")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when DEEPGRAM_API_KEY is missing")
	}

	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}

	t.Setenv("STT_PROVIDER", "bogus")
	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unknown provider")
	}
}

func TestConfig_RecorderAndPipeline(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	rc := cfg.RecorderConfig(48000)
	if rc.SampleRate != 48000 || rc.PreRoll != 500*time.Millisecond || rc.MaxDuration != 30*time.Second {
		t.Errorf("Unexpected recorder config %+v", rc)
	}

	pc := cfg.PipelineConfig()
	if pc.StageTimeout != 30*time.Second || pc.From != "ja" || pc.To != "en" {
		t.Errorf("Unexpected pipeline config %+v", pc)
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_KEY", "test-value")
	defer os.Unsetenv("TEST_KEY")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Check resilience defaults
	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequired(t)
	// Clear LOG_LEVEL to ensure we get the default
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}
