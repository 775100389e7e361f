package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/voice-translator/internal/pipeline"
	"github.com/lexiqai/voice-translator/internal/recorder"
	"github.com/lexiqai/voice-translator/internal/vad"
)

// STT providers
const (
	STTProviderWhisper  = "whisper"
	STTProviderDeepgram = "deepgram"
)

// Config holds all configuration for the voice translator service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:"9090"` // Empty disables the gRPC health server

	// OpenAI configuration (transcription, translation and speech)
	OpenAIAPIKey           string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIBaseURL          string `envconfig:"OPENAI_BASE_URL" default:""`
	OpenAITranscribeModel  string `envconfig:"OPENAI_TRANSCRIBE_MODEL" default:"whisper-1"`
	OpenAITranslationModel string `envconfig:"OPENAI_TRANSLATION_MODEL" default:"gpt-4o-mini"`
	OpenAITTSModel         string `envconfig:"OPENAI_TTS_MODEL" default:"tts-1"`
	OpenAITTSVoice         string `envconfig:"OPENAI_TTS_VOICE" default:"alloy"`

	// Speech-to-text provider: whisper or deepgram
	STTProvider    string `envconfig:"STT_PROVIDER" default:"whisper"`
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base

	// Default languages for new sessions
	SourceLanguage string `envconfig:"SOURCE_LANGUAGE" default:"ja"`
	TargetLanguage string `envconfig:"TARGET_LANGUAGE" default:"en"`

	// VAD defaults (dB and milliseconds)
	VADStartThreshold     float64 `envconfig:"VAD_START_THRESHOLD" default:"-35"`
	VADStopThreshold      float64 `envconfig:"VAD_STOP_THRESHOLD" default:"-45"`
	VADMinSpeechDuration  int     `envconfig:"VAD_MIN_SPEECH_DURATION" default:"300"`
	VADMinSilenceDuration int     `envconfig:"VAD_MIN_SILENCE_DURATION" default:"500"`
	VADSmoothingFactor    float64 `envconfig:"VAD_SMOOTHING_FACTOR" default:"0.7"`
	VADTickInterval       int     `envconfig:"VAD_TICK_INTERVAL" default:"16"` // Milliseconds between evaluations
	VADAnalyserWindow     int     `envconfig:"VAD_ANALYSER_WINDOW" default:"2048"`

	// Recorder configuration (milliseconds)
	RecorderPreRoll     int `envconfig:"RECORDER_PRE_ROLL" default:"500"`
	RecorderMinDuration int `envconfig:"RECORDER_MIN_DURATION" default:"250"`
	RecorderMaxDuration int `envconfig:"RECORDER_MAX_DURATION" default:"30000"`
	DefaultSampleRate   int `envconfig:"DEFAULT_SAMPLE_RATE" default:"16000"` // Used when the client does not send one

	// Settings persistence
	SettingsDir string `envconfig:"SETTINGS_DIR" default:"./data/settings"`

	// Pipeline configuration
	PipelineQueueSize    int `envconfig:"PIPELINE_QUEUE_SIZE" default:"8"`
	PipelineStageTimeout int `envconfig:"PIPELINE_STAGE_TIMEOUT" default:"30"` // seconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements that struct tags cannot express
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}

	switch c.STTProvider {
	case STTProviderWhisper:
	case STTProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER=deepgram")
		}
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider)
	}

	if _, err := c.VADSettings(); err != nil {
		return fmt.Errorf("invalid VAD defaults: %w", err)
	}
	if err := c.RecorderConfig(c.DefaultSampleRate).Validate(); err != nil {
		return fmt.Errorf("invalid recorder config: %w", err)
	}
	if c.VADTickInterval <= 0 {
		return fmt.Errorf("VAD_TICK_INTERVAL must be positive")
	}
	if c.VADAnalyserWindow <= 0 {
		return fmt.Errorf("VAD_ANALYSER_WINDOW must be positive")
	}
	return nil
}

// VADSettings returns the validated default detector settings
func (c *Config) VADSettings() (vad.Settings, error) {
	s := vad.Settings{
		StartThreshold:     c.VADStartThreshold,
		StopThreshold:      c.VADStopThreshold,
		MinSpeechDuration:  time.Duration(c.VADMinSpeechDuration) * time.Millisecond,
		MinSilenceDuration: time.Duration(c.VADMinSilenceDuration) * time.Millisecond,
		SmoothingFactor:    c.VADSmoothingFactor,
	}
	if err := s.Validate(); err != nil {
		return vad.Settings{}, err
	}
	return s, nil
}

// TickInterval returns the detector evaluation period
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.VADTickInterval) * time.Millisecond
}

// RecorderConfig returns the segment recorder configuration for a sample rate
func (c *Config) RecorderConfig(sampleRate int) recorder.Config {
	return recorder.Config{
		SampleRate:  sampleRate,
		PreRoll:     time.Duration(c.RecorderPreRoll) * time.Millisecond,
		MinDuration: time.Duration(c.RecorderMinDuration) * time.Millisecond,
		MaxDuration: time.Duration(c.RecorderMaxDuration) * time.Millisecond,
	}
}

// PipelineConfig returns the per-session pipeline defaults
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		QueueSize:    c.PipelineQueueSize,
		From:         c.SourceLanguage,
		To:           c.TargetLanguage,
		StageTimeout: time.Duration(c.PipelineStageTimeout) * time.Second,
	}
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
