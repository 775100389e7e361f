package pipeline

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-translator/internal/observability"
	"github.com/lexiqai/voice-translator/internal/resilience"
)

// Breakers holds one circuit breaker per provider, shared by every session
type Breakers struct {
	STT       *resilience.CircuitBreaker
	Translate *resilience.CircuitBreaker
	TTS       *resilience.CircuitBreaker
}

// NewBreakers creates provider breakers that report transitions to metrics
// and the log
func NewBreakers(maxFailures int, resetTimeout time.Duration, logger zerolog.Logger) *Breakers {
	onChange := func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to), to.String())
		event := logger.Info()
		if to == resilience.StateOpen {
			event = logger.Warn()
		}
		event.
			Str("provider", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}
	opt := resilience.WithStateChange(onChange)
	return &Breakers{
		STT:       resilience.NewCircuitBreaker("stt", maxFailures, resetTimeout, opt),
		Translate: resilience.NewCircuitBreaker("translate", maxFailures, resetTimeout, opt),
		TTS:       resilience.NewCircuitBreaker("tts", maxFailures, resetTimeout, opt),
	}
}
