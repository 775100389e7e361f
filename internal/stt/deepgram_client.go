package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-translator/internal/audio"
	"github.com/lexiqai/voice-translator/internal/recorder"
)

// deepgramChunkBytes is roughly 100ms of 16 kHz linear16 audio
const deepgramChunkBytes = 3200

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse)
	closeHandler func()
}

// Message forwards transcription results
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error forwards provider errors
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.errorHandler(errorResponse)
	return nil
}

// Close signals that the provider closed the stream
func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.closeHandler()
	return nil
}

// DeepgramConfig holds the streaming options
type DeepgramConfig struct {
	APIKey string
	Model  string
}

// DeepgramClient implements Transcriber by streaming each segment over a
// short-lived Deepgram live connection
type DeepgramClient struct {
	config DeepgramConfig
	logger zerolog.Logger
}

// NewDeepgramClient creates a new Deepgram client
func NewDeepgramClient(cfg DeepgramConfig, logger zerolog.Logger) *DeepgramClient {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &DeepgramClient{
		config: cfg,
		logger: logger.With().Str("provider", "deepgram").Logger(),
	}
}

// Name implements Transcriber
func (d *DeepgramClient) Name() string {
	return "deepgram"
}

// segmentTranscript collects final results until the provider has covered
// the whole segment
type segmentTranscript struct {
	mu         sync.Mutex
	parts      []string
	confidence float64
	finals     int
	covered    float64
	target     float64
	err        error
	done       chan struct{}
	once       sync.Once
}

func (s *segmentTranscript) finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *segmentTranscript) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || msg.Type != "Results" || !msg.IsFinal {
		return
	}

	s.mu.Lock()
	if len(msg.Channel.Alternatives) > 0 {
		alt := msg.Channel.Alternatives[0]
		if text := strings.TrimSpace(alt.Transcript); text != "" {
			s.parts = append(s.parts, text)
			s.confidence += alt.Confidence
			s.finals++
		}
	}
	if end := msg.Start + msg.Duration; end > s.covered {
		s.covered = end
	}
	complete := s.covered >= s.target-0.05
	s.mu.Unlock()

	if complete {
		s.finish()
	}
}

func (s *segmentTranscript) result() (string, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	confidence := 0.0
	if s.finals > 0 {
		confidence = s.confidence / float64(s.finals)
	}
	return strings.Join(s.parts, " "), confidence, s.err
}

// Transcribe streams the segment as 16 kHz linear16 and waits for the final
// results covering it
func (d *DeepgramClient) Transcribe(ctx context.Context, seg *recorder.Segment, language string) (*Result, error) {
	if seg == nil || len(seg.PCM) == 0 {
		return nil, ErrEmptyTranscript
	}

	pcm := audio.Resample(seg.PCM, seg.SampleRate, WhisperSampleRate)
	payload := audio.EncodePCM16LE(pcm)

	collector := &segmentTranscript{
		target: float64(len(pcm)) / float64(WhisperSampleRate),
		done:   make(chan struct{}),
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:      d.config.Model,
		Language:   language,
		Punctuate:  true,
		Encoding:   "linear16",
		Channels:   1,
		SampleRate: WhisperSampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                collector.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) {
			d.logger.Error().
				Str("segment_id", seg.ID).
				Str("error_type", errorResponse.Type).
				Msg(errorResponse.Description)
			collector.mu.Lock()
			collector.err = fmt.Errorf("deepgram: %s", errorResponse.Description)
			collector.mu.Unlock()
			collector.finish()
		},
		closeHandler: collector.finish,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := listenClient.NewWSUsingCallback(streamCtx, d.config.APIKey, nil, tOptions, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		return nil, errors.New("failed to connect to Deepgram")
	}
	defer client.Finish()

	for off := 0; off < len(payload); off += deepgramChunkBytes {
		end := off + deepgramChunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := client.Write(payload[off:end]); err != nil {
			return nil, fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
	}

	select {
	case <-collector.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	text, confidence, err := collector.result()
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, ErrEmptyTranscript
	}

	d.logger.Debug().
		Str("segment_id", seg.ID).
		Float64("confidence", confidence).
		Msg("Deepgram final transcription")

	return &Result{
		Text:       text,
		Language:   language,
		Confidence: confidence,
		Duration:   time.Duration(collector.target * float64(time.Second)),
	}, nil
}
