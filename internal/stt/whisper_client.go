package stt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/lexiqai/voice-translator/internal/audio"
	"github.com/lexiqai/voice-translator/internal/recorder"
)

// WhisperSampleRate is the rate segments are converted to before upload
const WhisperSampleRate = 16000

// WhisperClient implements Transcriber with the OpenAI transcription API
type WhisperClient struct {
	client  *openai.Client
	model   string
	tempDir string // empty uses os.TempDir
}

// NewWhisperClient creates a client. An empty baseURL uses the OpenAI API and
// an empty model defaults to whisper-1.
func NewWhisperClient(apiKey, baseURL, model string) *WhisperClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Name implements Transcriber
func (w *WhisperClient) Name() string {
	return "whisper"
}

// Transcribe uploads the segment as a 16 kHz WAV file
func (w *WhisperClient) Transcribe(ctx context.Context, seg *recorder.Segment, language string) (*Result, error) {
	if seg == nil || len(seg.PCM) == 0 {
		return nil, ErrEmptyTranscript
	}

	path, err := w.writeTemp(seg)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: path,
		Language: language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, ErrEmptyTranscript
	}

	lang := resp.Language
	if lang == "" {
		lang = language
	}
	return &Result{
		Text:     text,
		Language: lang,
		Duration: seg.Duration(),
	}, nil
}

func (w *WhisperClient) writeTemp(seg *recorder.Segment) (string, error) {
	f, err := os.CreateTemp(w.tempDir, "segment-*.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	f.Close()

	pcm := audio.Resample(seg.PCM, seg.SampleRate, WhisperSampleRate)
	if err := audio.WriteWAVFile(path, pcm, WhisperSampleRate); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Ping checks that the API key is accepted by listing models
func (w *WhisperClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := w.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai unreachable: %w", err)
	}
	return nil
}
