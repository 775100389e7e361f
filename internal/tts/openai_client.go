package tts

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/lexiqai/voice-translator/internal/audio"
)

// OpenAISampleRate is the rate of the raw PCM the speech endpoint returns
const OpenAISampleRate = 24000

// OpenAIClient implements Synthesizer with the OpenAI speech API
type OpenAIClient struct {
	client     *openai.Client
	model      openai.SpeechModel
	voice      openai.SpeechVoice
	sampleRate int
}

// NewOpenAIClient creates a client. sampleRate is the rate the audio is
// resampled to before it is returned; zero keeps 24 kHz.
func NewOpenAIClient(apiKey, baseURL, model, voice string, sampleRate int) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	if sampleRate <= 0 {
		sampleRate = OpenAISampleRate
	}
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(config),
		model:      openai.SpeechModel(model),
		voice:      openai.SpeechVoice(voice),
		sampleRate: sampleRate,
	}
}

// Name implements Synthesizer
func (c *OpenAIClient) Name() string {
	return "openai-tts"
}

// Synthesize requests raw PCM. The voice is multilingual, so language is
// only used as a pronunciation hint.
func (c *OpenAIClient) Synthesize(ctx context.Context, text, language string) (*Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	req := openai.CreateSpeechRequest{
		Model:          c.model,
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
	}
	if language != "" && c.model != openai.TTSModel1 && c.model != openai.TTSModel1HD {
		req.Instructions = "Speak in the language with code " + language + "."
	}

	resp, err := c.client.CreateSpeech(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Close()

	raw, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read speech response: %w", err)
	}
	if len(raw)%2 == 1 {
		raw = raw[:len(raw)-1]
	}

	data := raw
	if c.sampleRate != OpenAISampleRate {
		samples, err := audio.DecodePCM16LE(raw)
		if err != nil {
			return nil, err
		}
		data = audio.EncodePCM16LE(audio.Resample(samples, OpenAISampleRate, c.sampleRate))
	}

	return &Audio{
		Data:       data,
		SampleRate: c.sampleRate,
		Channels:   1,
	}, nil
}
