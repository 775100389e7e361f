package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var _ Synthesizer = (*OpenAIClient)(nil)

func speechServer(t *testing.T, pcmBytes int, got *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			json.NewDecoder(r.Body).Decode(got)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(make([]byte, pcmBytes))
	}))
}

func TestOpenAIClient_Synthesize(t *testing.T) {
	var body map[string]any
	srv := speechServer(t, 48000, &body) // 1s of 24 kHz 16-bit mono
	defer srv.Close()

	client := NewOpenAIClient("test-key", srv.URL+"/v1", "", "", 0)
	out, err := client.Synthesize(context.Background(), " hola ", "es")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	if out.SampleRate != OpenAISampleRate || out.Channels != 1 {
		t.Errorf("Expected 24kHz mono, got %d/%d", out.SampleRate, out.Channels)
	}
	if out.Duration() != time.Second {
		t.Errorf("Expected 1s of audio, got %v", out.Duration())
	}
	if body["input"] != "hola" || body["response_format"] != "pcm" || body["voice"] != "alloy" {
		t.Errorf("Unexpected request body: %v", body)
	}
	if _, ok := body["instructions"]; ok {
		t.Error("Expected no instructions for tts-1")
	}
}

func TestOpenAIClient_Resamples(t *testing.T) {
	srv := speechServer(t, 48000, nil)
	defer srv.Close()

	client := NewOpenAIClient("test-key", srv.URL+"/v1", "gpt-4o-mini-tts", "", 16000)
	out, err := client.Synthesize(context.Background(), "hello", "en")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if out.SampleRate != 16000 {
		t.Errorf("Expected 16kHz, got %d", out.SampleRate)
	}
	if len(out.Data) != 32000 {
		t.Errorf("Expected 16000 samples, got %d bytes", len(out.Data))
	}
}

func TestOpenAIClient_EmptyText(t *testing.T) {
	client := NewOpenAIClient("test-key", "http://127.0.0.1:0/v1", "", "", 0)
	if _, err := client.Synthesize(context.Background(), "   ", "en"); !errors.Is(err, ErrEmptyText) {
		t.Errorf("Expected ErrEmptyText, got %v", err)
	}
}

func TestAudio_Duration(t *testing.T) {
	var nilAudio *Audio
	if nilAudio.Duration() != 0 {
		t.Error("Expected zero duration for nil audio")
	}
	a := &Audio{Data: make([]byte, 3200), SampleRate: 16000, Channels: 1}
	if a.Duration() != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", a.Duration())
	}
}
