// Package translate turns transcripts into the target language.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrEmptyText is returned when there is nothing to translate
var ErrEmptyText = errors.New("translate: empty text")

// DefaultModel is the chat model used when none is configured
const DefaultModel = "gpt-4o-mini"

// Translator translates text between two languages
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)

	// Name identifies the provider in logs and metrics
	Name() string
}

var languageNames = map[string]string{
	"ja": "Japanese",
	"en": "English",
	"vi": "Vietnamese",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"zh": "Chinese",
	"ko": "Korean",
	"pt": "Portuguese",
	"it": "Italian",
}

// LanguageName returns the English name for a language code, or the code
// itself when it is unknown
func LanguageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}

// SystemPrompt builds the translation-only instruction for a language pair
func SystemPrompt(from, to string) string {
	return fmt.Sprintf("You are a translation-only assistant. Your task is to strictly translate the given text from %s to %s, "+
		"without adding, modifying, or omitting any information. Do not provide explanations, clarifications, or answers. "+
		"Only return the translation.", LanguageName(from), LanguageName(to))
}

// OpenAIClient implements Translator with chat completions
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client. An empty baseURL uses the OpenAI API.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Name implements Translator
func (c *OpenAIClient) Name() string {
	return "openai-chat"
}

// Translate returns text unchanged when both languages are the same
func (c *OpenAIClient) Translate(ctx context.Context, text, from, to string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if from != "" && strings.EqualFold(from, to) {
		return text, nil
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(from, to)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("translation request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("translation response has no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
