package transcriber

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI talks to the OpenAI transcription endpoint, or to any
// compatible server when baseURL is set.
func NewOpenAI(apiKey, model, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: missing API key")
	}
	if model == "" {
		model = openai.Whisper1
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	config.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	return &OpenAI{client: openai.NewClientWithConfig(config), model: model}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Recognize(ctx context.Context, req Request, emit func(Hypothesis)) error {
	start := time.Now()
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: req.Path,
		Language: req.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return fmt.Errorf("openai transcription: %w", err)
	}
	elapsed := time.Since(start)
	emit(Hypothesis{
		Text:    resp.Text,
		Final:   true,
		Metrics: &NetworkMetrics{Total: elapsed, TTFB: elapsed},
	})
	return nil
}
