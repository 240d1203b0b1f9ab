package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

const groqAPIURL = "https://api.groq.com/openai/v1/audio/transcriptions"

type Groq struct {
	client *TracedClient
	apiURL string
	apiKey string
	model  string
}

func NewGroq(apiKey, model string) *Groq {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &Groq{
		client: NewTracedClient(),
		apiURL: groqAPIURL,
		apiKey: apiKey,
		model:  model,
	}
}

func (g *Groq) Name() string { return "groq" }

func (g *Groq) Warm() { g.client.WarmConnection(g.apiURL) }

type groqResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Text         string  `json:"text"`
		NoSpeechProb float64 `json:"no_speech_prob"`
		AvgLogProb   float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// noSpeechCutoff drops Whisper hallucinations on silent input.
const noSpeechCutoff = 0.9

func (g *Groq) Recognize(ctx context.Context, req Request, emit func(Hypothesis)) error {
	body, contentType, err := multipartAudio(req.Path, map[string]string{
		"model":           g.model,
		"response_format": "verbose_json",
		"language":        req.Language,
	})
	if err != nil {
		return err
	}

	hreq, err := http.NewRequestWithContext(ctx, "POST", g.apiURL, body)
	if err != nil {
		return err
	}
	hreq.Header.Set("Authorization", "Bearer "+g.apiKey)
	hreq.Header.Set("Content-Type", contentType)

	resp, err := g.client.Do(hreq)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("groq API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var gResp groqResponse
	if err := json.Unmarshal(resp.Body, &gResp); err != nil {
		return fmt.Errorf("groq response parse error: %w", err)
	}

	text := gResp.Text
	if len(gResp.Segments) > 0 {
		silent := true
		for _, seg := range gResp.Segments {
			if seg.NoSpeechProb < noSpeechCutoff {
				silent = false
				break
			}
		}
		if silent {
			text = ""
		}
	}

	remaining := firstNonEmpty(resp.Header, "x-ratelimit-remaining-requests")
	limit := firstNonEmpty(resp.Header, "x-ratelimit-limit-requests")
	emit(Hypothesis{
		Text:      text,
		Final:     true,
		Metrics:   resp.Metrics,
		RateLimit: remaining + "/" + limit,
	})
	return nil
}

// multipartAudio builds an upload form with the recording as "file". Empty
// field values are omitted.
func multipartAudio(path string, fields map[string]string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("reading recording: %w", err)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := writer.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &body, writer.FormDataContentType(), nil
}
