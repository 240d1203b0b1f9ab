package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
)

const deepgramAPIURL = "https://api.deepgram.com/v1/listen"

type Deepgram struct {
	client *TracedClient
	apiURL string
	apiKey string
	model  string
}

func NewDeepgram(apiKey, model string) *Deepgram {
	if model == "" {
		model = "nova-3"
	}
	return &Deepgram{
		client: NewTracedClient(),
		apiURL: deepgramAPIURL,
		apiKey: apiKey,
		model:  model,
	}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Warm() { d.client.WarmConnection("https://api.deepgram.com") }

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *Deepgram) Recognize(ctx context.Context, req Request, emit func(Hypothesis)) error {
	f, err := os.Open(req.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	q := url.Values{}
	q.Set("model", d.model)
	q.Set("smart_format", "true")
	if req.Language != "" {
		q.Set("language", req.Language)
	}

	hreq, err := http.NewRequestWithContext(ctx, "POST", d.apiURL+"?"+q.Encode(), f)
	if err != nil {
		return err
	}
	hreq.Header.Set("Authorization", "Token "+d.apiKey)
	hreq.Header.Set("Content-Type", "audio/flac")

	resp, err := d.client.Do(hreq)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deepgram API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var dgResp deepgramResponse
	if err := json.Unmarshal(resp.Body, &dgResp); err != nil {
		return fmt.Errorf("deepgram response parse error: %w", err)
	}

	h := Hypothesis{Final: true, Metrics: resp.Metrics}
	if len(dgResp.Results.Channels) > 0 && len(dgResp.Results.Channels[0].Alternatives) > 0 {
		alt := dgResp.Results.Channels[0].Alternatives[0]
		h.Text = alt.Transcript
		h.Confidence = alt.Confidence
	}
	remaining := firstNonEmpty(resp.Header,
		"x-dg-ratelimit-remaining", "x-ratelimit-remaining", "ratelimit-remaining")
	limit := firstNonEmpty(resp.Header,
		"x-dg-ratelimit-limit", "x-ratelimit-limit", "ratelimit-limit")
	h.RateLimit = remaining + "/" + limit

	emit(h)
	return nil
}
