package coaching

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leadline/call-broker/internal/model"
)

const systemPrompt = `You are a real-time sales coach listening to a live phone call between a sales rep and a customer.
Given the recent transcript, give the rep ONE short, concrete suggestion for what to say or ask next.
Keep it under 25 words. If there is nothing useful to add right now, reply with exactly ` + NoSuggestion + `.`

const maxResponseBytes = 64 << 10

// HTTPGenerator asks an OpenAI-compatible chat completions endpoint for a suggestion.
type HTTPGenerator struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewHTTPGenerator(url, apiKey, model string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (g *HTTPGenerator) Suggest(ctx context.Context, c Context) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: FormatTranscript(c)},
		},
		MaxTokens:   120,
		Temperature: 0.4,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("coach request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("coach request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("coach response has no choices")
	}

	log.Debug().
		Str("callId", c.CallID).
		Dur("elapsed", time.Since(start)).
		Msg("coach suggestion received")

	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// FormatTranscript renders the window as one "speaker: text" line per entry, newest last.
func FormatTranscript(c Context) string {
	var b strings.Builder
	b.WriteString("Transcript so far:\n")
	for _, e := range append(append([]model.TranscriptEntry(nil), c.Recent...), c.Latest) {
		speaker := e.Speaker
		if speaker == "" {
			speaker = "speaker"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, e.Text)
	}
	return b.String()
}
