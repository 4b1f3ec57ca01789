package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/valyala/fastjson"
)

// Completion is one model answer. Thinking holds the separate reasoning
// segment some models return; it is never shown.
type Completion struct {
	Content  string
	Thinking string
}

type Completer interface {
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// ModelChecker is implemented by completers that can confirm their model
// exists before the first call.
type ModelChecker interface {
	CheckModel(ctx context.Context) error
}

// OllamaClient talks to an Ollama compatible /api/chat endpoint, non-streaming.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaClient(cfg LLMConfig) *OllamaClient {
	timeout := cfg.Timeout
	if timeout < 0 {
		timeout = 0
	}
	return &OllamaClient{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

func (c *OllamaClient) Complete(ctx context.Context, prompt string) (Completion, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Messages: []ollamaMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("read response: %w", err)
	}

	var p fastjson.Parser
	v, parseErr := p.ParseBytes(raw)
	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if parseErr == nil {
			if e := v.GetStringBytes("error"); len(e) > 0 {
				msg = string(e)
			}
		}
		return Completion{}, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, truncate(msg, 512))
	}
	if parseErr != nil {
		return Completion{}, fmt.Errorf("failed to decode response: %w", parseErr)
	}
	if e := v.GetStringBytes("error"); len(e) > 0 {
		return Completion{}, errors.New(string(e))
	}
	msg := v.Get("message")
	if msg == nil {
		return Completion{}, fmt.Errorf("response has no message after %s", time.Since(start).Round(time.Millisecond))
	}
	return Completion{
		Content:  string(msg.GetStringBytes("content")),
		Thinking: string(msg.GetStringBytes("thinking")),
	}, nil
}

// CheckModel asks the server whether the configured model is installed.
func (c *OllamaClient) CheckModel(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"model": c.model})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("model %q not found on %s, pull it first", c.model, c.baseURL)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, truncate(string(raw), 512))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
