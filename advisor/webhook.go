package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// NotifyResult records the outcome of a best-effort chat notification.
type NotifyResult struct {
	StatusCode int
	Err        error
}

func (r NotifyResult) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// ChatNotifier posts short failure notices. Implementations never panic and
// never return an error; the outcome is carried in NotifyResult.
type ChatNotifier interface {
	Notify(ctx context.Context, text string) NotifyResult
}

// WebhookClient posts {"text": ...} to a chat workflow webhook.
type WebhookClient struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func NewWebhookClient(url string, timeout time.Duration, log *zap.Logger) *WebhookClient {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookClient{url: url, client: &http.Client{Timeout: timeout}, log: log}
}

func (w *WebhookClient) Notify(ctx context.Context, text string) NotifyResult {
	res := w.post(ctx, text)
	switch {
	case res.Err != nil:
		w.log.Error("chat notification exception", zap.Error(res.Err))
	case !res.OK():
		w.log.Warn("chat notification failed, check the workflow logs or webhook URL", zap.Int("status", res.StatusCode))
	default:
		w.log.Info("chat notification sent")
	}
	return res
}

func (w *WebhookClient) post(ctx context.Context, text string) NotifyResult {
	if w.url == "" {
		return NotifyResult{Err: fmt.Errorf("webhook: no URL configured")}
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return NotifyResult{Err: fmt.Errorf("webhook: marshal: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return NotifyResult{Err: fmt.Errorf("webhook: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return NotifyResult{Err: fmt.Errorf("webhook: %w", err)}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return NotifyResult{StatusCode: resp.StatusCode}
}
