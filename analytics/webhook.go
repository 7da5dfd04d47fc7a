package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Webhook posts each observation as JSON to an incoming-webhook URL
// (Slack-compatible: the summary goes in "text").
type Webhook struct {
	webhookURL string
	httpClient doer
}

func NewWebhook(webhookURL string, httpClient doer) *Webhook {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Webhook{
		webhookURL: webhookURL,
		httpClient: httpClient,
	}
}

func (w *Webhook) Record(ctx context.Context, obs Observation) error {
	payload, err := json.Marshal(map[string]any{
		"text":        fmt.Sprintf("[%s] %s (attempt %d)", obs.Kind, obs.Subject, obs.Attempt),
		"observation": obs,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to post observation: %s", resp.Status)
	}

	return nil
}
