/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crabwatch/crabd/internal/config"
)

type webhookTransport struct {
	name    string
	url     string
	headers map[string]string
}

// NewWebhookTransport creates a generic JSON-POST webhook transport.
// address, when set, overrides the configured URL so one transport
// instance can be reused across rules pointing at different endpoints.
func NewWebhookTransport(name string, cfg config.TransportConfig) (Transport, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("transport %s: webhook-url required for webhook transport", name)
	}
	return &webhookTransport{name: name, url: cfg.WebhookURL, headers: cfg.Headers}, nil
}

func (w *webhookTransport) Name() string { return w.name }
func (w *webhookTransport) Type() string { return "webhook" }

func (w *webhookTransport) Send(ctx context.Context, address, subject, body string) error {
	url := w.url
	if address != "" {
		url = address
	}

	payload := map[string]any{
		"subject": subject,
		"body":    body,
	}
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := SendWithRetry(ctx, req, DefaultRetryConfig())
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
