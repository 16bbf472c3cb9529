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

type slackTransport struct {
	name       string
	webhookURL string
}

// NewSlackTransport creates a Slack incoming-webhook transport. address,
// when non-empty, overrides the configured channel (Slack resolves the
// target channel from the webhook itself, so address is usually unused).
func NewSlackTransport(name string, cfg config.TransportConfig) (Transport, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("transport %s: webhook-url required for slack transport", name)
	}
	return &slackTransport{name: name, webhookURL: cfg.WebhookURL}, nil
}

func (s *slackTransport) Name() string { return s.name }
func (s *slackTransport) Type() string { return "slack" }

func (s *slackTransport) Send(ctx context.Context, address, subject, body string) error {
	payload := map[string]any{"text": subject + "\n\n" + body}
	if address != "" {
		payload["channel"] = address
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := SendWithRetry(ctx, req, DefaultRetryConfig())
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}
