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

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

type pagerDutyTransport struct {
	name       string
	routingKey string
}

// NewPagerDutyTransport creates a PagerDuty Events API v2 transport.
// address, when set, overrides the configured routing key.
func NewPagerDutyTransport(name string, cfg config.TransportConfig) (Transport, error) {
	if cfg.RoutingKey == "" {
		return nil, fmt.Errorf("transport %s: routing-key required for pagerduty transport", name)
	}
	return &pagerDutyTransport{name: name, routingKey: cfg.RoutingKey}, nil
}

func (p *pagerDutyTransport) Name() string { return p.name }
func (p *pagerDutyTransport) Type() string { return "pagerduty" }

func (p *pagerDutyTransport) Send(ctx context.Context, address, subject, body string) error {
	routingKey := p.routingKey
	if address != "" {
		routingKey = address
	}

	payload := map[string]any{
		"routing_key":  routingKey,
		"event_action": "trigger",
		"dedup_key":    subject,
		"payload": map[string]any{
			"summary":  subject,
			"source":   "crabd",
			"severity": "critical",
			"custom_details": map[string]any{
				"body": body,
			},
		},
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal pagerduty payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pagerDutyEventsURL, bytes.NewReader(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to build pagerduty request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := SendWithRetry(ctx, req, DefaultRetryConfig())
	if err != nil {
		return fmt.Errorf("failed to send pagerduty event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("pagerduty returned status %d", resp.StatusCode)
	}
	return nil
}
