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
	"fmt"

	"github.com/crabwatch/crabd/internal/config"
	"github.com/crabwatch/crabd/internal/errs"
)

// NewTransports builds every transport instance named by cfgs, keyed by
// configuration name. A rule's Transport field references a key in this
// map. A misconfigured transport is always a ConfigError: it's caught at
// startup, before any job ever runs.
func NewTransports(cfgs map[string]config.TransportConfig) (map[string]Transport, error) {
	out := make(map[string]Transport, len(cfgs))
	for name, cfg := range cfgs {
		t, err := newTransport(name, cfg)
		if err != nil {
			return nil, errs.NewConfigError(fmt.Sprintf("transport %q", name), err)
		}
		out[name] = t
	}
	return out, nil
}

func newTransport(name string, cfg config.TransportConfig) (Transport, error) {
	switch cfg.Type {
	case "email":
		return NewEmailTransport(name, cfg)
	case "slack":
		return NewSlackTransport(name, cfg)
	case "webhook":
		return NewWebhookTransport(name, cfg)
	case "pagerduty":
		return NewPagerDutyTransport(name, cfg)
	case "shell":
		return NewShellTransport(name, cfg)
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}
