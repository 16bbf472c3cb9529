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
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/crabwatch/crabd/internal/config"
)

type emailTransport struct {
	name string
	cfg  config.TransportConfig
}

// NewEmailTransport creates an SMTP transport. address is a comma-separated
// recipient list supplied by the notification rule.
func NewEmailTransport(name string, cfg config.TransportConfig) (Transport, error) {
	if cfg.SMTPHost == "" {
		return nil, fmt.Errorf("transport %s: smtp-host required for email transport", name)
	}
	if cfg.SMTPPort == "" {
		cfg.SMTPPort = "587"
	}
	return &emailTransport{name: name, cfg: cfg}, nil
}

func (e *emailTransport) Name() string { return e.name }
func (e *emailTransport) Type() string { return "email" }

func (e *emailTransport) Send(ctx context.Context, address, subject, body string) error {
	to := splitAddresses(address)
	if len(to) == 0 {
		return fmt.Errorf("email transport %s: no recipients", e.name)
	}

	from := e.cfg.From
	if from == "" {
		from = e.cfg.SMTPUsername
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%s", e.cfg.SMTPHost, e.cfg.SMTPPort)
	var auth smtp.Auth
	if e.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", e.cfg.SMTPUsername, e.cfg.SMTPPassword, e.cfg.SMTPHost)
	}

	return smtp.SendMail(addr, auth, from, to, []byte(msg.String()))
}

func splitAddresses(address string) []string {
	parts := strings.Split(address, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
