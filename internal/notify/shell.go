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
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/crabwatch/crabd/internal/config"
)

type shellTransport struct {
	name    string
	command string
}

// NewShellTransport creates a transport that runs a configured shell
// command for each alert, with the rendered subject/body and the target
// address passed through the environment rather than as positional
// arguments, so operators never need to worry about shell quoting of
// arbitrary alert text.
func NewShellTransport(name string, cfg config.TransportConfig) (Transport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("transport %s: command required for shell transport", name)
	}
	return &shellTransport{name: name, command: cfg.Command}, nil
}

func (s *shellTransport) Name() string { return s.name }
func (s *shellTransport) Type() string { return "shell" }

func (s *shellTransport) Send(ctx context.Context, address, subject, body string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.command)
	cmd.Env = append(os.Environ(),
		"CRABD_ADDRESS="+address,
		"CRABD_SUBJECT="+subject,
		"CRABD_BODY="+body,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("shell transport %s: %w: %s", s.name, err, stderr.String())
	}
	return nil
}
