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

// Command crabwrap is the job-execution wrapper clients run from cron
// (spec.md §6): it registers the job, reports START/FINISH against the
// daemon's client protocol, runs the wrapped command, and forwards its
// captured output and exit status — all driven by the CRAB* environment
// contract rather than its own flags, since that's how the wrapped
// command line gets decorated in a crontab entry.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/crabwatch/crabd/internal/pidfile"
)

// requestTimeout bounds every call into the daemon's client protocol.
const requestTimeout = 10 * time.Second

func main() {
	cmd := &cobra.Command{
		Use:                "crabwrap [VAR=value...] <command> [args...]",
		Short:              "Run a command under crabd's liveness-reporting wrapper",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode, err := run(args, os.Environ())
			if err != nil {
				fmt.Fprintln(os.Stderr, "crabwrap:", err)
			}
			os.Exit(exitCode)
			return nil
		},
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "crabwrap:", err)
		os.Exit(1)
	}
}

// wrapConfig is the CRAB* environment contract (spec.md §6), plus the
// daemon address, which the contract doesn't name but the wrapper needs.
type wrapConfig struct {
	DaemonURL    string
	CrabID       string
	Shell        string
	PidFilePath  string
	Ignore       bool
	Echo         bool
	AllowInhibit bool
}

// run resolves config, reports the job lifecycle to the daemon, and
// executes the wrapped command, returning the process exit code.
func run(args []string, environ []string) (int, error) {
	command, env := splitEmbeddedAssignments(args, environ)
	cfg := loadConfig(env)
	host, err := os.Hostname()
	if err != nil {
		return 1, fmt.Errorf("resolving hostname: %w", err)
	}

	if cfg.Ignore {
		code, err := execCommand(cfg, command, nil)
		if err != nil {
			return 1, fmt.Errorf("starting command: %w", err)
		}
		return code, nil
	}

	api := &client{baseURL: cfg.DaemonURL, host: host, crabID: cfg.CrabID}
	cmdLine := strings.Join(command, " ")

	if _, err := api.register(cmdLine); err != nil {
		return 1, fmt.Errorf("registering job: %w", err)
	}

	if cfg.PidFilePath != "" {
		if _, err := pidfile.Acquire(cfg.PidFilePath); err != nil {
			_ = api.logEvent(cmdLine, "ALREADYRUNNING", nil, "", "")
			return 0, nil
		}
	}
	defer func() {
		if cfg.PidFilePath != "" {
			_ = os.Remove(cfg.PidFilePath)
		}
	}()

	inhibit, err := api.start(cmdLine)
	if err != nil {
		return 1, fmt.Errorf("reporting start: %w", err)
	}
	if inhibit && cfg.AllowInhibit {
		_ = api.logEvent(cmdLine, "INHIBITED", nil, "", "")
		return 0, nil
	}

	var pidWriter func(pid int)
	if cfg.PidFilePath != "" {
		pidWriter = func(pid int) {
			_ = os.WriteFile(cfg.PidFilePath, []byte(strconv.Itoa(pid)+"\n"), 0o644)
		}
	}

	var stdout, stderr bytes.Buffer
	code, startErr := execCommand(cfg, command, &captureWriters{stdout: &stdout, stderr: &stderr, echo: cfg.Echo, onStart: pidWriter})
	if startErr != nil {
		_ = api.logEvent(cmdLine, "COULDNOTSTART", nil, "", startErr.Error())
		return 1, fmt.Errorf("starting command: %w", startErr)
	}

	status := code
	if err := api.finish(cmdLine, status, stdout.String(), stderr.String()); err != nil {
		return code, fmt.Errorf("reporting finish: %w", err)
	}
	return code, nil
}

// splitEmbeddedAssignments strips leading NAME=value tokens off args
// (spec.md §6: "embedded VAR=value prefixes in the command string") and
// layers them over the ambient environment, with the embedded values
// taking precedence.
func splitEmbeddedAssignments(args []string, environ []string) ([]string, map[string]string) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	i := 0
	for i < len(args) {
		eq := strings.IndexByte(args[i], '=')
		if eq <= 0 || strings.ContainsAny(args[i][:eq], " \t") {
			break
		}
		env[args[i][:eq]] = args[i][eq+1:]
		i++
	}
	return args[i:], env
}

func loadConfig(env map[string]string) wrapConfig {
	daemonURL := env["CRABD_URL"]
	if daemonURL == "" {
		daemonURL = "http://localhost:8080"
	}
	return wrapConfig{
		DaemonURL:    daemonURL,
		CrabID:       env["CRABID"],
		Shell:        env["CRABSHELL"],
		PidFilePath:  env["CRABPIDFILE"],
		Ignore:       truthy(env["CRABIGNORE"]),
		Echo:         truthy(env["CRABECHO"]),
		// AllowInhibit is opt-in: the wrapper only honors an {inhibit: true}
		// response from /start when CRABSH_ALLOW_INHIBIT is itself truthy.
		AllowInhibit: truthy(env["CRABSH_ALLOW_INHIBIT"]),
	}
}

// truthy implements spec.md §6's case-insensitive 1|yes|true|on check.
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "yes", "true", "on":
		return true
	default:
		return false
	}
}

// captureWriters tees the child's stdout/stderr into buffers for
// reporting, optionally also to the wrapper's own stdout/stderr when
// CRABECHO is truthy, and fires onStart with the child's PID right after
// it forks (spec.md §9's design note: read the PID directly, don't poll).
type captureWriters struct {
	stdout, stderr *bytes.Buffer
	echo           bool
	onStart        func(pid int)
}

// execCommand runs command (optionally through CRABSHELL), wiring w's
// capture/echo behavior if non-nil, and returns the exit code.
func execCommand(cfg wrapConfig, command []string, w *captureWriters) (int, error) {
	var c *exec.Cmd
	if cfg.Shell != "" {
		c = exec.Command(cfg.Shell, "-c", strings.Join(command, " "))
	} else {
		c = exec.Command(command[0], command[1:]...)
	}
	c.Stdin = os.Stdin

	if w == nil {
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
	} else {
		c.Stdout = teeWriter(w.stdout, w.echo, os.Stdout)
		c.Stderr = teeWriter(w.stderr, w.echo, os.Stderr)
	}

	if err := c.Start(); err != nil {
		return 0, err
	}
	if w != nil && w.onStart != nil {
		w.onStart(c.Process.Pid)
	}

	err := c.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

func teeWriter(buf *bytes.Buffer, echo bool, echoTo io.Writer) io.Writer {
	if !echo {
		return buf
	}
	return io.MultiWriter(buf, echoTo)
}

// client is a minimal HTTP client for the daemon's client protocol
// (spec.md §6: JSON over HTTP, PUT with {command, status?, stdout?,
// stderr?}). No ecosystem HTTP client library appears anywhere in the
// retrieval pack, so this stays on net/http directly like every server
// side of the protocol already does.
type client struct {
	baseURL string
	host    string
	crabID  string
}

func (c *client) path(suffix string) string {
	p := c.baseURL + "/api/0/crab/" + c.host
	if c.crabID != "" {
		p += "/" + c.crabID
	}
	return p + suffix
}

type eventRequest struct {
	Command string `json:"command"`
	Status  *int   `json:"status,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

type startResponse struct {
	Inhibit bool `json:"inhibit"`
}

func (c *client) register(command string) (int64, error) {
	var resp struct {
		JobRef int64 `json:"job_ref"`
	}
	err := c.put("", eventRequest{Command: command}, &resp)
	return resp.JobRef, err
}

func (c *client) start(command string) (bool, error) {
	var resp startResponse
	err := c.put("/start", eventRequest{Command: command}, &resp)
	return resp.Inhibit, err
}

func (c *client) finish(command string, status int, stdout, stderr string) error {
	return c.put("/finish", eventRequest{Command: command, Status: &status, Stdout: stdout, Stderr: stderr}, nil)
}

func (c *client) logEvent(command, kind string, status *int, stdout, stderr string) error {
	return c.put("/event", eventRequest{Command: command, Kind: kind, Status: status, Stdout: stdout, Stderr: stderr}, nil)
}

func (c *client) put(suffix string, body eventRequest, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.path(suffix), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
