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

// Package pidfile implements the daemon's PID-file discipline (spec.md
// §5): startup refuses to proceed if the PID file names a still-living
// process; otherwise it writes the file and removes it on every
// shutdown path. No example repo in the retrieval pack manages a PID
// file (they all run under a Kubernetes controller-manager, which has
// no such concept), so this is built directly on os/syscall rather than
// adapted from any teacher or pack code.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/crabwatch/crabd/internal/errs"
)

// File represents a held PID file. Remove must be called on every
// shutdown path (normal, signal, fatal error) to release it.
type File struct {
	path string
}

// Acquire writes pid to path, refusing if path already names a living
// process. An empty path disables PID-file discipline entirely (Acquire
// returns a no-op *File, Remove does nothing).
func Acquire(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}

	if err := checkStale(path); err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, errs.NewInternalError("writing pid file", err)
	}

	return &File{path: path}, nil
}

// Remove deletes the PID file, if one was acquired. Safe to call
// multiple times and on a no-op *File.
func (f *File) Remove() error {
	if f == nil || f.path == "" {
		return nil
	}
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return errs.NewInternalError("removing pid file", err)
	}
	return nil
}

// checkStale returns an error if path exists and names a process that is
// still alive. A missing file, an unreadable/unparseable file, or a file
// naming a dead process are all treated as "safe to overwrite" — crabd
// favors starting over a false refusal to start.
func checkStale(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.NewInternalError("reading existing pid file", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil
	}

	if alive(pid) {
		return errs.NewInternalError(fmt.Sprintf("pid file %s names running process %d", path, pid), nil)
	}
	return nil
}

// alive reports whether pid refers to a running process, using signal 0
// (no actual signal delivered, just existence/permission checked) per
// the standard Unix liveness-check idiom.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
