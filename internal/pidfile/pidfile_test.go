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

package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_EmptyPathIsNoOp(t *testing.T) {
	f, err := Acquire("")
	require.NoError(t, err)
	require.NoError(t, f.Remove())
}

func TestAcquire_WritesPidAndRemoveCleansUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crabd.pid")

	f, err := Acquire(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data[:len(data)-1]))

	require.NoError(t, f.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquire_RefusesWhenOwningProcessIsAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crabd.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	_, err := Acquire(path)
	assert.Error(t, err)
}

func TestAcquire_OverwritesStalePidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crabd.pid")
	// PID 999999 is vanishingly unlikely to be a live process in any test
	// environment.
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))

	f, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, f.Remove())
}

func TestAcquire_IgnoresGarbageExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crabd.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	f, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, f.Remove())
}

func TestRemove_NilFileIsNoOp(t *testing.T) {
	var f *File
	assert.NoError(t, f.Remove())
}
