// Copyright 2024 The Kiln Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kiln

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoEdge(t *testing.T, s *State, outPath string, command string) *Edge {
	t.Helper()
	rule := NewRule("run")
	var cmd EvalString
	cmd.AddText(command)
	rule.Bindings["command"] = &cmd
	s.Bindings.AddRule(rule)
	e := s.AddEdge(rule)
	_, err := s.AddOutput(e, outPath)
	require.NoError(t, err)
	return e
}

func TestRealCommandRunner_SuccessAndExitCode(t *testing.T) {
	dir := t.TempDir()
	s := NewState()
	out := filepath.Join(dir, "out.txt")
	e := newEchoEdge(t, s, out, "echo hello > "+out)

	r := NewRealCommandRunner(NewRealDiskInterface(), 2)
	require.True(t, r.CanRunMore())
	require.NoError(t, r.StartCommand(e))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.WaitForCommand(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Same(t, e, res.Edge)

	contents, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(contents))
}

func TestRealCommandRunner_NonZeroExit(t *testing.T) {
	s := NewState()
	e := newEchoEdge(t, s, "unused", "exit 3")

	r := NewRealCommandRunner(NewRealDiskInterface(), 1)
	require.NoError(t, r.StartCommand(e))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.WaitForCommand(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRealCommandRunner_RspfileWrittenAndCleanedUp(t *testing.T) {
	dir := t.TempDir()
	s := NewState()
	rspfile := filepath.Join(dir, "args.rsp")

	rule := NewRule("link")
	var cmd, rsp, rspc EvalString
	cmd.AddText("cat " + rspfile)
	rsp.AddText(rspfile)
	rspc.AddText("-la -lb -lc")
	rule.Bindings["command"] = &cmd
	rule.Bindings["rspfile"] = &rsp
	rule.Bindings["rspfile_content"] = &rspc
	s.Bindings.AddRule(rule)
	e := s.AddEdge(rule)
	_, err := s.AddOutput(e, filepath.Join(dir, "out.bin"))
	require.NoError(t, err)

	r := NewRealCommandRunner(NewRealDiskInterface(), 1)
	require.NoError(t, r.StartCommand(e))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := r.WaitForCommand(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Output, "-la -lb -lc")

	_, statErr := os.Stat(rspfile)
	assert.True(t, os.IsNotExist(statErr), "rspfile should be removed after the command runs")
}

func TestRealCommandRunner_CanRunMoreBounding(t *testing.T) {
	s := NewState()
	e1 := newEchoEdge(t, s, "a", "sleep 1")
	e2 := newEchoEdge(t, s, "b", "sleep 1")

	r := NewRealCommandRunner(NewRealDiskInterface(), 1)
	require.True(t, r.CanRunMore())
	require.NoError(t, r.StartCommand(e1))
	assert.False(t, r.CanRunMore())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.WaitForCommand(ctx)
	require.NoError(t, err)
	assert.True(t, r.CanRunMore())
	require.NoError(t, r.StartCommand(e2))
}

func TestRealCommandRunner_WaitRespectsContextCancellation(t *testing.T) {
	r := NewRealCommandRunner(NewRealDiskInterface(), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.WaitForCommand(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDryRunCommandRunner_SucceedsWithoutTouchingDisk(t *testing.T) {
	s := NewState()
	e := newEchoEdge(t, s, "out", "this command must never execute")

	d := NewDryRunCommandRunner(4)
	require.True(t, d.CanRunMore())
	require.NoError(t, d.StartCommand(e))

	res, err := d.WaitForCommand(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Same(t, e, res.Edge)
}

func TestDryRunCommandRunner_WaitWithNothingPending(t *testing.T) {
	d := NewDryRunCommandRunner(1)
	_, err := d.WaitForCommand(context.Background())
	assert.Error(t, err)
}
