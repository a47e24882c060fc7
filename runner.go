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
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"time"
)

// Result is the outcome of one dispatched command.
type Result struct {
	Edge        *Edge
	Success     bool
	ExitCode    int
	Output      string
	StartMillis int64
	EndMillis   int64
}

// CommandRunner is a bounded pool of at most N concurrently running
// commands. StartCommand never blocks; WaitForCommand blocks until one
// command completes.
type CommandRunner interface {
	CanRunMore() bool
	StartCommand(e *Edge) error
	WaitForCommand(ctx context.Context) (*Result, error)
	Close() error
}

// RealCommandRunner spawns commands through the platform shell and
// collects their results over a channel, the way a worker pool collects
// completions from its goroutines.
type RealCommandRunner struct {
	disk      DiskInterface
	capacity  int
	running   int
	results   chan *Result
	startedAt time.Time
}

func NewRealCommandRunner(disk DiskInterface, parallelism int) *RealCommandRunner {
	if parallelism < 1 {
		parallelism = 1
	}
	return &RealCommandRunner{
		disk:      disk,
		capacity:  parallelism,
		results:   make(chan *Result, parallelism),
		startedAt: time.Now(),
	}
}

func (r *RealCommandRunner) CanRunMore() bool { return r.running < r.capacity }

func (r *RealCommandRunner) StartCommand(e *Edge) error {
	rspfile := e.GetBinding("rspfile")
	rspcontent := e.GetBinding("rspfile_content")
	if rspfile != "" {
		if err := MakeDirs(r.disk, rspfile); err != nil {
			return err
		}
		if err := r.disk.WriteFile(rspfile, []byte(rspcontent)); err != nil {
			return err
		}
	}

	command := e.EvaluateCommand()
	start := time.Since(r.startedAt).Milliseconds()
	r.running++

	go func() {
		shell, flag := "sh", "-c"
		if runtime.GOOS == "windows" {
			shell, flag = "cmd", "/c"
		}
		cmd := exec.Command(shell, flag, command)
		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf

		exitCode := 0
		if err := cmd.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
		end := time.Since(r.startedAt).Milliseconds()

		if rspfile != "" {
			_ = r.disk.RemoveFile(rspfile)
		}

		r.results <- &Result{
			Edge:        e,
			Success:     exitCode == 0,
			ExitCode:    exitCode,
			Output:      buf.String(),
			StartMillis: start,
			EndMillis:   end,
		}
	}()
	return nil
}

func (r *RealCommandRunner) WaitForCommand(ctx context.Context) (*Result, error) {
	select {
	case res := <-r.results:
		r.running--
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *RealCommandRunner) Close() error { return nil }

// DryRunCommandRunner simulates command execution: every command
// succeeds immediately with empty output, without touching the OS.
type DryRunCommandRunner struct {
	capacity int
	pending  []*Result
}

func NewDryRunCommandRunner(parallelism int) *DryRunCommandRunner {
	return &DryRunCommandRunner{capacity: parallelism}
}

func (d *DryRunCommandRunner) CanRunMore() bool { return len(d.pending) < d.capacity }

func (d *DryRunCommandRunner) StartCommand(e *Edge) error {
	d.pending = append(d.pending, &Result{Edge: e, Success: true})
	return nil
}

func (d *DryRunCommandRunner) WaitForCommand(ctx context.Context) (*Result, error) {
	if len(d.pending) == 0 {
		return nil, context.Canceled
	}
	r := d.pending[0]
	d.pending = d.pending[1:]
	return r, nil
}

func (d *DryRunCommandRunner) Close() error { return nil }
