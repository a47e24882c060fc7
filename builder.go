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

	"github.com/pkg/errors"
)

// BuildConfig controls how the Builder schedules and runs commands.
type BuildConfig struct {
	// Parallelism is the maximum number of concurrently running
	// commands.
	Parallelism int
	// DryRun simulates every command instead of spawning it.
	DryRun bool
	// AllowedFailures is the number of command failures tolerated
	// before the build gives up; -1 means unlimited (derived from
	// a front end's "-k 0").
	AllowedFailures int
}

// Builder orchestrates the Analyzer, Plan and CommandRunner: it adds
// targets, drives the schedule loop, commits results to the build log,
// and implements the manifest self-rebuild fixed point.
type Builder struct {
	State    *State
	Disk     DiskInterface
	Log      *BuildLog
	Analyzer *Analyzer
	Plan     *Plan
	Runner   CommandRunner
	Config   BuildConfig
	Status   Status
	Metrics  *Metrics

	failures        int
	lastFailure     *CommandError
	stopScheduling  bool
	commandsRun     int
	manifestRebuilt bool
}

func NewBuilder(state *State, disk DiskInterface, log *BuildLog, config BuildConfig, status Status) *Builder {
	analyzer := NewAnalyzer(state, disk, log)
	plan := NewPlan(analyzer)
	var runner CommandRunner
	if config.DryRun {
		runner = NewDryRunCommandRunner(config.Parallelism)
	} else {
		runner = NewRealCommandRunner(disk, config.Parallelism)
	}
	return &Builder{
		State:    state,
		Disk:     disk,
		Log:      log,
		Analyzer: analyzer,
		Plan:     plan,
		Runner:   runner,
		Config:   config,
		Status:   status,
	}
}

// AddTarget analyzes path's dependency subgraph and, if dirty, adds it
// to the plan. Returns ErrAlreadyUpToDate if nothing needed rebuilding.
func (b *Builder) AddTarget(path string) error {
	n, err := b.State.GetNode(path)
	if err != nil {
		return err
	}
	if err := b.Analyzer.RecomputeDirty([]*Node{n}); err != nil {
		return err
	}
	return b.Plan.AddTarget(n)
}

// Build runs the scheduler loop until the plan is empty, the context is
// cancelled, or the failure threshold is crossed.
func (b *Builder) Build(ctx context.Context) error {
	if b.Plan.Done() {
		return nil
	}
	b.Status.PlanHasTotalEdges(b.Plan.CommandEdgesRemaining())
	b.Status.BuildStarted()

	interrupted := false
	for {
		if !interrupted {
			select {
			case <-ctx.Done():
				interrupted = true
			default:
			}
		}

		if !interrupted && !b.stopScheduling {
			for b.Runner.CanRunMore() {
				e, ok := b.Plan.FindWork()
				if !ok {
					break
				}
				if err := b.dispatch(e); err != nil {
					b.Status.BuildFinished()
					return err
				}
			}
		}

		if interrupted || b.stopScheduling {
			if b.Plan.InFlight() == 0 {
				break
			}
		} else if b.Plan.Done() {
			break
		}

		res, err := b.Runner.WaitForCommand(context.Background())
		if err != nil {
			b.Status.BuildFinished()
			return err
		}
		if err := b.commit(res); err != nil {
			b.Status.BuildFinished()
			return err
		}
	}

	b.Status.BuildFinished()
	if interrupted {
		return ErrInterrupted
	}
	if b.failures > 0 {
		return errors.Wrapf(b.lastFailure, "kiln: build failed: %d command(s) failed", b.failures)
	}
	return nil
}

func (b *Builder) dispatch(e *Edge) error {
	if e.IsPhony {
		return b.commit(&Result{Edge: e, Success: true})
	}
	for _, out := range e.Outputs {
		if err := MakeDirs(b.Disk, out.Path); err != nil {
			return err
		}
	}
	stop := b.Metrics.Record("edge dispatch")
	defer stop()
	b.Status.BuildEdgeStarted(e, 0)
	return b.Runner.StartCommand(e)
}

func (b *Builder) commit(res *Result) error {
	e := res.Edge
	if res.Success {
		if !e.IsPhony {
			b.commandsRun++
			if err := b.Analyzer.RecomputeOutputsDirty(e, res.StartMillis, res.EndMillis); err != nil {
				return err
			}
			if err := b.loadDepfile(e); err != nil {
				return err
			}
		}
		b.Status.BuildEdgeFinished(e, res.EndMillis, true, res.Output)
	} else {
		b.failures++
		b.lastFailure = &CommandError{Edge: e, ExitCode: res.ExitCode, Output: res.Output}
		b.Status.BuildEdgeFinished(e, res.EndMillis, false, res.Output)
		if b.Config.AllowedFailures >= 0 && b.failures > b.Config.AllowedFailures {
			b.stopScheduling = true
		}
	}
	return b.Plan.EdgeFinished(e, res.Success)
}

// loadDepfile reads and parses the depfile a just-finished command
// declared, if any, and splices the paths it lists into e's inputs as
// implicit dependencies. A missing depfile is not an error: a rule may
// declare one without the underlying tool always producing it (e.g. a
// compile with no includes).
func (b *Builder) loadDepfile(e *Edge) error {
	path := e.GetBinding("depfile")
	if path == "" {
		return nil
	}
	data, err := b.Disk.ReadFile(path)
	if err != nil {
		return nil
	}
	_, deps, err := ParseDepfile(data)
	if err != nil {
		return errors.Wrapf(err, "kiln: parsing depfile %q", path)
	}
	return b.State.AddImplicitDeps(e, deps)
}

// RebuildManifest implements the manifest self-rebuild fixed point: if
// manifestPath names a dirty node in the graph, it runs a sub-build
// limited to that node. It returns true if that sub-build ran any
// command, telling the caller to discard State and reload the manifest.
// It runs at most once per Builder, so an ill-formed rebuild rule that
// is never up to date cannot oscillate forever.
func (b *Builder) RebuildManifest(ctx context.Context, manifestPath string) (bool, error) {
	if b.manifestRebuilt {
		return false, nil
	}
	b.manifestRebuilt = true

	n := b.State.LookupNode(manifestPath)
	if n == nil || n.InEdge == nil {
		return false, nil
	}

	if err := b.AddTarget(manifestPath); err != nil {
		if err == ErrAlreadyUpToDate {
			return false, nil
		}
		return false, err
	}

	before := b.commandsRun
	if err := b.Build(ctx); err != nil {
		return false, err
	}
	return b.commandsRun > before, nil
}
