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

// Analyzer computes, for a set of requested targets, which edges in
// their transitive dependency subgraph are dirty and must be rebuilt.
// It consults the disk for mtimes and the build log for command-hash
// history.
type Analyzer struct {
	State *State
	Disk  DiskInterface
	Log   *BuildLog

	// outputStack holds the path of the first output of every edge
	// currently on the DFS stack, for cycle-message construction.
	outputStack []string
}

func NewAnalyzer(state *State, disk DiskInterface, log *BuildLog) *Analyzer {
	return &Analyzer{State: state, Disk: disk, Log: log}
}

// RecomputeDirty marks dirty/clean every edge in the transitive
// dependency subgraph of targets.
func (a *Analyzer) RecomputeDirty(targets []*Node) error {
	for _, n := range targets {
		if err := a.recomputeNodeDirty(n); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analyzer) recomputeNodeDirty(n *Node) error {
	if n.InEdge == nil {
		return a.statNodeIfNeeded(n)
	}
	return a.recomputeEdgeDirty(n.InEdge)
}

func (a *Analyzer) statNodeIfNeeded(n *Node) error {
	if n.Stated() {
		return nil
	}
	mtime, err := a.Disk.Stat(n.Path)
	if err != nil {
		return err
	}
	n.MTime = mtime
	return nil
}

func (a *Analyzer) recomputeEdgeDirty(e *Edge) error {
	if e.visit == visitDone {
		return nil
	}
	if e.visit == visitInStack {
		out := e.Outputs[0].Path
		for i, p := range a.outputStack {
			if p == out {
				cycle := append([]string{}, a.outputStack[i:]...)
				cycle = append(cycle, out)
				return &CycleError{Path: cycle}
			}
		}
		return &CycleError{Path: []string{out, out}}
	}
	e.visit = visitInStack
	a.outputStack = append(a.outputStack, e.Outputs[0].Path)
	defer func() { a.outputStack = a.outputStack[:len(a.outputStack)-1] }()

	var maxInputMTime TimeStamp = TimeMissing
	anyInputDirty := false

	for idx, in := range e.Inputs {
		orderOnly := idx >= e.ExplicitDeps+e.ImplicitDeps

		if in.InEdge != nil {
			if err := a.recomputeEdgeDirty(in.InEdge); err != nil {
				return err
			}
		} else if err := a.statNodeIfNeeded(in); err != nil {
			return err
		}

		if in.InEdge == nil && !in.Exists() {
			return &MissingInputError{Edge: e, Input: in.Path}
		}

		if !orderOnly {
			if in.MTime > maxInputMTime {
				maxInputMTime = in.MTime
			}
			if in.Dirty {
				anyInputDirty = true
			}
		}
	}

	for _, out := range e.Outputs {
		if err := a.statNodeIfNeeded(out); err != nil {
			return err
		}
	}

	dirty := false
	if e.IsPhony {
		dirty = anyInputDirty
		for _, out := range e.Outputs {
			if out.MTime < maxInputMTime {
				out.MTime = maxInputMTime
			}
		}
	} else {
		for _, out := range e.Outputs {
			if !out.Exists() {
				dirty = true
				break
			}
		}
		if !dirty {
			for _, out := range e.Outputs {
				outMTime := out.MTime
				if outMTime < maxInputMTime && e.Restat {
					// A previous run may have restat-cleaned this output
					// and logged the input mtime it was current as of,
					// rather than the output's own (older) disk mtime; an
					// input newer than that recorded point is what should
					// make this dirty, not the output's real mtime.
					if entry := a.Log.Lookup(out.Path); entry != nil && entry.RestatMTime > outMTime {
						outMTime = entry.RestatMTime
					}
				}
				if outMTime < maxInputMTime {
					dirty = true
					break
				}
			}
		}
		if !dirty && anyInputDirty {
			dirty = true
		}
		if !dirty {
			hash := HashCommand(e.EvaluateCommand())
			for _, out := range e.Outputs {
				entry := a.Log.Lookup(out.Path)
				if entry == nil {
					if out.Exists() {
						dirty = true
						break
					}
				} else if entry.CommandHash != hash {
					dirty = true
					break
				}
			}
		}
	}

	for _, out := range e.Outputs {
		out.Dirty = dirty
	}
	e.visit = visitDone
	return nil
}

// ReevaluateEdge recomputes whether e is still dirty given the current
// (possibly just-updated) mtimes and build-log state of its inputs. The
// Plan uses this after a restat or phony edge finishes, to decide
// whether a downstream consumer that depends only on unchanged output
// still needs to run.
func (a *Analyzer) ReevaluateEdge(e *Edge) (bool, error) {
	e.visit = visitNone
	if err := a.recomputeEdgeDirty(e); err != nil {
		return false, err
	}
	for _, out := range e.Outputs {
		if out.Dirty {
			return true, nil
		}
	}
	return false, nil
}

// RecomputeOutputsDirty re-stats an edge's outputs and records their
// fresh (command-hash, mtime) to the build log after a successful run.
// For a restat edge, if any output's mtime is unchanged, every output is
// logged against the most recent mtime among the edge's non-order-only
// inputs (and its depfile, if any) instead of its own disk mtime: that
// is the value a later process invocation needs to tell "restat kept
// this output current as of input X" apart from "output is stale",
// since the output's own mtime alone cannot distinguish the two once
// an unrelated later input touch has passed it by.
func (a *Analyzer) RecomputeOutputsDirty(e *Edge, startMillis, endMillis int64) error {
	cmd := e.EvaluateCommand()
	hash := HashCommand(cmd)

	fresh := make([]TimeStamp, len(e.Outputs))
	anyCleaned := false
	for i, out := range e.Outputs {
		prev := out.MTime
		mtime, err := a.Disk.Stat(out.Path)
		if err != nil {
			return err
		}
		fresh[i] = mtime
		out.MTime = mtime
		out.Dirty = false
		if e.Restat && mtime == prev {
			anyCleaned = true
		}
	}

	recorded := fresh
	if anyCleaned {
		restatMTime, err := a.maxNonOrderOnlyInputMTime(e)
		if err != nil {
			return err
		}
		for i := range recorded {
			recorded[i] = restatMTime
		}
	}

	for i, out := range e.Outputs {
		if err := a.Log.Record(out.Path, hash, recorded[i], startMillis, endMillis); err != nil {
			return err
		}
	}
	return nil
}

// maxNonOrderOnlyInputMTime returns the most recent mtime among e's
// explicit and implicit inputs and its depfile, if it declares one —
// the "restat_mtime" a cleaned restat edge's outputs are logged
// against.
func (a *Analyzer) maxNonOrderOnlyInputMTime(e *Edge) (TimeStamp, error) {
	var max TimeStamp
	for _, in := range e.Inputs[:e.ExplicitDeps+e.ImplicitDeps] {
		mtime, err := a.Disk.Stat(in.Path)
		if err != nil {
			return 0, err
		}
		if mtime > max {
			max = mtime
		}
	}
	if dep := e.GetBinding("depfile"); dep != "" {
		mtime, err := a.Disk.Stat(dep)
		if err != nil {
			return 0, err
		}
		if mtime > max {
			max = mtime
		}
	}
	return max, nil
}
