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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCCEdge(t *testing.T, s *State, in, out string) *Edge {
	t.Helper()
	rule := s.Bindings.LookupRule("cc")
	if rule == nil {
		rule = NewRule("cc")
		var cmd EvalString
		cmd.AddText("echo ")
		cmd.AddSpecial("in")
		cmd.AddText(" > ")
		cmd.AddSpecial("out")
		rule.Bindings["command"] = &cmd
		s.Bindings.AddRule(rule)
	}
	e := s.AddEdge(rule)
	require.NoError(t, s.AddInput(e, in, Explicit))
	_, err := s.AddOutput(e, out)
	require.NoError(t, err)
	return e
}

func TestAnalyzer_TrivialBuild(t *testing.T) {
	s := NewState()
	disk := newFakeDisk()
	e := newCCEdge(t, s, "a.c", "a.o")
	disk.touch("a.c")

	log := NewBuildLog()
	a := NewAnalyzer(s, disk, log)
	require.NoError(t, a.RecomputeDirty(e.Outputs))
	assert.True(t, e.Outputs[0].Dirty, "a.o missing on disk, must be dirty")
}

func TestAnalyzer_UpToDateAfterRecord(t *testing.T) {
	s := NewState()
	disk := newFakeDisk()
	e := newCCEdge(t, s, "a.c", "a.o")
	disk.touch("a.c")
	disk.touch("a.o")

	log := NewBuildLog()
	require.NoError(t, log.Record("a.o", HashCommand(e.EvaluateCommand()), disk.mtimes["a.o"], 0, 1))

	a := NewAnalyzer(s, disk, log)
	require.NoError(t, a.RecomputeDirty(e.Outputs))
	assert.False(t, e.Outputs[0].Dirty)
}

func TestAnalyzer_CommandChangeTriggersRebuild(t *testing.T) {
	s := NewState()
	disk := newFakeDisk()
	e := newCCEdge(t, s, "a.c", "a.o")
	disk.touch("a.c")
	disk.touch("a.o")

	log := NewBuildLog()
	require.NoError(t, log.Record("a.o", HashCommand("a different command entirely"), disk.mtimes["a.o"], 0, 1))

	a := NewAnalyzer(s, disk, log)
	require.NoError(t, a.RecomputeDirty(e.Outputs))
	assert.True(t, e.Outputs[0].Dirty)
}

func TestAnalyzer_OrderOnlyDoesNotDirty(t *testing.T) {
	s := NewState()
	disk := newFakeDisk()
	rule := NewRule("cc")
	s.Bindings.AddRule(rule)
	e := s.AddEdge(rule)
	require.NoError(t, s.AddInput(e, "main.c", Explicit))
	require.NoError(t, s.AddInput(e, "obj_dir", OrderOnly))
	_, err := s.AddOutput(e, "main.o")
	require.NoError(t, err)

	disk.touch("main.c")
	disk.touch("main.o")
	disk.touch("obj_dir")
	// obj_dir is newer than main.o, but order-only inputs must not
	// affect dirtiness.
	disk.setMTime("obj_dir", disk.mtimes["main.o"]+100)

	log := NewBuildLog()
	require.NoError(t, log.Record("main.o", HashCommand(e.EvaluateCommand()), disk.mtimes["main.o"], 0, 1))

	a := NewAnalyzer(s, disk, log)
	require.NoError(t, a.RecomputeDirty([]*Node{e.Outputs[0]}))
	assert.False(t, e.Outputs[0].Dirty)
}

func TestAnalyzer_OrderOnlyMissingIsMissingInput(t *testing.T) {
	s := NewState()
	disk := newFakeDisk()
	rule := NewRule("cc")
	s.Bindings.AddRule(rule)
	e := s.AddEdge(rule)
	require.NoError(t, s.AddInput(e, "main.c", Explicit))
	require.NoError(t, s.AddInput(e, "obj_dir", OrderOnly))
	_, err := s.AddOutput(e, "main.o")
	require.NoError(t, err)

	disk.touch("main.c")
	disk.touch("main.o")
	// obj_dir does not exist.

	log := NewBuildLog()
	require.NoError(t, log.Record("main.o", HashCommand(e.EvaluateCommand()), disk.mtimes["main.o"], 0, 1))

	a := NewAnalyzer(s, disk, log)
	err = a.RecomputeDirty([]*Node{e.Outputs[0]})
	var missing *MissingInputError
	require.ErrorAs(t, err, &missing)
}

func TestAnalyzer_DetectsCycle(t *testing.T) {
	s := NewState()
	disk := newFakeDisk()
	rule := NewRule("cc")
	s.Bindings.AddRule(rule)

	edgeA := s.AddEdge(rule)
	edgeB := s.AddEdge(rule)
	require.NoError(t, s.AddInput(edgeA, "y", Explicit))
	_, err := s.AddOutput(edgeA, "x")
	require.NoError(t, err)
	require.NoError(t, s.AddInput(edgeB, "x", Explicit))
	_, err = s.AddOutput(edgeB, "y")
	require.NoError(t, err)

	log := NewBuildLog()
	a := NewAnalyzer(s, disk, log)
	xNode := s.LookupNode("x")
	err = a.RecomputeDirty([]*Node{xNode})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
}

// TestAnalyzer_RestatSurvivesAcrossProcesses simulates four separate
// process invocations sharing the same disk and build log (but a fresh
// State/Analyzer each time, the way a real reload works): a restat
// edge whose tool declines to rewrite its output once content is
// unchanged must not be perpetually re-marked dirty just because some
// later, unrelated input touch left the output's own mtime behind.
func TestAnalyzer_RestatSurvivesAcrossProcesses(t *testing.T) {
	disk := newFakeDisk()
	log := NewBuildLog()

	newGenEdge := func() (*State, *Edge) {
		s := NewState()
		rule := NewRule("gen")
		s.Bindings.AddRule(rule)
		e := s.AddEdge(rule)
		e.Restat = true
		require.NoError(t, s.AddInput(e, "in.txt", Explicit))
		_, err := s.AddOutput(e, "gen.h")
		require.NoError(t, err)
		return s, e
	}

	// Process 1: first build, output doesn't exist yet.
	disk.touch("in.txt")
	s1, e1 := newGenEdge()
	a1 := NewAnalyzer(s1, disk, log)
	require.NoError(t, a1.RecomputeDirty(e1.Outputs))
	assert.True(t, e1.Outputs[0].Dirty)
	disk.touch("gen.h")
	require.NoError(t, a1.RecomputeOutputsDirty(e1, 0, 1))

	// Process 2: input changes, but the tool decides the generated
	// content is unchanged and does not touch gen.h on disk.
	disk.touch("in.txt")
	s2, e2 := newGenEdge()
	a2 := NewAnalyzer(s2, disk, log)
	require.NoError(t, a2.RecomputeDirty(e2.Outputs))
	assert.True(t, e2.Outputs[0].Dirty, "input changed since last run, must rebuild")
	// gen.h's disk mtime is deliberately left untouched here.
	require.NoError(t, a2.RecomputeOutputsDirty(e2, 2, 3))

	// Process 3: nothing has changed since process 2. gen.h's own disk
	// mtime is still older than in.txt's, but the log's restat mtime
	// now matches in.txt, so this must NOT be dirty.
	s3, e3 := newGenEdge()
	a3 := NewAnalyzer(s3, disk, log)
	require.NoError(t, a3.RecomputeDirty(e3.Outputs))
	assert.False(t, e3.Outputs[0].Dirty, "restat mtime should absorb the stale input touch")

	// Process 4: input advances again past the logged restat mtime;
	// this must be dirty again.
	disk.touch("in.txt")
	s4, e4 := newGenEdge()
	a4 := NewAnalyzer(s4, disk, log)
	require.NoError(t, a4.RecomputeDirty(e4.Outputs))
	assert.True(t, e4.Outputs[0].Dirty, "input advanced past the logged restat mtime")
}

func TestAnalyzer_PropagatesDirtyFromDependency(t *testing.T) {
	s := NewState()
	disk := newFakeDisk()
	rule := NewRule("cc")
	s.Bindings.AddRule(rule)

	e1 := s.AddEdge(rule)
	require.NoError(t, s.AddInput(e1, "a.c", Explicit))
	_, err := s.AddOutput(e1, "a.o")
	require.NoError(t, err)

	e2 := s.AddEdge(rule)
	require.NoError(t, s.AddInput(e2, "a.o", Explicit))
	_, err = s.AddOutput(e2, "a.out")
	require.NoError(t, err)

	disk.touch("a.c")
	// a.o and a.out exist but a.o has no build-log entry, so it is
	// dirty, which must propagate to a.out even though a.out's own
	// mtime is newer than a.o's.
	disk.touch("a.o")
	disk.touch("a.out")

	log := NewBuildLog()
	require.NoError(t, log.Record("a.out", HashCommand(e2.EvaluateCommand()), disk.mtimes["a.out"], 0, 1))

	a := NewAnalyzer(s, disk, log)
	outNode := s.LookupNode("a.out")
	require.NoError(t, a.RecomputeDirty([]*Node{outNode}))
	assert.True(t, outNode.Dirty)
}
