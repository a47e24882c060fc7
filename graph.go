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
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// TimeStamp is a modification time. The sentinel 0 means "stat'd and
// missing"; -1 means "not yet stat'd".
type TimeStamp int64

const (
	TimeUnknown TimeStamp = -1
	TimeMissing TimeStamp = 0
)

// Node is a file or phony endpoint identified by its canonicalized path.
type Node struct {
	Path string

	MTime TimeStamp
	Dirty bool

	// InEdge is the unique edge producing this node, if any.
	InEdge *Edge
	// OutEdges are the edges that consume this node as an input.
	OutEdges []*Edge
}

func newNode(path string) *Node {
	return &Node{Path: path, MTime: TimeUnknown}
}

func (n *Node) Stated() bool { return n.MTime != TimeUnknown }

func (n *Node) Exists() bool { return n.MTime != TimeMissing }

// Edge is a build step: one Rule consuming ordered inputs (explicit,
// implicit, order-only, in that order) and producing ordered outputs.
type Edge struct {
	ID   int
	Rule *Rule
	Env  *Bindings

	Inputs  []*Node
	Outputs []*Node

	// ExplicitDeps and ImplicitDeps count the first two partitions of
	// Inputs; everything after is order-only.
	ExplicitDeps int
	ImplicitDeps int

	IsPhony   bool
	Generator bool
	Restat    bool

	OutputsReady bool

	// visit is used by the staleness analyzer to detect cycles and to
	// memoize results within a single analysis pass.
	visit visitMark
}

type visitMark int

const (
	visitNone visitMark = iota
	visitInStack
	visitDone
)

func newEdge(id int, rule *Rule, env *Bindings) *Edge {
	return &Edge{ID: id, Rule: rule, Env: env, IsPhony: rule == PhonyRule}
}

func (e *Edge) ExplicitInputs() []*Node { return e.Inputs[:e.ExplicitDeps] }
func (e *Edge) ImplicitInputs() []*Node {
	return e.Inputs[e.ExplicitDeps : e.ExplicitDeps+e.ImplicitDeps]
}
func (e *Edge) OrderOnlyInputs() []*Node { return e.Inputs[e.ExplicitDeps+e.ImplicitDeps:] }

// LookupVariable implements Env for this edge: "in" and "out" are
// synthesized from its explicit inputs and outputs, taking precedence
// over anything a manifest tried to bind under those names; everything
// else falls through to the edge's own scope.
func (e *Edge) LookupVariable(name string) string {
	switch name {
	case "in":
		return joinPaths(e.ExplicitInputs())
	case "out":
		return joinPaths(e.Outputs)
	}
	return e.Env.LookupVariable(name)
}

// GetBinding resolves a rule-level binding (e.g. "command", "depfile")
// against this edge's scope, falling back to the rule's own template.
func (e *Edge) GetBinding(key string) string {
	if key == "in" || key == "out" {
		return e.LookupVariable(key)
	}
	var fallback *EvalString
	if e.Rule != nil {
		fallback = e.Rule.Binding(key)
	}
	return e.Env.LookupWithFallback(key, fallback, e)
}

func joinPaths(nodes []*Node) string {
	var b []byte
	for i, n := range nodes {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, n.Path...)
	}
	return string(b)
}

func (e *Edge) GetBindingBool(key string) bool { return e.GetBinding(key) != "" }

// EvaluateCommand expands the rule's "command" binding against this
// edge's scope.
func (e *Edge) EvaluateCommand() string { return e.GetBinding("command") }

func (e *Edge) Dump() string {
	ins := make([]string, len(e.Inputs))
	for i, n := range e.Inputs {
		ins[i] = n.Path
	}
	outs := make([]string, len(e.Outputs))
	for i, n := range e.Outputs {
		outs[i] = n.Path
	}
	name := "<phony>"
	if e.Rule != nil {
		name = e.Rule.Name
	}
	return fmt.Sprintf("%s: %v -> %v", name, ins, outs)
}

// State owns the whole in-memory graph for one manifest load: the
// interned node pool, the ordered edge list, the top-level bindings and
// the declared default targets.
type State struct {
	Paths    map[string]*Node
	Edges    []*Edge
	Bindings *Bindings
	Defaults []*Node
}

func NewState() *State {
	s := &State{
		Paths:    map[string]*Node{},
		Bindings: NewBindings(nil),
	}
	s.Bindings.AddRule(PhonyRule)
	return s
}

// GetNode interns path, canonicalizing it first. Idempotent.
func (s *State) GetNode(path string) (*Node, error) {
	clean, err := Canonicalize(path)
	if err != nil {
		return nil, err
	}
	if n, ok := s.Paths[clean]; ok {
		return n, nil
	}
	n := newNode(clean)
	s.Paths[clean] = n
	return n, nil
}

func (s *State) LookupNode(path string) *Node {
	clean, err := Canonicalize(path)
	if err != nil {
		return nil
	}
	return s.Paths[clean]
}

// AddEdge appends a new edge bound to rule; the caller subsequently
// attaches inputs and outputs with AddInput/AddOutput.
func (s *State) AddEdge(rule *Rule) *Edge {
	env := NewBindings(s.Bindings)
	e := newEdge(len(s.Edges), rule, env)
	s.Edges = append(s.Edges, e)
	return e
}

// AddInput attaches path to edge as the next input in sequence. kind
// selects which of the three input partitions it belongs to; callers
// must add all Explicit inputs, then all Implicit, then all OrderOnly,
// so that the three partitions stay contiguous.
func (s *State) AddInput(e *Edge, path string, kind InputKind) error {
	n, err := s.GetNode(path)
	if err != nil {
		return err
	}
	e.Inputs = append(e.Inputs, n)
	switch kind {
	case Explicit:
		e.ExplicitDeps++
	case Implicit:
		e.ImplicitDeps++
	case OrderOnly:
	}
	n.OutEdges = append(n.OutEdges, e)
	return nil
}

// AddImplicitDeps splices paths into e's input list as additional
// implicit dependencies, ahead of any order-only inputs, the way a
// depfile's discovered headers join an edge's dependencies after the
// command that produced them has run.
func (s *State) AddImplicitDeps(e *Edge, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	nodes := make([]*Node, len(paths))
	for i, p := range paths {
		n, err := s.GetNode(p)
		if err != nil {
			return err
		}
		nodes[i] = n
	}
	at := e.ExplicitDeps + e.ImplicitDeps
	e.Inputs = append(e.Inputs[:at], append(nodes, e.Inputs[at:]...)...)
	e.ImplicitDeps += len(nodes)
	for _, n := range nodes {
		n.OutEdges = append(n.OutEdges, e)
	}
	return nil
}

// InputKind selects which partition of an edge's input list a path
// belongs to.
type InputKind int

const (
	Explicit InputKind = iota
	Implicit
	OrderOnly
)

// ErrDuplicateProducer is returned by AddOutput when the node already
// has a producing edge.
var ErrDuplicateProducer = errors.New("kiln: duplicate producer")

// AddOutput attaches path to edge as an output. Fails with
// ErrDuplicateProducer if the node already has an in-edge.
func (s *State) AddOutput(e *Edge, path string) (*Node, error) {
	n, err := s.GetNode(path)
	if err != nil {
		return nil, err
	}
	if n.InEdge != nil {
		return nil, errors.Wrapf(ErrDuplicateProducer, "%q", path)
	}
	n.InEdge = e
	e.Outputs = append(e.Outputs, n)
	return n, nil
}

// AddDefault records path as a default target. Returns an error if path
// is not a known node.
func (s *State) AddDefault(path string) error {
	n := s.LookupNode(path)
	if n == nil {
		return errors.Errorf("kiln: unknown target %q", path)
	}
	s.Defaults = append(s.Defaults, n)
	return nil
}

// RootNodes returns every edge output that no edge consumes. Nodes that
// no edge produces are not included. It fails if the graph has edges
// but none of their outputs qualifies.
func (s *State) RootNodes() ([]*Node, error) {
	var roots []*Node
	for _, e := range s.Edges {
		for _, out := range e.Outputs {
			if len(out.OutEdges) == 0 {
				roots = append(roots, out)
			}
		}
	}
	if len(s.Edges) != 0 && len(roots) == 0 {
		return nil, errors.New("kiln: could not determine root nodes of build graph")
	}
	return roots, nil
}

// DefaultNodes returns the manifest's declared defaults, or the root
// nodes if none were declared.
func (s *State) DefaultNodes() ([]*Node, error) {
	if len(s.Defaults) != 0 {
		return s.Defaults, nil
	}
	return s.RootNodes()
}

// Spellcheck finds the nearest known path by bounded edit distance,
// breaking ties lexicographically. Returns "" if nothing is within the
// threshold.
func (s *State) Spellcheck(path string) string {
	const maxValidEditDistance = 3
	best := maxValidEditDistance + 1
	var result string
	paths := make([]string, 0, len(s.Paths))
	for p := range s.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		d := editDistance(p, path, true, maxValidEditDistance)
		if d < best {
			best = d
			result = p
		}
	}
	return result
}

// Dump prints every node's path and dirty/clean status, for debugging.
func (s *State) Dump() {
	names := make([]string, 0, len(s.Paths))
	for n := range s.Paths {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		n := s.Paths[name]
		status := "unknown"
		if n.Stated() {
			status = "clean"
			if n.Dirty {
				status = "dirty"
			}
		}
		fmt.Printf("%s %s\n", n.Path, status)
	}
}
