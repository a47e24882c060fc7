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

// planEdgeState tracks one edge's membership in the plan: whether it is
// wanted, and which of its input-producing edges have not yet finished.
type planEdgeState struct {
	want      bool
	remaining map[*Edge]bool
}

// Plan holds the subset of dirty edges selected for this run, with
// readiness tracking. The ready queue is FIFO over insertion order, so
// a build is deterministic modulo subprocess completion timing.
type Plan struct {
	analyzer *Analyzer

	states    map[*Edge]*planEdgeState
	consumers map[*Edge][]*Edge
	ready     []*Edge

	wantedEdges           int
	commandEdgesRemaining int
	inFlight              int
}

func NewPlan(analyzer *Analyzer) *Plan {
	return &Plan{
		analyzer:  analyzer,
		states:    map[*Edge]*planEdgeState{},
		consumers: map[*Edge][]*Edge{},
	}
}

func (p *Plan) state(e *Edge) *planEdgeState {
	st, ok := p.states[e]
	if !ok {
		st = &planEdgeState{}
		p.states[e] = st
	}
	return st
}

// AddTarget adds node's producing edge (and transitively, whatever it
// depends on) to the plan if dirty. Returns ErrAlreadyUpToDate if
// nothing needed to be added.
func (p *Plan) AddTarget(n *Node) error {
	added, err := p.addTargetEdge(n)
	if err != nil {
		return err
	}
	if !added {
		return ErrAlreadyUpToDate
	}
	return nil
}

func (p *Plan) addTargetEdge(n *Node) (bool, error) {
	e := n.InEdge
	if e == nil || !n.Dirty {
		return false, nil
	}
	st := p.state(e)
	if st.want {
		return false, nil
	}
	st.want = true
	p.wantedEdges++
	if !e.IsPhony {
		p.commandEdgesRemaining++
	}

	added := true
	remaining := map[*Edge]bool{}
	for _, in := range e.Inputs {
		pe := in.InEdge
		if pe == nil {
			continue
		}
		sub, err := p.addTargetEdge(in)
		if err != nil {
			return added, err
		}
		added = added || sub
		if p.state(pe).want {
			remaining[pe] = true
		}
	}
	st.remaining = remaining
	if len(remaining) == 0 {
		p.enqueueReady(e)
	} else {
		for pe := range remaining {
			p.consumers[pe] = append(p.consumers[pe], e)
		}
	}
	return added, nil
}

func (p *Plan) enqueueReady(e *Edge) {
	p.ready = append(p.ready, e)
}

// FindWork pops the next ready edge, if any. An empty result does not
// imply the plan is done if commands are still in flight.
func (p *Plan) FindWork() (*Edge, bool) {
	if len(p.ready) == 0 {
		return nil, false
	}
	e := p.ready[0]
	p.ready = p.ready[1:]
	p.inFlight++
	return e, true
}

// EdgeFinished records that e completed (successfully or not) and wakes
// up any consumer whose last unmet dependency was e. For a restat or
// phony edge, the consumer's dirtiness is re-evaluated against the
// now-current mtimes before it is allowed to become ready, so that an
// unchanged restat output does not force a downstream rebuild.
func (p *Plan) EdgeFinished(e *Edge, success bool) error {
	p.inFlight--
	return p.finishEdge(e, success)
}

// finishEdge performs the want/remaining bookkeeping for e having
// finished (whether it actually ran, or was retroactively proven
// clean by a restat re-evaluation). It never touches inFlight: only
// EdgeFinished, called once per dispatched command, does that.
func (p *Plan) finishEdge(e *Edge, success bool) error {
	st := p.state(e)
	if !st.want {
		return nil
	}
	st.want = false
	p.wantedEdges--
	if !e.IsPhony {
		p.commandEdgesRemaining--
	}

	consumers := p.consumers[e]
	delete(p.consumers, e)
	for _, c := range consumers {
		cst := p.state(c)
		delete(cst.remaining, e)
		if len(cst.remaining) != 0 || !cst.want {
			continue
		}
		if !success {
			// A dependency failed outright; the consumer can never run.
			// Finish it too (as a failure) rather than leaving it wanted
			// forever, so its own consumers are transitively unwanted in
			// turn and the plan can still reach Done().
			if err := p.finishEdge(c, false); err != nil {
				return err
			}
			continue
		}
		if e.Restat || e.IsPhony {
			dirty, err := p.analyzer.ReevaluateEdge(c)
			if err != nil {
				return err
			}
			if !dirty {
				if err := p.finishEdge(c, true); err != nil {
					return err
				}
				continue
			}
		}
		p.enqueueReady(c)
	}
	return nil
}

// Done reports whether no wanted edge remains and no command is
// in-flight.
func (p *Plan) Done() bool {
	return p.wantedEdges == 0 && p.inFlight == 0
}

func (p *Plan) CommandEdgesRemaining() int { return p.commandEdgesRemaining }

// InFlight reports how many dispatched edges have not yet finished.
func (p *Plan) InFlight() int { return p.inFlight }
