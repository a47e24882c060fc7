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

import "fmt"

// CycleError is returned by the analyzer when a dependency cycle is
// found; Path names the nodes on the cycle, starting and ending at the
// same node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	s := "kiln: dependency cycle: "
	for i, p := range e.Path {
		if i > 0 {
			s += " -> "
		}
		s += p
	}
	return s
}

// MissingInputError is returned when an edge's input has no producing
// edge and does not exist on disk.
type MissingInputError struct {
	Edge  *Edge
	Input string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("kiln: missing input %q for %s", e.Input, e.Edge.Dump())
}

// ErrAlreadyUpToDate is a sentinel (not a real failure) returned by
// Plan.AddTarget when a requested target has nothing to rebuild.
var ErrAlreadyUpToDate = fmt.Errorf("kiln: already up to date")

// CommandError wraps a failed command invocation.
type CommandError struct {
	Edge     *Edge
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("kiln: command failed with exit code %d: %s", e.ExitCode, e.Edge.EvaluateCommand())
}

// ErrInterrupted is returned by Builder.Build when the caller's context
// is cancelled mid-build.
var ErrInterrupted = fmt.Errorf("kiln: interrupted")
