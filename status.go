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

import "log/slog"

// Status tracks the progress of a build: completion fraction, and
// structured logging of starts/finishes/warnings. The Builder talks to
// it abstractly so tests can substitute a recording fake.
type Status interface {
	PlanHasTotalEdges(total int)
	BuildEdgeStarted(e *Edge, startMillis int64)
	BuildEdgeFinished(e *Edge, endMillis int64, success bool, output string)
	BuildStarted()
	BuildFinished()

	Info(msg string, args ...any)
	Warning(msg string, args ...any)
	Error(msg string, args ...any)
}

// LogStatus reports progress through a structured slog.Logger, the way
// a server logs request lifecycles rather than overprinting a terminal
// line.
type LogStatus struct {
	log         *slog.Logger
	totalEdges  int
	startedJobs int
	finishedOK  int
	finishedErr int
}

func NewLogStatus(log *slog.Logger) *LogStatus {
	return &LogStatus{log: log}
}

func (s *LogStatus) PlanHasTotalEdges(total int) {
	s.totalEdges = total
	s.log.Debug("plan built", "edges", total)
}

func (s *LogStatus) BuildEdgeStarted(e *Edge, startMillis int64) {
	s.startedJobs++
	s.log.Info("starting",
		"job", s.startedJobs,
		"total", s.totalEdges,
		"outputs", outputPaths(e))
}

func (s *LogStatus) BuildEdgeFinished(e *Edge, endMillis int64, success bool, output string) {
	if success {
		s.finishedOK++
		s.log.Info("finished", "outputs", outputPaths(e))
	} else {
		s.finishedErr++
		s.log.Error("failed", "outputs", outputPaths(e), "output", output)
	}
	if output != "" && success {
		s.log.Debug("command output", "outputs", outputPaths(e), "output", output)
	}
}

func (s *LogStatus) BuildStarted() {
	s.log.Info("build started", "edges", s.totalEdges)
}

func (s *LogStatus) BuildFinished() {
	s.log.Info("build finished", "ok", s.finishedOK, "failed", s.finishedErr)
}

func (s *LogStatus) Info(msg string, args ...any)    { s.log.Info(msg, args...) }
func (s *LogStatus) Warning(msg string, args ...any) { s.log.Warn(msg, args...) }
func (s *LogStatus) Error(msg string, args ...any)   { s.log.Error(msg, args...) }

func outputPaths(e *Edge) []string {
	paths := make([]string, len(e.Outputs))
	for i, n := range e.Outputs {
		paths[i] = n.Path
	}
	return paths
}
