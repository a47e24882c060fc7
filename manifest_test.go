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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManifest_CommandSubstitutesInOutAndUserVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.kiln.yaml")
	content := `
rules:
  cc:
    command: "cc -c $in -o $out ${cflags}"
    description: "CC $out"
edges:
  - rule: cc
    explicit_in: [main.c]
    out: [main.o]
    bindings:
      cflags: "-O2"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadManifest(path)
	require.NoError(t, err)

	n, err := s.GetNode("main.o")
	require.NoError(t, err)
	e := n.InEdge
	require.NotNil(t, e)

	assert.Equal(t, "cc -c main.c -o main.o -O2", e.EvaluateCommand())
	assert.Equal(t, "CC main.o", e.GetBinding("description"))
}

func TestLoadManifest_EdgeBindingExpandsVariableReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.kiln.yaml")
	content := `
variables:
  warnflags: "-Wall"
rules:
  cc:
    command: "cc $cflags -c $in -o $out"
edges:
  - rule: cc
    explicit_in: [main.c]
    out: [main.o]
    bindings:
      cflags: "$warnflags -O2"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadManifest(path)
	require.NoError(t, err)

	n, err := s.GetNode("main.o")
	require.NoError(t, err)
	e := n.InEdge
	require.NotNil(t, e)

	// cflags references warnflags, a top-level variable, and must see it
	// expanded rather than stored as the literal text "$warnflags -O2".
	assert.Equal(t, "-Wall -O2", e.GetBinding("cflags"))
	assert.Equal(t, "cc -Wall -O2 -c main.c -o main.o", e.EvaluateCommand())
}

func TestParseEvalString_DollarEscapes(t *testing.T) {
	es := parseEvalString("a$$b ${x}$y plain")
	assert.Equal(t, "[a$b ][$x][$y][ plain]", es.Serialize())
}

func TestParseEvalString_BareDollarIsLiteral(t *testing.T) {
	es := parseEvalString("cost: $, more")
	assert.Equal(t, "cost: $, more", es.Evaluate(nil))
}
