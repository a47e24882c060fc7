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
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// The manifest tokenizer and variable-expansion grammar are out of
// scope for this package: LoadManifest is a minimal YAML stand-in for
// "whatever collaborator hands the engine a populated State" (rules,
// nodes, edges, bindings, defaults), per the external interface the
// engine actually consumes. Rule values are tokenized into evaluation
// trees by parseEvalString; top-level variables and edge bindings are
// expanded at load time.

type manifestFile struct {
	Variables map[string]string       `yaml:"variables"`
	Rules     map[string]manifestRule `yaml:"rules"`
	Edges     []manifestEdge          `yaml:"edges"`
	Defaults  []string                `yaml:"defaults"`
}

type manifestRule struct {
	Command        string `yaml:"command"`
	Description    string `yaml:"description"`
	Depfile        string `yaml:"depfile"`
	Generator      bool   `yaml:"generator"`
	Restat         bool   `yaml:"restat"`
	Rspfile        string `yaml:"rspfile"`
	RspfileContent string `yaml:"rspfile_content"`
}

type manifestEdge struct {
	Rule        string            `yaml:"rule"`
	ExplicitIn  []string          `yaml:"explicit_in"`
	ImplicitIn  []string          `yaml:"implicit_in"`
	OrderOnlyIn []string          `yaml:"order_only_in"`
	Out         []string          `yaml:"out"`
	Bindings    map[string]string `yaml:"bindings"`
}

// LoadManifest reads a YAML manifest and returns a populated State
// ready for analysis.
func LoadManifest(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, errors.Wrapf(err, "kiln: parsing manifest %q", path)
	}

	s := NewState()
	// Top-level variables form the outermost scope that every rule and
	// edge binding falls back to, the same role a .ninja file's
	// top-level assignments play for the teacher's manifest. They are
	// evaluated against that same (otherwise empty) scope, so one
	// top-level variable referencing another is not supported -- only
	// rule/edge bindings are guaranteed to see them expanded.
	for k, v := range mf.Variables {
		s.Bindings.AddBinding(k, parseEvalString(v).Evaluate(s.Bindings))
	}

	rules := map[string]*Rule{"phony": PhonyRule}
	for name, mr := range mf.Rules {
		r := NewRule(name)
		setBinding(r, "command", mr.Command)
		setBinding(r, "description", mr.Description)
		setBinding(r, "depfile", mr.Depfile)
		setBinding(r, "rspfile", mr.Rspfile)
		setBinding(r, "rspfile_content", mr.RspfileContent)
		if mr.Generator {
			setBinding(r, "generator", "1")
		}
		if mr.Restat {
			setBinding(r, "restat", "1")
		}
		rules[name] = r
		s.Bindings.AddRule(r)
	}

	for _, me := range mf.Edges {
		rule, ok := rules[me.Rule]
		if !ok {
			return nil, errors.Errorf("kiln: unknown rule %q", me.Rule)
		}
		e := s.AddEdge(rule)
		e.Generator = rule.Binding("generator") != nil
		e.Restat = rule.Binding("restat") != nil
		for _, p := range me.ExplicitIn {
			if err := s.AddInput(e, p, Explicit); err != nil {
				return nil, err
			}
		}
		for _, p := range me.ImplicitIn {
			if err := s.AddInput(e, p, Implicit); err != nil {
				return nil, err
			}
		}
		for _, p := range me.OrderOnlyIn {
			if err := s.AddInput(e, p, OrderOnly); err != nil {
				return nil, err
			}
		}
		for _, p := range me.Out {
			if _, err := s.AddOutput(e, p); err != nil {
				return nil, err
			}
		}
		// Build-level bindings are evaluated against the edge's own scope
		// (so they see $in/$out and the enclosing file scope) at load
		// time, then stored as already-expanded text — the same
		// immediate-evaluation behavior as the teacher's build-level
		// variable handling, so a binding like "cflags: $warnflags -O2"
		// actually expands $warnflags rather than leaking it verbatim
		// into whatever rule binding later falls back to "cflags".
		for k, v := range me.Bindings {
			e.Env.AddBinding(k, parseEvalString(v).Evaluate(e))
		}
	}

	for _, p := range mf.Defaults {
		if err := s.AddDefault(p); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func setBinding(r *Rule, key, value string) {
	if value == "" {
		return
	}
	es := parseEvalString(value)
	r.Bindings[key] = es
}

// isVarnameByte reports whether b can appear in a $name or ${name}
// reference, matching the teacher's simple_varname/varname lexer rules.
func isVarnameByte(b byte) bool {
	return b == '_' || b == '-' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// parseEvalString tokenizes a YAML-sourced binding value into literal
// text and $-variable references, the way the teacher's manifest lexer
// turns a rule's command line into an EvalString: "$$" is a literal
// "$", "${name}" and "$name" are variable references, and any other
// text is literal.
func parseEvalString(value string) *EvalString {
	var es EvalString
	i := 0
	for i < len(value) {
		if value[i] != '$' {
			j := i
			for j < len(value) && value[j] != '$' {
				j++
			}
			es.AddText(value[i:j])
			i = j
			continue
		}
		if i+1 < len(value) && value[i+1] == '$' {
			es.AddText("$")
			i += 2
			continue
		}
		if i+1 < len(value) && value[i+1] == '{' {
			end := strings.IndexByte(value[i+2:], '}')
			if end >= 0 {
				es.AddSpecial(value[i+2 : i+2+end])
				i += 2 + end + 1
				continue
			}
		}
		if i+1 < len(value) && isVarnameByte(value[i+1]) {
			j := i + 1
			for j < len(value) && isVarnameByte(value[j]) {
				j++
			}
			es.AddSpecial(value[i+1 : j])
			i = j
			continue
		}
		// Bare "$" with nothing recognizable following it: keep it
		// literal rather than rejecting the manifest outright.
		es.AddText("$")
		i++
	}
	return &es
}
