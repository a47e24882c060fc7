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

import "strings"

// Env is anything that can resolve a variable name to its evaluated text.
// The manifest parser builds a Bindings chain; the engine only ever
// consumes this interface.
type Env interface {
	LookupVariable(name string) string
}

// tokenKind distinguishes literal text from a variable reference inside
// an EvalString.
type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenSpecial
)

type token struct {
	kind tokenKind
	text string
}

// EvalString is an evaluation tree: an ordered sequence of literal text
// and variable references. It becomes a concrete string only once handed
// a scope to evaluate against.
type EvalString struct {
	parsed []token
}

// AddText appends a literal run of text.
func (e *EvalString) AddText(text string) {
	if text == "" {
		return
	}
	if n := len(e.parsed); n > 0 && e.parsed[n-1].kind == tokenLiteral {
		e.parsed[n-1].text += text
		return
	}
	e.parsed = append(e.parsed, token{kind: tokenLiteral, text: text})
}

// AddSpecial appends a variable reference by name.
func (e *EvalString) AddSpecial(varname string) {
	e.parsed = append(e.parsed, token{kind: tokenSpecial, text: varname})
}

// Evaluate expands the tree against env. References to undefined
// variables evaluate to the empty string.
func (e *EvalString) Evaluate(env Env) string {
	var b strings.Builder
	for _, t := range e.parsed {
		switch t.kind {
		case tokenLiteral:
			b.WriteString(t.text)
		case tokenSpecial:
			if env != nil {
				b.WriteString(env.LookupVariable(t.text))
			}
		}
	}
	return b.String()
}

// Serialize renders the tree in debug form, e.g. "[cat ][$in][ > ][$out]".
func (e *EvalString) Serialize() string {
	var b strings.Builder
	for _, t := range e.parsed {
		b.WriteByte('[')
		if t.kind == tokenSpecial {
			b.WriteByte('$')
		}
		b.WriteString(t.text)
		b.WriteByte(']')
	}
	return b.String()
}

func (e *EvalString) Empty() bool { return len(e.parsed) == 0 }

// Rule is a named template for a command line. Every value is an
// evaluation tree resolved against a Bindings scope at edge-evaluation
// time.
type Rule struct {
	Name     string
	Bindings map[string]*EvalString
}

func NewRule(name string) *Rule {
	return &Rule{Name: name, Bindings: map[string]*EvalString{}}
}

func (r *Rule) Binding(key string) *EvalString {
	return r.Bindings[key]
}

// PhonyRule groups targets without running a command.
var PhonyRule = NewRule("phony")

// Bindings is a lexical scope: a mapping from variable name to its
// already-evaluated text, with an optional parent. Lookup walks the parent chain; the rule
// table lives only at the top-level scope.
type Bindings struct {
	parent   *Bindings
	bindings map[string]string
	rules    map[string]*Rule
}

func NewBindings(parent *Bindings) *Bindings {
	return &Bindings{parent: parent, bindings: map[string]string{}}
}

// LookupVariable implements Env, satisfying the three-tier precedence an
// edge's own scope, its rule's bindings (looked up by the caller before
// falling back here), and the enclosing scope.
func (b *Bindings) LookupVariable(name string) string {
	if v, ok := b.bindings[name]; ok {
		return v
	}
	if b.parent != nil {
		return b.parent.LookupVariable(name)
	}
	return ""
}

func (b *Bindings) AddBinding(name, value string) {
	b.bindings[name] = value
}

func (b *Bindings) AddRule(r *Rule) {
	if b.rules == nil {
		b.rules = map[string]*Rule{}
	}
	b.rules[r.Name] = r
}

func (b *Bindings) LookupRule(name string) *Rule {
	if b.rules != nil {
		if r, ok := b.rules[name]; ok {
			return r
		}
	}
	if b.parent != nil {
		return b.parent.LookupRule(name)
	}
	return nil
}

// LookupWithFallback resolves a rule-level value: check this scope's own
// bindings first, then evaluate the fallback tree (the rule's own
// template) against env so its variable references see edge-local
// bindings. Only when there is no fallback tree are the parent scopes'
// bindings consulted.
func (b *Bindings) LookupWithFallback(name string, fallback *EvalString, env Env) string {
	if v, ok := b.bindings[name]; ok {
		return v
	}
	if fallback != nil {
		return fallback.Evaluate(env)
	}
	if b.parent != nil {
		return b.parent.LookupWithFallback(name, nil, env)
	}
	return ""
}
