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
	"strings"

	"github.com/pkg/errors"
)

// ParseDepfile parses the Makefile subset a depfile uses: "output :
// dep dep \\\n  dep dep\n". Only the first target is kept; "$$"
// unescapes to a literal "$" and nothing else is expanded.
func ParseDepfile(data []byte) (output string, deps []string, err error) {
	text := strings.ReplaceAll(string(data), "\\\n", " ")
	text = strings.ReplaceAll(text, "$$", "\x00")

	colon := strings.IndexByte(text, ':')
	if colon < 0 {
		return "", nil, errors.New("kiln: depfile missing ':'")
	}
	targets := strings.Fields(text[:colon])
	if len(targets) == 0 {
		return "", nil, errors.New("kiln: depfile missing target")
	}
	output = strings.ReplaceAll(targets[0], "\x00", "$")

	rest := text[colon+1:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		if extra := strings.TrimSpace(rest[nl+1:]); extra != "" && strings.ContainsRune(extra, ':') {
			// A second target line; ignored per the subset grammar.
			rest = rest[:nl]
		}
	}
	for _, f := range strings.Fields(rest) {
		deps = append(deps, strings.ReplaceAll(f, "\x00", "$"))
	}
	return output, deps, nil
}
