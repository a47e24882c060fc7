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

// ErrEmptyPath is returned by Canonicalize when the input is empty or
// collapses to nothing.
var ErrEmptyPath = errors.New("kiln: empty path")

// Canonicalize normalizes path separators and collapses "." and ".."
// segments the way a POSIX shell would resolve them lexically, without
// touching the filesystem. The result always uses "/" as separator.
//
// Canonicalize is idempotent: Canonicalize(Canonicalize(p)) == Canonicalize(p).
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	p := strings.ReplaceAll(path, "\\", "/")
	abs := strings.HasPrefix(p, "/")

	raw := strings.Split(p, "/")
	kept := make([]string, 0, len(raw))
	leadingDotDot := 0
	for _, seg := range raw {
		switch seg {
		case "", ".":
			// skip: redundant separator or current-dir marker.
		case "..":
			if len(kept) > 0 && kept[len(kept)-1] != ".." {
				kept = kept[:len(kept)-1]
			} else if !abs {
				kept = append(kept, "..")
			} else {
				return "", errors.Errorf("kiln: path %q escapes root", path)
			}
		default:
			kept = append(kept, seg)
		}
	}

	for _, seg := range kept {
		if seg != ".." {
			break
		}
		leadingDotDot++
	}
	if abs && leadingDotDot > 0 {
		return "", errors.Errorf("kiln: path %q escapes root", path)
	}

	out := strings.Join(kept, "/")
	if abs {
		out = "/" + out
	}
	if out == "" {
		return "", ErrEmptyPath
	}
	return out, nil
}
