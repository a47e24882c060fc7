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

import "github.com/pkg/errors"

// fakeDisk is an in-memory DiskInterface substitute, per the design
// note that the engine only ever consumes the filesystem through a
// narrow, mockable capability set.
type fakeDisk struct {
	mtimes  map[string]TimeStamp
	clock   TimeStamp
	dirs    map[string]bool
	files   map[string][]byte
	statErr map[string]error
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{
		mtimes: map[string]TimeStamp{},
		dirs:   map[string]bool{},
		files:  map[string][]byte{},
	}
}

// touch sets path's mtime to a freshly incremented logical clock value,
// so callers can express "newer than" relationships without real time.
func (d *fakeDisk) touch(path string) TimeStamp {
	d.clock++
	d.mtimes[path] = d.clock
	return d.clock
}

func (d *fakeDisk) setMTime(path string, t TimeStamp) { d.mtimes[path] = t }

func (d *fakeDisk) remove(path string) { delete(d.mtimes, path) }

func (d *fakeDisk) Stat(path string) (TimeStamp, error) {
	if err := d.statErr[path]; err != nil {
		return TimeUnknown, err
	}
	if t, ok := d.mtimes[path]; ok {
		return t, nil
	}
	return TimeMissing, nil
}

func (d *fakeDisk) MakeDir(path string) error {
	d.dirs[path] = true
	return nil
}

func (d *fakeDisk) WriteFile(path string, contents []byte) error {
	d.files[path] = contents
	return d.touchErr(path)
}

func (d *fakeDisk) touchErr(path string) error {
	d.touch(path)
	return nil
}

func (d *fakeDisk) ReadFile(path string) ([]byte, error) {
	c, ok := d.files[path]
	if !ok {
		return nil, errors.Errorf("fakeDisk: no such file %q", path)
	}
	return c, nil
}

func (d *fakeDisk) RemoveFile(path string) error {
	if _, ok := d.files[path]; !ok {
		return errors.Errorf("fakeDisk: no such file %q", path)
	}
	delete(d.files, path)
	return nil
}
