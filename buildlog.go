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
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	logFileSignature     = "# ninja log v%d\n"
	logCurrentVersion    = 5
	logOldestSupported   = 5
	compactionRatio      = 3
	minCompactionEntries = 1000
)

// HashCommand returns a stable, collision-resistant digest of an
// evaluated command string, used to detect command-line changes across
// runs.
func HashCommand(command string) uint64 {
	return xxhash.Sum64String(command)
}

// LogEntry is one record of the build log: the last-known outcome for a
// single output path.
type LogEntry struct {
	Output      string
	CommandHash uint64
	StartMillis int64
	EndMillis   int64
	RestatMTime TimeStamp
}

// BuildLog persists (output path -> command hash, mtime) across runs so
// that a changed command line, not just a changed mtime, triggers a
// rebuild. Entries are appended synchronously so a crash leaves a
// consistent prefix.
type BuildLog struct {
	entries map[string]*LogEntry

	path string
	f    *os.File
	w    *bufio.Writer

	needsRecompaction bool

	// Logger receives a warning when Load skips a too-old log rather
	// than failing the build over it. Nil-safe: a zero-value BuildLog
	// (e.g. in a test) simply drops the warning.
	Logger *slog.Logger
}

func NewBuildLog() *BuildLog {
	return &BuildLog{entries: map[string]*LogEntry{}, Logger: slog.Default()}
}

func (b *BuildLog) Lookup(output string) *LogEntry {
	return b.entries[output]
}

// Load parses an existing log file, tolerating a malformed trailing
// entry (a write truncated by a crash). A version older than
// logOldestSupported is skipped with a warning and the log starts
// empty; a version newer than logCurrentVersion is refused with an
// error. If the file holds many more entries than distinct outputs,
// the next OpenForWrite rewrites it compacted.
func (b *BuildLog) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	lineNum := 0
	version := 0
	entryLines := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if lineNum == 1 {
			if _, err := fmt.Sscanf(line, strings.TrimSuffix(logFileSignature, "\n"), &version); err == nil {
				if version < logOldestSupported {
					if b.Logger != nil {
						b.Logger.Warn("build log version too old, starting over", "version", version, "oldest_supported", logOldestSupported)
					}
					b.entries = map[string]*LogEntry{}
					return nil
				}
				if version > logCurrentVersion {
					return errors.Errorf("kiln: build log version %d is newer than supported version %d, refusing to read it", version, logCurrentVersion)
				}
				continue
			}
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			// Truncated trailing write; stop reading, keep what we have.
			break
		}
		start, err1 := strconv.ParseInt(fields[0], 10, 64)
		end, err2 := strconv.ParseInt(fields[1], 10, 64)
		restat, err3 := strconv.ParseInt(fields[2], 10, 64)
		hash, err4 := strconv.ParseUint(fields[4], 16, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			break
		}
		b.entries[fields[3]] = &LogEntry{
			Output:      fields[3],
			CommandHash: hash,
			StartMillis: start,
			EndMillis:   end,
			RestatMTime: TimeStamp(restat),
		}
		entryLines++
	}
	if entryLines > minCompactionEntries && entryLines > len(b.entries)*compactionRatio {
		b.needsRecompaction = true
	}
	b.path = path
	return nil
}

// OpenForWrite opens the log for appending new records, rewriting it
// from scratch first if the live entry count has shrunk enough relative
// to on-disk size to be worth compacting.
func (b *BuildLog) OpenForWrite(path string) error {
	b.path = path
	if b.needsRecompaction {
		if err := b.recompact(path); err != nil {
			return err
		}
		b.needsRecompaction = false
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return err
	}
	b.f = f
	b.w = bufio.NewWriter(f)
	if st, err := f.Stat(); err == nil && st.Size() == 0 {
		fmt.Fprintf(b.w, logFileSignature, logCurrentVersion)
		if err := b.w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (b *BuildLog) recompact(path string) error {
	tmp := path + ".recompact"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, logFileSignature, logCurrentVersion)
	for _, e := range b.entries {
		writeLogEntry(w, e)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeLogEntry(w *bufio.Writer, e *LogEntry) {
	fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%x\n", e.StartMillis, e.EndMillis, e.RestatMTime, e.Output, e.CommandHash)
}

// Record appends an entry for output, flushing immediately. A log that
// has never been loaded from or opened on a path keeps the entry in
// memory only.
func (b *BuildLog) Record(output string, commandHash uint64, mtime TimeStamp, startMillis, endMillis int64) error {
	e := &LogEntry{
		Output:      output,
		CommandHash: commandHash,
		StartMillis: startMillis,
		EndMillis:   endMillis,
		RestatMTime: mtime,
	}
	b.entries[output] = e
	if b.w == nil {
		if b.path == "" {
			return nil
		}
		if err := b.OpenForWrite(b.path); err != nil {
			return err
		}
	}
	writeLogEntry(b.w, e)
	if err := b.w.Flush(); err != nil {
		return err
	}

	if len(b.entries) > minCompactionEntries {
		if st, err := b.f.Stat(); err == nil {
			estimatedFull := int64(len(b.entries)) * 64
			if st.Size() > estimatedFull*compactionRatio {
				b.needsRecompaction = true
			}
		}
	}
	return nil
}

func (b *BuildLog) Close() error {
	if b.f == nil {
		return nil
	}
	if err := b.w.Flush(); err != nil {
		return err
	}
	return b.f.Close()
}
