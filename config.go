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

	"gopkg.in/yaml.v3"
)

// EngineConfig is the on-disk, front-end-owned configuration for one
// invocation: where the build log lives, how many jobs to run, and the
// keep-going threshold. The engine itself only ever sees the resulting
// BuildConfig; this type exists so a CLI can offer a config file
// alongside flags.
type EngineConfig struct {
	BuildLogPath string `yaml:"build_log"`
	ManifestPath string `yaml:"manifest"`
	Jobs         int    `yaml:"jobs"`
	KeepGoing    int    `yaml:"keep_going"`
	Verbose      bool   `yaml:"verbose"`
}

// LoadEngineConfig reads and parses a YAML config file. A missing file
// is not an error: it returns the zero-value EngineConfig so flag
// defaults can take over.
func LoadEngineConfig(path string) (EngineConfig, error) {
	var cfg EngineConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ToBuildConfig translates the front-end's -k convention (0 means
// unlimited) into the engine's AllowedFailures (-1 means unlimited).
func (c EngineConfig) ToBuildConfig(dryRun bool) BuildConfig {
	allowed := -1
	if c.KeepGoing > 0 {
		allowed = c.KeepGoing - 1
	}
	jobs := c.Jobs
	if jobs < 1 {
		jobs = 1
	}
	return BuildConfig{Parallelism: jobs, DryRun: dryRun, AllowedFailures: allowed}
}
