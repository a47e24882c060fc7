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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"

	"github.com/spf13/pflag"

	"github.com/kilnhq/kiln"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("kiln", pflag.ContinueOnError)
	manifestPath := flags.StringP("manifest", "f", "build.kiln.yaml", "manifest to build")
	buildLogPath := flags.String("build-log", ".kiln.log", "path to the persistent build log")
	jobs := flags.IntP("jobs", "j", 0, "number of commands to run in parallel (0 = guess from CPU count)")
	keepGoing := flags.IntP("keep-going", "k", 1, "keep going until N failures (0 = unlimited)")
	dryRun := flags.BoolP("dry-run", "n", false, "don't run commands, just simulate the build")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	stats := flags.Bool("stats", false, "print operation counts/timing info when the build finishes")
	configPath := flags.String("config", "", "optional YAML config file")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *jobs <= 0 {
		*jobs = guessParallelism()
	}

	cfg := kiln.EngineConfig{
		BuildLogPath: *buildLogPath,
		ManifestPath: *manifestPath,
		Jobs:         *jobs,
		KeepGoing:    *keepGoing,
	}
	if *configPath != "" {
		fileCfg, err := kiln.LoadEngineConfig(*configPath)
		if err != nil {
			log.Error("loading config", "error", err)
			return 1
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	targets := flags.Args()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var metrics *kiln.Metrics
	if *stats {
		metrics = kiln.NewMetrics()
		ctx = kiln.WithMetrics(ctx, metrics)
	}

	err := build(ctx, log, cfg, *dryRun, targets)
	if metrics != nil {
		metrics.Report()
	}
	if err != nil {
		if err == kiln.ErrAlreadyUpToDate {
			fmt.Println("kiln: nothing to do")
			return 0
		}
		log.Error("build failed", "error", err)
		return 1
	}
	return 0
}

// guessParallelism picks a default -j the way the original tool does:
// a couple of extra slots beyond the CPU count, to keep cores busy
// across I/O-bound build steps.
func guessParallelism() int {
	switch n := runtime.NumCPU(); n {
	case 1:
		return 2
	case 2:
		return 3
	default:
		return n + 2
	}
}

func mergeConfig(flagCfg, fileCfg kiln.EngineConfig) kiln.EngineConfig {
	out := flagCfg
	if fileCfg.BuildLogPath != "" {
		out.BuildLogPath = fileCfg.BuildLogPath
	}
	if fileCfg.ManifestPath != "" {
		out.ManifestPath = fileCfg.ManifestPath
	}
	if fileCfg.Jobs != 0 {
		out.Jobs = fileCfg.Jobs
	}
	if fileCfg.KeepGoing != 0 {
		out.KeepGoing = fileCfg.KeepGoing
	}
	return out
}

func build(ctx context.Context, log *slog.Logger, cfg kiln.EngineConfig, dryRun bool, targets []string) error {
	state, err := kiln.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return err
	}

	buildLog := kiln.NewBuildLog()
	if err := buildLog.Load(cfg.BuildLogPath); err != nil {
		return err
	}
	if err := buildLog.OpenForWrite(cfg.BuildLogPath); err != nil {
		return err
	}
	defer buildLog.Close()

	disk := kiln.NewRealDiskInterface()
	status := kiln.NewLogStatus(log)
	metrics := kiln.MetricsFromContext(ctx)
	b := kiln.NewBuilder(state, disk, buildLog, cfg.ToBuildConfig(dryRun), status)
	b.Metrics = metrics

	if rebuilt, err := b.RebuildManifest(ctx, cfg.ManifestPath); err != nil {
		return err
	} else if rebuilt {
		state, err = kiln.LoadManifest(cfg.ManifestPath)
		if err != nil {
			return err
		}
		b = kiln.NewBuilder(state, disk, buildLog, cfg.ToBuildConfig(dryRun), status)
		b.Metrics = metrics
	}

	if len(targets) == 0 {
		defaults, err := state.DefaultNodes()
		if err != nil {
			return err
		}
		for _, n := range defaults {
			targets = append(targets, n.Path)
		}
	}

	allUpToDate := true
	for _, t := range targets {
		if err := b.AddTarget(t); err != nil {
			if err == kiln.ErrAlreadyUpToDate {
				continue
			}
			return err
		}
		allUpToDate = false
	}
	if allUpToDate {
		return kiln.ErrAlreadyUpToDate
	}

	return b.Build(ctx)
}
