// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config resolves the CLI surface and environment variables named
// in spec §6 into a single validated Config, and implements the `@@`
// argv-rewriting rule.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// MemUnit is a parsed `-m` memory cap suffix.
type MemUnit byte

const (
	MemUnitMB MemUnit = iota
	MemUnitGB
	MemUnitTB
	MemUnitKB
)

// Config is the fully resolved configuration for one fuzzer instance,
// merging CLI flags (cobra/pflag) with the AFL_*/ASAN_OPTIONS/MSAN_OPTIONS
// environment surface (viper) per spec §6.
type Config struct {
	OutDir   string
	SyncRoot string // -s

	FuzzerID string // explicit id from -M/-S, or a generated uuid
	IsMaster bool   // -M given: runs deterministic stages
	IsSlave  bool   // -S given: skips deterministic stages

	InputDir  string // seed corpus, positional/-i equivalent
	InputFile string // -f: designated input-file path the target reads from

	ExecTimeoutMS int  // -t value
	TimeoutAuto   bool // -t value has a trailing '+' (auto-scale allowed)

	MemLimitMB   uint64 // -m, normalized to megabytes
	MemLimitNone bool   // -m none

	QEMUMode          bool // -Q
	EmulatorLogging   bool // -L
	DumbMode          bool // -n
	SkipDeterministic bool // -d
	CrashExploration  bool // -C
	EnableTrim        bool // -r

	Banner        string // -T, defaulted to a uuid if unset
	BitmapSeedFile string // -B

	TargetPath string
	TargetArgv []string

	// Environment-derived (spec §6 "Environment: Reads").
	SkipBinCheck   bool
	NoForkserver   bool
	NoCPURed       bool
	NoVarCheck     bool
	DumbForkserver bool
	AFLPath        string
	SkipCPUFreq    bool
	ASANOptions    string
	MSANOptions    string
}

// NewCommand builds the cobra command exposing spec §6's CLI surface. run
// is invoked with the resolved, validated Config once flags and positional
// target argv have been parsed.
func NewCommand(run func(cfg *Config, targetArgv []string) error) *cobra.Command {
	var (
		outDir       string
		syncRoot     string
		masterID     string
		slaveID      string
		inputDir     string
		inputFile    string
		timeout      string
		memLimit     string
		qemuMode     bool
		emulatorLog  bool
		dumbMode     bool
		skipDet      bool
		crashExplore bool
		banner       string
		bitmapSeed   string
		enableTrim   bool
	)

	cmd := &cobra.Command{
		Use:           "coopfuzz -- TARGET [ARGS...]",
		Short:         "cooperative coverage-guided fuzzing orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Resolve(resolveInput{
				OutDir:       outDir,
				SyncRoot:     syncRoot,
				MasterID:     masterID,
				SlaveID:      slaveID,
				InputDir:     inputDir,
				InputFile:    inputFile,
				Timeout:      timeout,
				MemLimit:     memLimit,
				QEMUMode:     qemuMode,
				EmulatorLog:  emulatorLog,
				DumbMode:     dumbMode,
				SkipDet:      skipDet,
				CrashExplore: crashExplore,
				Banner:       banner,
				BitmapSeed:   bitmapSeed,
				EnableTrim:   enableTrim,
				TargetArgv:   args,
			})
			if err != nil {
				return err
			}
			return run(cfg, cfg.TargetArgv)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&outDir, "out", "o", "", "output directory (required)")
	flags.StringVarP(&syncRoot, "sync-dir", "s", "", "sync root shared with sibling fuzzers")
	flags.StringVarP(&masterID, "master", "M", "", "run as distributed leader with this id")
	flags.StringVarP(&slaveID, "slave", "S", "", "run as distributed follower with this id, skipping deterministic stages")
	flags.StringVarP(&inputDir, "input", "i", "", "seed corpus directory")
	flags.StringVarP(&inputFile, "file", "f", "", "designated input-file path the target reads from")
	flags.StringVarP(&timeout, "timeout", "t", "1000", "per-exec timeout in ms, trailing '+' allows auto-scaling")
	flags.StringVarP(&memLimit, "mem-limit", "m", "none", "memory cap, e.g. 200M, 1G, or none")
	flags.BoolVarP(&qemuMode, "qemu", "Q", false, "QEMU/emulator mode")
	flags.BoolVarP(&emulatorLog, "emu-log", "L", false, "emulator logging")
	flags.BoolVarP(&dumbMode, "dumb", "n", false, "dumb mode (no fork server)")
	flags.BoolVarP(&skipDet, "skip-deterministic", "d", false, "skip deterministic stages")
	flags.BoolVarP(&crashExplore, "crash-exploration", "C", false, "crash-exploration mode")
	flags.StringVarP(&banner, "banner", "T", "", "banner recorded in fuzzer_stats")
	flags.StringVarP(&bitmapSeed, "bitmap-seed", "B", "", "seed virgin map from a saved fuzz_bitmap")
	flags.BoolVarP(&enableTrim, "trim", "r", false, "enable input trimming")
	cmd.MarkFlagRequired("out")

	return cmd
}

type resolveInput struct {
	OutDir, SyncRoot, MasterID, SlaveID, InputDir, InputFile, Timeout, MemLimit, Banner, BitmapSeed string
	QEMUMode, EmulatorLog, DumbMode, SkipDet, CrashExplore, EnableTrim                              bool
	TargetArgv                                                                                      []string
}

// Resolve merges parsed flags with the environment surface via viper and
// validates the fatal-configuration class of errors from spec §7(a).
func Resolve(in resolveInput) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.BindEnv("skip_bin_check", "AFL_SKIP_BIN_CHECK")
	v.BindEnv("no_forkserver", "AFL_NO_FORKSRV")
	v.BindEnv("no_cpu_red", "AFL_NO_CPU_RED")
	v.BindEnv("no_var_check", "AFL_NO_VAR_CHECK")
	v.BindEnv("dumb_forkserver", "AFL_DUMB_FORKSRV")
	v.BindEnv("afl_path", "AFL_PATH")
	v.BindEnv("skip_cpufreq", "AFL_SKIP_CPUFREQ")
	v.BindEnv("asan_options", "ASAN_OPTIONS")
	v.BindEnv("msan_options", "MSAN_OPTIONS")

	if in.OutDir == "" {
		return nil, fmt.Errorf("-o output directory is required")
	}
	if in.MasterID != "" && in.SlaveID != "" {
		return nil, fmt.Errorf("-M and -S are mutually exclusive")
	}
	if len(in.TargetArgv) == 0 {
		return nil, fmt.Errorf("a target binary and its arguments are required after --")
	}

	timeoutMS, auto, err := parseTimeout(in.Timeout)
	if err != nil {
		return nil, fmt.Errorf("-t: %w", err)
	}
	memMB, memNone, err := parseMemLimit(in.MemLimit)
	if err != nil {
		return nil, fmt.Errorf("-m: %w", err)
	}

	fuzzerID := in.MasterID
	if fuzzerID == "" {
		fuzzerID = in.SlaveID
	}
	if fuzzerID == "" {
		fuzzerID = uuid.NewString()
	}
	banner := in.Banner
	if banner == "" {
		banner = uuid.NewString()
	}

	target := in.TargetArgv[0]
	if _, err := os.Stat(target); err != nil {
		return nil, fmt.Errorf("target binary %q: %w", target, err)
	}

	// §6's `@@` rewriting rule substitutes "the absolute path of the
	// current input file"; resolve here, once, so every downstream
	// consumer of OutDir/InputFile (the .cur_input path, RewriteArgv, the
	// sync root layout) already sees an absolute path regardless of
	// whether the operator passed -o/-f as relative.
	outDir, err := filepath.Abs(in.OutDir)
	if err != nil {
		return nil, fmt.Errorf("-o %q: %w", in.OutDir, err)
	}
	inputFile := in.InputFile
	if inputFile != "" {
		inputFile, err = filepath.Abs(inputFile)
		if err != nil {
			return nil, fmt.Errorf("-f %q: %w", in.InputFile, err)
		}
	}

	return &Config{
		OutDir:            outDir,
		SyncRoot:          in.SyncRoot,
		FuzzerID:          fuzzerID,
		IsMaster:          in.MasterID != "",
		IsSlave:           in.SlaveID != "",
		InputDir:          in.InputDir,
		InputFile:         inputFile,
		ExecTimeoutMS:     timeoutMS,
		TimeoutAuto:       auto,
		MemLimitMB:        memMB,
		MemLimitNone:      memNone,
		QEMUMode:          in.QEMUMode,
		EmulatorLogging:   in.EmulatorLog,
		DumbMode:          in.DumbMode,
		SkipDeterministic: in.SkipDet || in.SlaveID != "",
		CrashExploration:  in.CrashExplore,
		EnableTrim:        in.EnableTrim,
		Banner:            banner,
		BitmapSeedFile:    in.BitmapSeed,
		TargetPath:        target,
		TargetArgv:        in.TargetArgv,
		SkipBinCheck:      v.GetBool("skip_bin_check"),
		NoForkserver:      v.GetBool("no_forkserver"),
		NoCPURed:          v.GetBool("no_cpu_red"),
		NoVarCheck:        v.GetBool("no_var_check"),
		DumbForkserver:    v.GetBool("dumb_forkserver"),
		AFLPath:           v.GetString("afl_path"),
		SkipCPUFreq:       v.GetBool("skip_cpufreq"),
		ASANOptions:       v.GetString("asan_options"),
		MSANOptions:       v.GetString("msan_options"),
	}, nil
}

func parseTimeout(s string) (ms int, auto bool, err error) {
	if strings.HasSuffix(s, "+") {
		auto = true
		s = strings.TrimSuffix(s, "+")
	}
	ms, err = strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	if ms <= 0 {
		return 0, false, fmt.Errorf("timeout must be positive, got %d", ms)
	}
	return ms, auto, nil
}

func parseMemLimit(s string) (mb uint64, none bool, err error) {
	if s == "none" || s == "" {
		return 0, true, nil
	}
	s = strings.TrimSpace(s)
	unit := MemUnitMB
	numeric := s
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'T', 't':
			unit, numeric = MemUnitTB, s[:n-1]
		case 'G', 'g':
			unit, numeric = MemUnitGB, s[:n-1]
		case 'M', 'm':
			unit, numeric = MemUnitMB, s[:n-1]
		case 'K', 'k':
			unit, numeric = MemUnitKB, s[:n-1]
		}
	}
	val, err := strconv.ParseUint(numeric, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	switch unit {
	case MemUnitKB:
		return val / 1024, false, nil
	case MemUnitMB:
		return val, false, nil
	case MemUnitGB:
		return val * 1024, false, nil
	case MemUnitTB:
		return val * 1024 * 1024, false, nil
	}
	return val, false, nil
}

// RewriteArgv substitutes every literal "@@" token in argv with the
// absolute path of the current input file, per spec §6.
func RewriteArgv(argv []string, inputPath string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		if a == "@@" {
			out[i] = inputPath
			continue
		}
		out[i] = a
	}
	return out
}
