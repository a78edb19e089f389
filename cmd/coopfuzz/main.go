// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command coopfuzz is a cooperative, coverage-guided fuzzing orchestrator:
// it drives an externally instrumented target through a persistent
// fork-server protocol, harvests candidate inputs from sibling fuzzers
// publishing into a shared sync root, and persists whatever reveals novel
// coverage, a hang, or a crash. See SPEC_FULL.md for the full design.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/1sh1ro/coopfuzz/internal/config"
	"github.com/1sh1ro/coopfuzz/internal/engine"
)

func main() {
	cmd := config.NewCommand(run)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "coopfuzz:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps usage errors (a missing required flag or target argument,
// mutually exclusive flags) to exit code 1 and everything else to a generic
// nonzero fatal exit, per spec §6's "Exit code 0 on clean stop, 1 on usage,
// nonzero on fatal."
func exitCode(err error) int {
	msg := err.Error()
	if strings.Contains(msg, "required") || strings.Contains(msg, "requires at least") ||
		strings.Contains(msg, "mutually exclusive") {
		return 1
	}
	return 2
}

func run(cfg *config.Config, targetArgv []string) error {
	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	f, err := engine.New(cfg, log)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Start(); err != nil {
		return err
	}

	cmdline := strings.Join(targetArgv, " ")
	if err := f.RefreshStats(cmdline); err != nil {
		log.Warn("initial stats refresh failed", zap.Error(err))
	}

	log.Info("coopfuzz run starting",
		zap.String("target", cfg.TargetPath),
		zap.String("out", cfg.OutDir),
		zap.String("fuzzer_id", cfg.FuzzerID),
		zap.Bool("dumb_mode", cfg.DumbMode),
	)

	if err := f.Run(context.Background(), cmdline); err != nil {
		return err
	}

	log.Info("coopfuzz stopping, goodbye")
	return nil
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}
