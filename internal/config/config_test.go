// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempTarget(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestResolveRequiresOutDir(t *testing.T) {
	target := writeTempTarget(t)
	_, err := Resolve(resolveInput{TargetArgv: []string{target}})
	if err == nil {
		t.Fatal("expected an error when -o is missing")
	}
}

func TestResolveRejectsMasterAndSlaveTogether(t *testing.T) {
	target := writeTempTarget(t)
	_, err := Resolve(resolveInput{OutDir: t.TempDir(), MasterID: "a", SlaveID: "b", TargetArgv: []string{target}})
	if err == nil {
		t.Fatal("expected -M/-S mutual exclusion to be rejected")
	}
}

func TestResolveRequiresTargetArgv(t *testing.T) {
	_, err := Resolve(resolveInput{OutDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected an error when no target is given")
	}
}

func TestResolveDefaultsFuzzerIDAndBanner(t *testing.T) {
	target := writeTempTarget(t)
	cfg, err := Resolve(resolveInput{OutDir: t.TempDir(), Timeout: "1000", MemLimit: "none", TargetArgv: []string{target}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.FuzzerID == "" {
		t.Fatal("expected a generated fuzzer id")
	}
	if cfg.Banner == "" {
		t.Fatal("expected a generated banner")
	}
	if cfg.IsMaster || cfg.IsSlave {
		t.Fatal("neither -M nor -S was given")
	}
}

func TestResolveSlaveImpliesSkipDeterministic(t *testing.T) {
	target := writeTempTarget(t)
	cfg, err := Resolve(resolveInput{OutDir: t.TempDir(), SlaveID: "worker-2", Timeout: "1000", MemLimit: "none", TargetArgv: []string{target}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !cfg.IsSlave || !cfg.SkipDeterministic {
		t.Fatalf("expected IsSlave and SkipDeterministic both true, got %+v", cfg)
	}
}

func TestParseTimeoutAutoSuffix(t *testing.T) {
	ms, auto, err := parseTimeout("2000+")
	if err != nil {
		t.Fatalf("parseTimeout: %v", err)
	}
	if ms != 2000 || !auto {
		t.Fatalf("parseTimeout(\"2000+\") = (%d, %v), want (2000, true)", ms, auto)
	}
}

func TestParseTimeoutRejectsZero(t *testing.T) {
	if _, _, err := parseTimeout("0"); err == nil {
		t.Fatal("expected an error for a zero timeout")
	}
}

func TestParseMemLimitUnits(t *testing.T) {
	cases := []struct {
		in      string
		wantMB  uint64
		wantNone bool
	}{
		{"none", 0, true},
		{"200M", 200, false},
		{"2G", 2048, false},
		{"1T", 1024 * 1024, false},
		{"1024k", 1, false},
	}
	for _, c := range cases {
		mb, none, err := parseMemLimit(c.in)
		if err != nil {
			t.Fatalf("parseMemLimit(%q): %v", c.in, err)
		}
		if mb != c.wantMB || none != c.wantNone {
			t.Errorf("parseMemLimit(%q) = (%d, %v), want (%d, %v)", c.in, mb, none, c.wantMB, c.wantNone)
		}
	}
}

func TestRewriteArgvSubstitutesAtAt(t *testing.T) {
	got := RewriteArgv([]string{"target", "--input", "@@", "--verbose"}, "/tmp/cur_input")
	want := []string{"target", "--input", "/tmp/cur_input", "--verbose"}
	if len(got) != len(want) {
		t.Fatalf("RewriteArgv length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("RewriteArgv[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRewriteArgvLeavesOthersUntouched(t *testing.T) {
	got := RewriteArgv([]string{"target", "-f", "fixed.bin"}, "/tmp/cur_input")
	if got[2] != "fixed.bin" {
		t.Fatalf("RewriteArgv should not touch non-@@ args, got %q", got[2])
	}
}

func TestResolveMakesOutDirAndInputFileAbsolute(t *testing.T) {
	target := writeTempTarget(t)
	dir := t.TempDir()
	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(oldwd) })

	if err := os.Mkdir("out", 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile("cur_input", nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Resolve(resolveInput{
		OutDir:     "out",
		InputFile:  "cur_input",
		Timeout:    "1000",
		MemLimit:   "none",
		TargetArgv: []string{target},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !filepath.IsAbs(cfg.OutDir) {
		t.Fatalf("OutDir = %q, want an absolute path", cfg.OutDir)
	}
	if !filepath.IsAbs(cfg.InputFile) {
		t.Fatalf("InputFile = %q, want an absolute path", cfg.InputFile)
	}
	wantOutDir := filepath.Join(dir, "out")
	if cfg.OutDir != wantOutDir {
		t.Fatalf("OutDir = %q, want %q", cfg.OutDir, wantOutDir)
	}
}

func TestResolveLeavesEmptyInputFileEmpty(t *testing.T) {
	target := writeTempTarget(t)
	cfg, err := Resolve(resolveInput{OutDir: t.TempDir(), Timeout: "1000", MemLimit: "none", TargetArgv: []string{target}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.InputFile != "" {
		t.Fatalf("InputFile = %q, want empty when -f was not given", cfg.InputFile)
	}
}
