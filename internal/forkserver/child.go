// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package forkserver

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/1sh1ro/coopfuzz/internal/shm"
)

// defaultASANOptions and defaultMSANOptions mirror the options the upstream
// fork server exports so a sanitizer-built target aborts on the first
// detected error instead of printing a report and continuing.
const (
	defaultASANOptions = "abort_on_error=1:detect_leaks=0:malloc_context_size=0:" +
		"symbolize=0:allocator_may_return_null=1:handle_segv=0:handle_sigbus=0:" +
		"handle_abort=0:handle_sigfpe=0:handle_sigill=0"
	defaultMSANOptions = "exit_code=86:symbolize=0:abort_on_error=1:" +
		"allocator_may_return_null=1:msan_track_origins=0:handle_segv=0:" +
		"handle_sigbus=0:handle_abort=0:handle_sigfpe=0:handle_sigill=0"
)

// configureChild applies the environment and resource-limit setup common to
// every way the target is launched (fork-server bring-up, dumb-mode direct
// exec): it publishes the shared-memory id, injects sanitizer defaults and
// LD_BIND_NOW, and wraps the command in a shell prelude that applies
// RLIMIT_CORE (always zero) and RLIMIT_AS (when a memory cap is set) before
// handing off to the target. RLIMIT_NOFILE is not adjusted; the child
// inherits this process's open-file limit.
//
// The rlimit step exists only because os/exec has no pre-exec hook: in the
// original, arbitrary C runs between fork() and execve() to set limits in
// the child; here a `sh -c 'ulimit ...; exec "$@"'` wrapper plays that role.
func (c *Client) configureChild(cmd *exec.Cmd) error {
	env := append(os.Environ(), c.cfg.Env...)
	env = append(env,
		"LD_BIND_NOW=1",
		fmt.Sprintf("%s=%d", CtlFDEnvVar, ForkServerFD),
		fmt.Sprintf("%s=%d", StatusFDEnvVar, ForkServerFD+1),
		fmt.Sprintf("%s=%d", shm.EnvVar, c.region.ID()),
	)
	if !hasEnvPrefix(c.cfg.Env, "ASAN_OPTIONS=") {
		env = append(env, "ASAN_OPTIONS="+defaultASANOptions)
	}
	if !hasEnvPrefix(c.cfg.Env, "MSAN_OPTIONS=") {
		env = append(env, "MSAN_OPTIONS="+defaultMSANOptions)
	}
	cmd.Env = env

	path, err := exec.LookPath(cmd.Path)
	if err != nil {
		return fmt.Errorf("target %q not found: %w", cmd.Path, err)
	}

	shPath, err := exec.LookPath("sh")
	if err != nil {
		return fmt.Errorf("no shell available to apply resource limits: %w", err)
	}

	script := ulimitScript(c.cfg.MemLimitMB)
	argv := append([]string{shPath, "-c", script, "--", path}, cmd.Args[1:]...)
	cmd.Path = shPath
	cmd.Args = argv
	return nil
}

func ulimitScript(memLimitMB uint64) string {
	script := "ulimit -c 0; "
	if memLimitMB != 0 {
		kb := memLimitMB * 1024
		script += "ulimit -v " + strconv.FormatUint(kb, 10) + "; "
	}
	script += `exec "$@"`
	return script
}

func hasEnvPrefix(env []string, prefix string) bool {
	for _, e := range env {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
