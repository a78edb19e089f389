// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package shm manages the shared-memory region through which the
// instrumented target reports edge coverage back to the engine. The region
// is allocated with a Sys V shmget/shmat pair (there is no portable stdlib
// equivalent), attached into this process, and published to the child
// through an environment variable of a well-known name.
package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/1sh1ro/coopfuzz/internal/bitmap"
)

// EnvVar is the name of the environment variable through which the shared
// memory segment id is published to the target (SHM_ENV_VAR).
const EnvVar = "__AFL_SHM_ID"

// Region is an attached Sys V shared-memory segment sized to hold one
// coverage bitmap.Map. Detach must be called on every exit path; Region
// itself never calls it implicitly, so the owner is expected to register it
// with the lifecycle package's cleanup handlers.
type Region struct {
	id   int
	addr uintptr
	Map  *bitmap.Map
}

// Allocate creates a new private Sys V shared-memory segment sized for one
// coverage map, attaches it into this process, and returns the Region.
func Allocate() (*Region, error) {
	id, _, errno := unix.Syscall(unix.SYS_SHMGET, unix.IPC_PRIVATE, uintptr(bitmap.Size),
		unix.IPC_CREAT|unix.IPC_EXCL|0600)
	if errno != 0 {
		return nil, fmt.Errorf("shmget failed: %w", errno)
	}

	addr, _, errno := unix.Syscall(unix.SYS_SHMAT, id, 0, 0)
	if errno != 0 {
		destroy(int(id))
		return nil, fmt.Errorf("shmat failed: %w", errno)
	}

	r := &Region{
		id:   int(id),
		addr: addr,
		Map:  (*bitmap.Map)(unsafe.Pointer(addr)), //nolint:govet // Sys V shm, not GC-managed memory
	}
	return r, nil
}

// ID returns the Sys V shared memory identifier, to be published through
// EnvVar for the child to attach to.
func (r *Region) ID() int {
	return r.id
}

// Zero clears the coverage map. The actual ordering guarantee (the target
// must not start running before the clear lands, and we must not read the
// map before the target's exit status has) comes from the control/status
// pipe syscalls that bracket every exec in the forkserver package: a
// syscall is opaque to the compiler, so it cannot hoist the read above the
// write or sink the write below it. No explicit fence is needed here.
func (r *Region) Zero() {
	*r.Map = bitmap.Map{}
}

// Detach detaches the segment from this process's address space. It does
// not remove the segment itself; call Destroy for that (normally only the
// allocating process should do both, at shutdown).
func (r *Region) Detach() error {
	if r.addr == 0 {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_SHMDT, r.addr, 0, 0)
	r.addr = 0
	if errno != 0 {
		return fmt.Errorf("shmdt failed: %w", errno)
	}
	return nil
}

// Destroy marks the segment for removal (IPC_RMID). Safe to call after
// Detach; this is the cleanup-handler action registered at startup per
// spec §4.1.
func (r *Region) Destroy() error {
	return destroy(r.id)
}

func destroy(id int) error {
	_, _, errno := unix.Syscall(unix.SYS_SHMCTL, uintptr(id), unix.IPC_RMID, 0)
	if errno != 0 {
		return fmt.Errorf("shmctl(IPC_RMID) failed: %w", errno)
	}
	return nil
}
