// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package calibrate re-executes a freshly admitted input to establish
// checksum stability, mean execution time, and bitmap population, per spec
// §4.6.
package calibrate

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/1sh1ro/coopfuzz/internal/bitmap"
	"github.com/1sh1ro/coopfuzz/internal/forkserver"
)

// Cycles and CyclesLong are the calibration re-execution counts (CAL_CYCLES
// / CAL_CYCLES_LONG), used respectively for an ordinary new entry and one
// that is already suspected of variable behavior.
const (
	Cycles     = 8
	CyclesLong = 40
)

// ExecFunc runs the target once against the entry currently staged for
// calibration and returns its raw trace, classified outcome, and execution
// time in microseconds. Calibrate does not own execution; it is supplied by
// whatever already has a forkserver.Client wired to the current input
// (internal/engine).
type ExecFunc func() (trace *bitmap.Map, outcome forkserver.Outcome, execUs int64, err error)

// CheckNewBitsFunc reports has_new_bits-style novelty (0, 1, or 2, per spec
// §4.3) of one calibration cycle's trace against the same OK virgin map the
// admitting execution was already checked against. Calibrate does not own
// the virgin map; this is supplied by whatever does (internal/engine).
type CheckNewBitsFunc func(trace *bitmap.Map) int

// Result is what calibration established about an entry.
type Result struct {
	Skipped bool // dumb mode: calibration never runs

	Outcome     forkserver.Outcome // Hang, Crash, NoInstrumentation, NoBits, or OK
	Cksum       uint32             // 32-bit checksum of the final trace
	ExecUs      int64              // mean microseconds across the cycles run
	BitmapSize  int                // non-zero byte count of the final trace
	VarBehavior bool               // true if not every cycle produced the same checksum
}

// Run calibrates an entry, choosing CyclesLong over Cycles when
// suspectVariance is set (e.g. a prior calibration already saw instability),
// and skipping entirely in dumb mode, per spec §4.6.
//
// admissionNovelty is the has_new_bits result (0/1/2) already observed on
// the single execution that got this entry admitted, before calibration
// started. It seeds the novelty tally: re-running the identical bytes
// during this function's own checkNewBits calls will almost always report 0
// for edges already cleared at admission (bitmap.HasNewBits destructively
// clears what it observes), so without this seed an honestly novel entry
// would look un-novel the moment it reaches calibration. Only entries whose
// admitting execution reported no novelty (possible only under the
// permissive SaveIfInterestingJH policy, which admits regardless) start
// this at 0, letting calibration's own checks be the only remaining signal
// of whether they ever brought anything new. See spec §4.6 ("one that produces no novelty on a
// first-seen entry is reported as NoBits") and
// `_examples/original_source/afl-fuzz.c:2168`
// (`if (!dumb_mode && first_run && !fault && !new_bits) fault = FAULT_NOBITS;`).
func Run(exec ExecFunc, checkNewBits CheckNewBitsFunc, dumb bool, admissionNovelty int, suspectVariance bool) (Result, error) {
	if dumb {
		return Result{Skipped: true}, nil
	}
	cycles := Cycles
	if suspectVariance {
		cycles = CyclesLong
	}
	return run(exec, checkNewBits, cycles, admissionNovelty)
}

func run(exec ExecFunc, checkNewBits CheckNewBitsFunc, cycles int, admissionNovelty int) (Result, error) {
	cksums := make([]uint32, 0, cycles)
	var execUsSum int64
	var lastTrace *bitmap.Map
	maxNovelty := admissionNovelty

	for i := 0; i < cycles; i++ {
		trace, outcome, execUs, err := exec()
		if err != nil {
			return Result{}, fmt.Errorf("calibration cycle %d/%d: %w", i+1, cycles, err)
		}
		if outcome == forkserver.Hang || outcome == forkserver.Crash {
			return Result{Outcome: outcome}, nil
		}

		if checkNewBits != nil {
			if hnb := checkNewBits(trace); hnb > maxNovelty {
				maxNovelty = hnb
			}
		}

		execUsSum += execUs
		lastTrace = trace
		cksums = append(cksums, checksum32(trace))
	}

	varBehavior := false
	for _, c := range cksums[1:] {
		if c != cksums[0] {
			varBehavior = true
			break
		}
	}

	bitmapSize := bitmap.CountBytes(lastTrace)
	if bitmapSize == 0 {
		return Result{Outcome: forkserver.NoInstrumentation}, nil
	}

	outcome := forkserver.OK
	if maxNovelty == 0 {
		outcome = forkserver.NoBits
	}

	return Result{
		Outcome:     outcome,
		Cksum:       cksums[len(cksums)-1],
		ExecUs:      execUsSum / int64(cycles),
		BitmapSize:  bitmapSize,
		VarBehavior: varBehavior,
	}, nil
}

// checksum32 truncates an xxhash64 digest of the trace to 32 bits, matching
// the width of exec_cksum and the path checksum → frequency map's keys.
func checksum32(trace *bitmap.Map) uint32 {
	return uint32(xxhash.Sum64(trace[:]))
}
