// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package coverage holds the run-wide coverage state: the three virgin-bits
// maps that drive novelty detection, and the two global arrays (max_hit,
// accu_hits) the scorer compares every trace against. See spec §3 and §4.4.
package coverage

import (
	"sync"

	"github.com/1sh1ro/coopfuzz/internal/bitmap"
)

// AccuCap is the saturation ceiling for accu_hits.
const AccuCap = 1024

// VirginSet is the three independent virgin-bits maps: one for OK
// executions, one for hangs, one for crashes. All three start all-ones and
// only ever clear bits.
type VirginSet struct {
	OK    *bitmap.Map
	Hang  *bitmap.Map
	Crash *bitmap.Map
}

// NewVirginSet returns a VirginSet in its initial, all-ones state.
func NewVirginSet() *VirginSet {
	return &VirginSet{
		OK:    bitmap.NewVirgin(),
		Hang:  bitmap.NewVirgin(),
		Crash: bitmap.NewVirgin(),
	}
}

// SeedOK ANDs a previously saved fuzz_bitmap snapshot into the OK virgin
// map, so edges recorded in a prior run don't appear novel again. This is
// the `-B`/`read_bitmap` path; persist owns reading the snapshot file, this
// just applies it.
func (v *VirginSet) SeedOK(snapshot *bitmap.Map) {
	for i := range v.OK {
		v.OK[i] &= snapshot[i]
	}
}

// CheckOK reports novelty of a classified trace (see bitmap.ClassifyCounts)
// against the OK virgin map, clearing what it finds.
func (v *VirginSet) CheckOK(classified *bitmap.Map) int {
	return bitmap.HasNewBits(classified, v.OK)
}

// CheckHang reports novelty of a simplified trace (see bitmap.SimplifyTrace)
// against the hang virgin map.
func (v *VirginSet) CheckHang(simplified *bitmap.Map) int {
	return bitmap.HasNewBits(simplified, v.Hang)
}

// CheckCrash reports novelty of a simplified trace against the crash
// virgin map.
func (v *VirginSet) CheckCrash(simplified *bitmap.Map) int {
	return bitmap.HasNewBits(simplified, v.Crash)
}

// Density returns the percentage (0-100) of edges the OK virgin map has
// observed at least one bucket of, for the fuzzer_stats bitmap_cvg field.
func (v *VirginSet) Density() float64 {
	return float64(bitmap.CountNon255Bytes(v.OK)) / float64(bitmap.Size) * 100
}

// Score is the outcome of scoring one trace against the global maps: which
// level it belongs to (2 = new coverage, 9 = no new coverage but rare) and
// the score within that level.
type Score struct {
	Level int
	Value float64
}

// GlobalMaps tracks, per edge, the highest hit count ever seen (max_hit)
// and the saturating sum of hit counts (accu_hits), across every execution
// regardless of its own novelty outcome. Protected by a mutex because the
// sync loop replays peer contributions through a capped pool of concurrent
// goroutines (internal/syncer), all of which score against the same maps.
type GlobalMaps struct {
	mu       sync.Mutex
	maxHit   [bitmap.Size]int32
	accuHits [bitmap.Size]int32
}

// NewGlobalMaps returns an empty GlobalMaps.
func NewGlobalMaps() *GlobalMaps {
	return &GlobalMaps{}
}

// Score implements the §4.4 scoring walk: for every edge where the trace
// beats the recorded max, accumulate new-coverage score and raise the max;
// otherwise, while the edge's accumulator has headroom, add to it and (only
// while no coverage score has been found yet) accumulate a rareness score.
// The result always carries a level: 2 if any coverage score was found,
// else 9 with the rareness score. Every trace is scored, never rejected.
func (g *GlobalMaps) Score(trace *bitmap.Map) Score {
	g.mu.Lock()
	defer g.mu.Unlock()

	var covScore, rareness float64
	for i, t := range trace {
		if t == 0 {
			continue
		}
		tf := float64(t)
		if int32(t) > g.maxHit[i] {
			covScore += (tf - float64(g.maxHit[i])) / tf
			g.maxHit[i] = int32(t)
			continue
		}
		if g.accuHits[i] >= AccuCap {
			continue
		}
		g.accuHits[i] += int32(t)
		if g.accuHits[i] > AccuCap {
			g.accuHits[i] = AccuCap
		}
		if covScore == 0 {
			rareness += tf / float64(g.accuHits[i])
		}
	}

	if covScore > 0 {
		return Score{Level: 2, Value: covScore}
	}
	return Score{Level: 9, Value: rareness}
}

// MaxHit returns the recorded maximum hit count for edge i, for tests and
// diagnostics.
func (g *GlobalMaps) MaxHit(i int) int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxHit[i]
}

// AccuHit returns the recorded accumulated hit count for edge i.
func (g *GlobalMaps) AccuHit(i int) int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accuHits[i]
}
