// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package queue is the append-only corpus of surviving inputs, the
// top-rated table that tracks the cheapest entry covering each edge, and
// the greedy set-cover pass that selects the favored subset. See spec §3
// (Queue entry / Queue / Top-rated table) and §4.5.
package queue

import (
	"sync"

	"github.com/1sh1ro/coopfuzz/internal/bitmap"
)

// Entry is one surviving input and everything the scheduler and favored-set
// pass need to know about it.
type Entry struct {
	Path  string
	Len   int
	Depth int

	Calibrated  bool
	Trimmed     bool
	DetDone     bool
	HasNewCov   bool
	VarBehavior bool
	Favored     bool
	Redundant   bool // fs_redundant: not favored after the last cull

	BitmapSize int    // non-zero byte count of the calibrated trace
	FuzzLevel  int    // number of times this entry has been selected
	ExecCksum  uint32 // 32-bit checksum of the calibrated trace
	ExecUs     int64  // mean execution microseconds across calibration
	Handicap   int    // queue cycles missed before being added

	TraceMini *bitmap.Mini // set by the caller before UpdateBitmapScore; reset to nil once TCRef drops back to zero
	TCRef     int          // number of top-rated slots pointing at this entry

	index int // arena position; doubles as the "path_count" tie-break in
	// update_bitmap_score, since spec.md leaves path_count otherwise
	// undefined and the arena position is a stable, available substitute:
	// entries added earlier represent cheaper, already-triaged coverage.
}

// Index returns the entry's position in the owning Queue's arena.
func (e *Entry) Index() int { return e.index }

// Queue is the append-only, arena-backed sequence of queue entries plus the
// top-rated table over edges. Queue entries are never removed from the
// arena during a run (Design Notes §9: model them as arena indices instead
// of raw pointers, so freeing a top-rated slot is just decrementing a
// counter, never a dangling reference).
type Queue struct {
	mu       sync.Mutex
	entries  []*Entry
	current  int
	topRated [bitmap.Size]int // arena index, or -1 if the slot is empty

	checksumFreq map[uint32]int
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{checksumFreq: make(map[uint32]int)}
	for i := range q.topRated {
		q.topRated[i] = -1
	}
	return q
}

// AddToQueue appends a new entry, one depth level below the entry currently
// under examination, per spec §4.5 (`add_to_queue`).
func (q *Queue) AddToQueue(path string, length int, passedDet bool) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := 1
	if cur := q.currentLocked(); cur != nil {
		depth = cur.Depth + 1
	}
	e := &Entry{
		Path:    path,
		Len:     length,
		Depth:   depth,
		DetDone: passedDet,
		index:   len(q.entries),
	}
	q.entries = append(q.entries, e)
	return e
}

// Len returns the number of entries ever added.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// At returns the entry at arena position i.
func (q *Queue) At(i int) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries[i]
}

// Current returns the entry under examination this cycle, or nil for an
// empty queue.
func (q *Queue) Current() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentLocked()
}

func (q *Queue) currentLocked() *Entry {
	if q.current >= len(q.entries) {
		return nil
	}
	return q.entries[q.current]
}

// Advance moves `current` to the next entry, wrapping to the head once the
// tail is passed (one full "queue cycle").
func (q *Queue) Advance() (cycled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current++
	if q.current >= len(q.entries) {
		q.current = 0
		return true
	}
	return false
}

// RecordChecksum increments and returns the observation count for a trace
// checksum, for the path checksum → frequency map named in spec §3.
func (q *Queue) RecordChecksum(cksum uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checksumFreq[cksum]++
	return q.checksumFreq[cksum]
}

// ChecksumFrequency reports how many times a checksum has been observed,
// without incrementing it.
func (q *Queue) ChecksumFrequency(cksum uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checksumFreq[cksum]
}

// UpdateBitmapScore implements `update_bitmap_score`: for every edge the
// entry's compacted trace covers, the entry claims the top-rated slot if it
// beats the current holder on (FuzzLevel, ExecUs×Len, insertion order),
// compared lexicographically with lower considered better. An entry whose
// TraceMini is nil claims nothing; this method does not build TraceMini.
func (q *Queue) UpdateBitmapScore(idx int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entries[idx]
	if e.TraceMini == nil {
		return
	}
	for i := 0; i < bitmap.Size; i++ {
		if !e.TraceMini.Bit(i) {
			continue
		}
		cur := q.topRated[i]
		if cur != -1 && !betterCandidate(e, q.entries[cur]) {
			continue
		}
		if cur != -1 {
			holder := q.entries[cur]
			holder.TCRef--
			if holder.TCRef == 0 {
				holder.TraceMini = nil
			}
		}
		q.topRated[i] = idx
		e.TCRef++
	}
}

// betterCandidate implements the lexicographic comparison spec §4.5 names:
// (fuzz_level, path_count, exec_us×len), lower wins. spec.md leaves
// path_count otherwise undefined and its own worked example (§8 scenario 6)
// only differentiates entries by fuzz_level and exec_us×len, so path_count
// is folded into insertion order as the tie-break of last resort rather
// than a primary discriminator — see DESIGN.md.
func betterCandidate(a, b *Entry) bool {
	if a.FuzzLevel != b.FuzzLevel {
		return a.FuzzLevel < b.FuzzLevel
	}
	aCost, bCost := a.ExecUs*int64(a.Len), b.ExecUs*int64(b.Len)
	if aCost != bCost {
		return aCost < bCost
	}
	return a.index < b.index
}

// Cull implements `cull_queue`: the greedy set-cover pass over the
// top-rated table. It clears every Favored flag, then walks edges in order,
// marking the top-rated holder of the first uncovered edge as favored and
// subtracting its coverage from the working set, until every edge that has
// a top-rated holder is covered by some favored entry's trace. Entries left
// unfavored are marked Redundant.
func (q *Queue) Cull() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		e.Favored = false
		e.Redundant = false
	}

	var temp bitmap.Mini
	for i := range temp {
		temp[i] = 0xff
	}

	for i := 0; i < bitmap.Size; i++ {
		if !temp.Bit(i) {
			continue
		}
		idx := q.topRated[i]
		if idx == -1 {
			continue
		}
		e := q.entries[idx]
		if !e.Favored {
			e.Favored = true
		}
		e.TraceMini.Sub(&temp)
	}

	for _, e := range q.entries {
		if !e.Favored {
			e.Redundant = true
		}
	}
}

// PendingFavored counts favored entries that have never been selected for
// fuzzing. spec.md's Design Notes §9 flags the reference implementation's
// `!top_rated[i]->fuzz_level == 0` expression as almost certainly a
// precedence bug (it reduces to `fuzz_level != 0`, the opposite of "pending
// means never fuzzed"); this implements the evidently-intended
// `fuzz_level == 0` check instead.
func (q *Queue) PendingFavored() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.Favored && e.FuzzLevel == 0 {
			n++
		}
	}
	return n
}

// TopRated returns the arena index currently occupying edge i's top-rated
// slot, or -1 if the slot is empty.
func (q *Queue) TopRated(i int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.topRated[i]
}

// TCRefTotal sums every entry's TCRef, for the invariant check
// `Σ tc_ref == |{i : top_rated[i] ≠ ∅}|`.
func (q *Queue) TCRefTotal() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, e := range q.entries {
		total += e.TCRef
	}
	return total
}

// OccupiedSlots counts non-empty top-rated slots.
func (q *Queue) OccupiedSlots() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, idx := range q.topRated {
		if idx != -1 {
			n++
		}
	}
	return n
}

// MaxDepth returns the greatest Depth across every entry ever added, for
// fuzzer_stats' max_depth field.
func (q *Queue) MaxDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	max := 0
	for _, e := range q.entries {
		if e.Depth > max {
			max = e.Depth
		}
	}
	return max
}

// FavoredCount returns the number of entries currently marked favored,
// regardless of fuzz level.
func (q *Queue) FavoredCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.Favored {
			n++
		}
	}
	return n
}

// VariableCount returns the number of entries that exhibited variable
// behavior across calibration cycles, for fuzzer_stats' variable_paths
// field.
func (q *Queue) VariableCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.VarBehavior {
			n++
		}
	}
	return n
}
