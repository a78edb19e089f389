// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package queue

import (
	"testing"

	"github.com/1sh1ro/coopfuzz/internal/bitmap"
)

func miniCovering(edges ...int) *bitmap.Mini {
	var m bitmap.Map
	for _, e := range edges {
		m[e] = 1
	}
	return bitmap.Minimize(&m)
}

func TestAddToQueueDepth(t *testing.T) {
	q := New()
	a := q.AddToQueue("a", 10, true)
	if a.Depth != 1 {
		t.Fatalf("first entry depth = %d, want 1", a.Depth)
	}
	q.Advance()
	b := q.AddToQueue("b", 10, true)
	if b.Depth != a.Depth+1 {
		t.Fatalf("second entry depth = %d, want %d", b.Depth, a.Depth+1)
	}
}

// TestFavoredCullScenario is spec §8 scenario 6: A covers {1,2,3} at cost
// 10, B covers {3,4} at cost 5. Edge 3 should go to B (cheaper), leaving
// both A and B favored since each is the sole top-rated holder of at least
// one edge outside the other's coverage.
func TestFavoredCullScenario(t *testing.T) {
	q := New()
	a := q.AddToQueue("a", 1, true)
	a.ExecUs = 10
	a.TraceMini = miniCovering(1, 2, 3)

	b := q.AddToQueue("b", 1, true)
	b.ExecUs = 5
	b.TraceMini = miniCovering(3, 4)

	q.UpdateBitmapScore(a.Index())
	q.UpdateBitmapScore(b.Index())

	if got := q.TopRated(1); got != a.Index() {
		t.Fatalf("top_rated[1] = %d, want A (%d)", got, a.Index())
	}
	if got := q.TopRated(2); got != a.Index() {
		t.Fatalf("top_rated[2] = %d, want A (%d)", got, a.Index())
	}
	if got := q.TopRated(3); got != b.Index() {
		t.Fatalf("top_rated[3] = %d, want B (%d) since it is cheaper", got, b.Index())
	}
	if got := q.TopRated(4); got != b.Index() {
		t.Fatalf("top_rated[4] = %d, want B (%d)", got, b.Index())
	}

	q.Cull()
	if !a.Favored || !b.Favored {
		t.Fatalf("expected both A and B favored, got A=%v B=%v", a.Favored, b.Favored)
	}
	if a.Redundant || b.Redundant {
		t.Fatalf("favored entries must not be marked redundant")
	}
}

// TestFavoredCullRemovalLeavesOnlyA mirrors scenario 6's follow-up: with B
// no longer claiming any top-rated slot (simulated by clearing its
// TraceMini and re-running UpdateBitmapScore is not idempotent for
// removal, so instead we directly exercise the case where A alone covers
// every edge any top-rated slot references).
func TestFavoredCullRemovalLeavesOnlyA(t *testing.T) {
	q := New()
	a := q.AddToQueue("a", 1, true)
	a.ExecUs = 10
	a.TraceMini = miniCovering(1, 2, 3, 4)
	q.UpdateBitmapScore(a.Index())

	q.Cull()
	if !a.Favored {
		t.Fatal("A should be favored when it is the only top-rated holder")
	}
	if a.Redundant {
		t.Fatal("A should not be redundant")
	}
}

func TestCullInvariantNoEntryBothFavoredAndRedundant(t *testing.T) {
	q := New()
	a := q.AddToQueue("a", 1, true)
	a.TraceMini = miniCovering(0)
	q.UpdateBitmapScore(a.Index())

	b := q.AddToQueue("b", 1, true)
	b.TraceMini = miniCovering(1)
	q.UpdateBitmapScore(b.Index())

	c := q.AddToQueue("c", 1, true)
	c.TraceMini = miniCovering(0, 1) // redundant: both edges already claimed

	q.Cull()
	for _, e := range []*Entry{a, b, c} {
		if e.Favored && e.Redundant {
			t.Fatalf("entry %q is both favored and redundant", e.Path)
		}
	}
	if c.Favored {
		t.Fatal("C should not be favored: it holds no top-rated slot")
	}
	if !c.Redundant {
		t.Fatal("C should be redundant")
	}
}

func TestTCRefInvariant(t *testing.T) {
	q := New()
	a := q.AddToQueue("a", 1, true)
	a.TraceMini = miniCovering(0, 1, 2)
	q.UpdateBitmapScore(a.Index())

	if got, want := q.TCRefTotal(), q.OccupiedSlots(); got != want {
		t.Fatalf("Σ tc_ref = %d, occupied slots = %d, want equal", got, want)
	}

	b := q.AddToQueue("b", 1, true)
	b.ExecUs = -1 // force b to be considered cheaper than a on every edge
	b.TraceMini = miniCovering(0, 1)
	q.UpdateBitmapScore(b.Index())

	if got, want := q.TCRefTotal(), q.OccupiedSlots(); got != want {
		t.Fatalf("after a takeover, Σ tc_ref = %d, occupied slots = %d, want equal", got, want)
	}
	if a.TCRef != 1 {
		t.Fatalf("A should retain exactly one slot (edge 2), got TCRef=%d", a.TCRef)
	}
	if a.TraceMini == nil {
		t.Fatal("A's TraceMini should not be freed while TCRef > 0")
	}
}

func TestPendingFavoredCountsOnlyUnfuzzedFavored(t *testing.T) {
	q := New()
	a := q.AddToQueue("a", 1, true)
	a.TraceMini = miniCovering(0)
	q.UpdateBitmapScore(a.Index())

	b := q.AddToQueue("b", 1, true)
	b.TraceMini = miniCovering(1)
	b.FuzzLevel = 3 // already fuzzed
	q.UpdateBitmapScore(b.Index())

	q.Cull()
	if got := q.PendingFavored(); got != 1 {
		t.Fatalf("PendingFavored() = %d, want 1 (only A, never fuzzed)", got)
	}
}
