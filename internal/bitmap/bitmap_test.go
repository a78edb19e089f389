// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package bitmap

import "testing"

func TestClassifyCountsIdempotent(t *testing.T) {
	var m Map
	m[10] = 37
	m[20] = 255
	ClassifyCounts(&m)
	first := m
	ClassifyCounts(&m)
	if first != m {
		t.Fatalf("classify is not idempotent: %v vs %v", first, m)
	}
}

func TestClassifyCountsBuckets(t *testing.T) {
	cases := map[byte]byte{
		0: 0, 1: 1, 2: 2, 3: 4,
		4: 8, 7: 8,
		8: 16, 15: 16,
		16: 32, 31: 32,
		32: 64, 127: 64,
		128: 128, 255: 128,
	}
	for in, want := range cases {
		var m Map
		m[0] = in
		ClassifyCounts(&m)
		if m[0] != want {
			t.Errorf("classify(%d) = %d, want %d", in, m[0], want)
		}
	}
}

func TestHasNewBitsNewEdge(t *testing.T) {
	virgin := NewVirgin()
	var trace Map
	trace[42] = 1

	got := HasNewBits(&trace, virgin)
	if got != 2 {
		t.Fatalf("first sight of edge 42 returned %d, want 2", got)
	}
	if virgin[42] != 0xfe {
		t.Fatalf("virgin[42] = %#x, want 0xfe", virgin[42])
	}
}

func TestHasNewBitsRepeatedIsZero(t *testing.T) {
	virgin := NewVirgin()
	var trace Map
	trace[42] = 1

	if HasNewBits(&trace, virgin) == 0 {
		t.Fatal("first call unexpectedly reported no novelty")
	}
	if got := HasNewBits(&trace, virgin); got != 0 {
		t.Fatalf("second call with identical trace returned %d, want 0", got)
	}
}

func TestHasNewBitsNewBucketOnly(t *testing.T) {
	virgin := NewVirgin()
	var first Map
	first[5] = 1
	HasNewBits(&first, virgin)

	var second Map
	second[5] = 2
	if got := HasNewBits(&second, virgin); got != 1 {
		t.Fatalf("new bucket on known edge returned %d, want 1", got)
	}
}

func TestCountBytesAndNon255(t *testing.T) {
	var m Map
	m[0] = 1
	m[1] = 255
	if n := CountBytes(&m); n != 2 {
		t.Fatalf("CountBytes = %d, want 2", n)
	}

	virgin := NewVirgin()
	virgin[3] = 0
	if n := CountNon255Bytes(virgin); n != 1 {
		t.Fatalf("CountNon255Bytes = %d, want 1", n)
	}
}

func TestMinimizeAndBit(t *testing.T) {
	var trace Map
	trace[0] = 1
	trace[9] = 5
	mini := Minimize(&trace)
	if !mini.Bit(0) || !mini.Bit(9) {
		t.Fatal("expected bits 0 and 9 set")
	}
	if mini.Bit(1) {
		t.Fatal("bit 1 should be clear")
	}
}

func TestMiniSub(t *testing.T) {
	temp := Mini{}
	for i := range temp {
		temp[i] = 0xff
	}
	var trace Map
	trace[0] = 1
	trace[16] = 1
	mini := Minimize(&trace)
	mini.Sub(&temp)
	if temp.Bit(0) || temp.Bit(16) {
		t.Fatal("Sub should have cleared covered bits")
	}
	if !temp.Bit(1) {
		t.Fatal("Sub should not touch uncovered bits")
	}
}

func TestSimplifyTrace(t *testing.T) {
	var m Map
	m[0] = 0
	m[1] = 7
	SimplifyTrace(&m)
	if m[0] != 1 || m[1] != 0x80 {
		t.Fatalf("got %#x %#x, want 0x01 0x80", m[0], m[1])
	}
}
