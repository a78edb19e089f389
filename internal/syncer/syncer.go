// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package syncer implements the cooperative sync loop described in spec
// §4.7: once per outer cycle, walk sibling fuzzers' queue and crash
// directories inside a shared sync root, replay anything new through the
// execution engine, and advance a per-peer, per-subdirectory cursor so the
// same entry is never replayed twice.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"
)

// Subdirectories replayed from each peer, in order.
var Subdirs = []string{"queue", "crashes"}

// MaxSeedsPerCycle caps how many new entries are replayed from one peer's
// subdirectory in a single cycle (sync_max_seeds_per), bounding how much a
// single burst from one sibling can dominate a cycle.
const MaxSeedsPerCycle = 256

// MaxConcurrentReplays caps how many entries from one peer's subdirectory
// are read and replayed concurrently within a cycle.
const MaxConcurrentReplays = 4

// ReplayFunc executes data through the fork-server/classify/save_if_interesting
// pipeline exactly as a locally generated input would be. It is supplied by
// internal/engine, which alone owns the forkserver.Client, coverage state,
// and queue.
type ReplayFunc func(ctx context.Context, data []byte) error

// CursorStore is the subset of persist.Store the sync loop needs; kept as
// an interface so tests can use an in-memory fake instead of a real output
// directory.
type CursorStore interface {
	ReadSyncCursor(peer, subdir string) (uint32, error)
	WriteSyncCursor(peer, subdir string, cursor uint32) error
}

// Loop owns one sync root and replays new entries from every sibling
// fuzzer it finds there into a local ReplayFunc.
type Loop struct {
	root     string
	localID  string
	peerGlob string // prefix peer directory names must share to be considered siblings
	store    CursorStore
	replay   ReplayFunc
	log      *zap.Logger
}

// New builds a sync Loop rooted at syncRoot. localID is excluded from its
// own peer enumeration. peerPrefix restricts which sibling directories are
// considered (pass "" to consider every directory but localID).
func New(syncRoot, localID, peerPrefix string, store CursorStore, replay ReplayFunc, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{root: syncRoot, localID: localID, peerGlob: peerPrefix, store: store, replay: replay, log: log}
}

// Peers lists sibling fuzzer directories under the sync root: entries that
// are directories, are not the local id, and (if peerGlob is non-empty)
// share its prefix.
func (l *Loop) Peers() ([]string, error) {
	ents, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("list sync root %s: %w", l.root, err)
	}
	var peers []string
	for _, e := range ents {
		if !e.IsDir() || e.Name() == l.localID {
			continue
		}
		if l.peerGlob != "" && !strings.HasPrefix(e.Name(), l.peerGlob) {
			continue
		}
		peers = append(peers, e.Name())
	}
	sort.Strings(peers)
	return peers, nil
}

// RunCycle walks every peer once, replaying up to MaxSeedsPerCycle new
// entries from each of its queue/crashes subdirectories. Errors from an
// individual peer or entry are logged and do not abort the cycle for the
// remaining peers, matching spec §7's "cooperative" error class: missing
// or malformed peer state is logged and skipped, never fatal.
func (l *Loop) RunCycle(ctx context.Context) error {
	peers, err := l.Peers()
	if err != nil {
		return err
	}
	for _, peer := range peers {
		for _, subdir := range Subdirs {
			if err := l.syncOne(ctx, peer, subdir); err != nil {
				l.log.Warn("sync: peer subdirectory failed", zap.String("peer", peer),
					zap.String("subdir", subdir), zap.Error(err))
			}
		}
	}
	return nil
}

// syncOne replays new entries from exactly one peer's one subdirectory and
// advances its cursor, per spec §4.7 steps 1-5.
func (l *Loop) syncOne(ctx context.Context, peer, subdir string) error {
	dir := filepath.Join(l.root, peer, subdir)
	ents, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}

	minAccept, err := l.store.ReadSyncCursor(peer, subdir)
	if err != nil {
		return fmt.Errorf("read cursor for %s/%s: %w", peer, subdir, err)
	}

	type candidate struct {
		id   uint32
		name string
	}
	var candidates []candidate
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		id, ok := ParseID(e.Name())
		if !ok || uint32(id) < minAccept {
			continue
		}
		candidates = append(candidates, candidate{id: uint32(id), name: e.Name()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })
	if len(candidates) > MaxSeedsPerCycle {
		l.log.Info("sync: capping entries replayed this cycle", zap.String("peer", peer),
			zap.String("subdir", subdir), zap.Int("available", len(candidates)), zap.Int("cap", MaxSeedsPerCycle))
		candidates = candidates[:MaxSeedsPerCycle]
	}
	if len(candidates) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentReplays)
	maxID := minAccept
	for _, c := range candidates {
		c := c
		if c.id+1 > maxID {
			maxID = c.id + 1
		}
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(dir, c.name))
			if err != nil {
				l.log.Warn("sync: unreadable peer entry", zap.String("peer", peer),
					zap.String("name", c.name), zap.Error(err))
				return nil
			}
			if err := l.replay(gctx, data); err != nil {
				l.log.Warn("sync: replay failed", zap.String("peer", peer),
					zap.String("name", c.name), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("replay %s/%s: %w", peer, subdir, err)
	}

	// Cursor advancement is sequential and happens only after every
	// concurrent replay in this batch has completed, per spec §5's
	// per-peer-per-subdirectory ordering guarantee.
	return l.store.WriteSyncCursor(peer, subdir, maxID)
}

// ParseID extracts the numeric id from an "id:NNNNNNNN..." entry name, as
// produced by persist.QueueName/CrashName/HangName.
func ParseID(name string) (int, bool) {
	const prefix = "id:"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	rest := name[len(prefix):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	id, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return id, true
}
