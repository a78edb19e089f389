// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package engine ties the coverage & novelty subsystem, the execution
// engine, and the cooperative sync loop into a single run-scoped context
// (spec §9's "fuzzer context" value), equivalent in role to the reference
// implementation's process-wide statics: one Fuzzer owns the shared-memory
// region, the fork-server client, both admission policies named in spec
// Design Notes §9 (`save_if_interesting` and `save_if_interesting_JH`), the
// queue, the virgin/global coverage maps, and the output store, and is the
// thing signal handlers and the sync loop act through.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/1sh1ro/coopfuzz/internal/bitmap"
	"github.com/1sh1ro/coopfuzz/internal/calibrate"
	"github.com/1sh1ro/coopfuzz/internal/config"
	"github.com/1sh1ro/coopfuzz/internal/coverage"
	"github.com/1sh1ro/coopfuzz/internal/forkserver"
	"github.com/1sh1ro/coopfuzz/internal/lifecycle"
	"github.com/1sh1ro/coopfuzz/internal/persist"
	"github.com/1sh1ro/coopfuzz/internal/queue"
	"github.com/1sh1ro/coopfuzz/internal/shm"
	"github.com/1sh1ro/coopfuzz/internal/syncer"
)

// SyncInterval is how often Run drives one cooperative sync cycle plus the
// queue culling and stats/plot refresh that follow it.
const SyncInterval = 1 * time.Second

// Fuzzer is the run-scoped context described in spec Design Notes §9. It
// replaces the reference implementation's process-wide statics with fields
// of one value whose lifetime equals the run.
type Fuzzer struct {
	cfg *config.Config
	log *zap.Logger

	lc     *lifecycle.State
	region *shm.Region
	client *forkserver.Client
	store  *persist.Store

	virgin *coverage.VirginSet
	global *coverage.GlobalMaps
	q      *queue.Queue
	sync   *syncer.Loop

	inputPath string

	// execMu serializes the one genuinely shared resource named in spec §5:
	// the coverage shared-memory region, written by the child and read by
	// the parent only after its exit status has been received. The sync
	// loop's errgroup-based concurrent replay (internal/syncer) reads peer
	// files concurrently but must still funnel actual executions through
	// one at a time; this mutex is that funnel, keeping the fork-server
	// client's documented single-threaded contract intact even though
	// callers may be concurrent goroutines.
	execMu chan struct{}

	startTime      int64
	firstCrashTime int64
	lastCrashTime  int64
	cyclesDone     int64
	totalHangs     int64
	totalCrashes   int64
	pathsFound     int64
	pathsImported  int64
	crashID        int64
	hangID         int64

	// calibrateFn defaults to calibrateEntry (the real re-execution loop)
	// and is overridden in tests that exercise admit() without a live
	// fork-server target. admissionNovelty is the has_new_bits result
	// already observed by admit() on the execution that got this entry
	// admitted in the first place; see calibrate.Run's doc comment for why
	// calibration needs it.
	calibrateFn func(data []byte, admissionNovelty int, suspectVariance bool) (calibrate.Result, error)
}

// New builds a Fuzzer from a resolved Config: it allocates the coverage
// shared-memory region (§4.1), opens the output directory (§3, §6), and
// constructs the coverage/queue/sync state. The fork server itself is not
// started yet; call Start for that.
func New(cfg *config.Config, log *zap.Logger) (*Fuzzer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lc := lifecycle.New()

	region, err := shm.Allocate()
	if err != nil {
		lc.Shutdown()
		return nil, fmt.Errorf("allocate coverage shared memory: %w", err)
	}
	lc.OnCleanup(func() {
		region.Detach()
		region.Destroy()
	})

	store, err := persist.Open(cfg.OutDir, log)
	if err != nil {
		lc.Shutdown()
		return nil, err
	}
	lc.OnCleanup(func() { store.Close() })

	virgin := coverage.NewVirginSet()
	if cfg.BitmapSeedFile != "" {
		seed, err := persist.LoadBitmapSeed(cfg.BitmapSeedFile)
		if err != nil {
			lc.Shutdown()
			return nil, err
		}
		virgin.SeedOK(seed)
	}

	inputPath := cfg.InputFile
	if inputPath == "" {
		inputPath = filepath.Join(store.Root(), persist.CurInputFile)
	}

	fcfg := forkserver.Config{
		TargetPath:       cfg.TargetPath,
		Argv:             config.RewriteArgv(cfg.TargetArgv[1:], inputPath),
		ExecTimeout:      time.Duration(cfg.ExecTimeoutMS) * time.Millisecond,
		MemLimitMB:       cfg.MemLimitMB,
		Dumb:             cfg.DumbMode,
		NoForkserver:     cfg.NoForkserver,
		CrashExploration: cfg.CrashExploration,
		InputFile:        inputPath,
	}
	if cfg.ASANOptions != "" {
		fcfg.Env = append(fcfg.Env, "ASAN_OPTIONS="+cfg.ASANOptions)
		fcfg.UsesASAN = true
	}
	if cfg.MSANOptions != "" {
		fcfg.Env = append(fcfg.Env, "MSAN_OPTIONS="+cfg.MSANOptions)
	}

	f := &Fuzzer{
		cfg:       cfg,
		log:       log,
		lc:        lc,
		region:    region,
		client:    forkserver.New(fcfg, region, lc),
		store:     store,
		virgin:    virgin,
		global:    coverage.NewGlobalMaps(),
		q:         queue.New(),
		inputPath: inputPath,
		execMu:    make(chan struct{}, 1),
	}
	f.execMu <- struct{}{}
	f.calibrateFn = f.calibrateEntry

	if cfg.SyncRoot != "" {
		f.sync = syncer.New(cfg.SyncRoot, cfg.FuzzerID, "", store, f.replayFromSync, log)
	}
	return f, nil
}

// Start performs the fork-server handshake (a no-op in dumb mode) and seeds
// the queue from the initial corpus directory, if one was given.
func (f *Fuzzer) Start() error {
	f.startTime = time.Now().Unix()
	if err := f.client.Start(); err != nil {
		return err
	}
	if f.cfg.InputDir != "" {
		if err := f.LoadSeeds(f.cfg.InputDir); err != nil {
			return err
		}
	}
	return nil
}

// Close runs every registered cleanup handler (shared memory detach and
// destroy, output directory unlock, fork-server teardown), per spec §4.8's
// shutdown path.
func (f *Fuzzer) Close() {
	f.lc.Shutdown()
}

// Lifecycle exposes the shared signal/stop state so cmd/coopfuzz can wire a
// signal-aware context around Run without reaching into engine internals.
func (f *Fuzzer) Lifecycle() *lifecycle.State { return f.lc }

// execResult is one completed execution: the outcome, a private copy of the
// raw (unclassified) trace, and the wall-clock microseconds it took. The
// region's map is reused on every execution, so every caller that needs to
// keep looking at a trace after the next RunTarget call must hold a copy,
// never the region's backing array.
type execResult struct {
	outcome    forkserver.Outcome
	raw        bitmap.Map
	execUs     int64
	killSignal int
}

// execute writes data to the current input channel and drives one execution
// through the fork-server client, serialized against every other caller by
// execMu (see its doc comment).
func (f *Fuzzer) execute(data []byte) (execResult, error) {
	<-f.execMu
	defer func() { f.execMu <- struct{}{} }()

	if err := os.WriteFile(f.inputPath, data, 0644); err != nil {
		return execResult{}, fmt.Errorf("write current input: %w", err)
	}
	if err := f.store.WriteCurInput(data); err != nil {
		f.log.Warn("failed to refresh .cur_input", zap.Error(err))
	}

	res, err := f.client.RunTarget(bytes.NewReader(data))
	if err != nil {
		return execResult{}, err
	}
	return execResult{outcome: res.Outcome, raw: *f.region.Map, execUs: res.ExecUs, killSignal: res.KillSignal}, nil
}

// calibrateEntry re-runs calibrate.Run against the same bytes that were just
// admitted, binding its ExecFunc to another pass through execute so
// calibration observes the real fork-server path rather than a cached
// trace, and its CheckNewBitsFunc to the same OK virgin map admit() already
// checked against, so calibration can independently report NoBits per spec
// §4.6.
func (f *Fuzzer) calibrateEntry(data []byte, admissionNovelty int, suspectVariance bool) (calibrate.Result, error) {
	return calibrate.Run(func() (*bitmap.Map, forkserver.Outcome, int64, error) {
		r, err := f.execute(data)
		if err != nil {
			return nil, 0, 0, err
		}
		return &r.raw, r.outcome, r.execUs, nil
	}, func(trace *bitmap.Map) int {
		classified := *trace
		bitmap.ClassifyCounts(&classified)
		return f.virgin.CheckOK(&classified)
	}, f.cfg.DumbMode, admissionNovelty, suspectVariance)
}

// admitOutcome is shared between SaveIfInteresting and SaveIfInterestingJH:
// it routes a Hang/Crash/ExecError/NoInstrumentation execution to the right
// side effect (persist to hangs/ or <out>-crashes/queue/, or just count it)
// and reports whether the caller should go on to consider this an OK trace.
func (f *Fuzzer) admitOutcome(data []byte, res execResult) (isOK bool, err error) {
	switch res.outcome {
	case forkserver.Hang:
		atomic.AddInt64(&f.totalHangs, 1)
		simplified := res.raw
		bitmap.SimplifyTrace(&simplified)
		if f.virgin.CheckHang(&simplified) != 0 {
			id := atomic.AddInt64(&f.hangID, 1) - 1
			name := persist.HangName(int(id), "sync")
			if _, err := f.store.SaveHang(name, data); err != nil {
				return false, err
			}
		}
		return false, nil
	case forkserver.Crash:
		atomic.AddInt64(&f.totalCrashes, 1)
		now := time.Now().Unix()
		atomic.CompareAndSwapInt64(&f.firstCrashTime, 0, now)
		atomic.StoreInt64(&f.lastCrashTime, now)
		simplified := res.raw
		bitmap.SimplifyTrace(&simplified)
		if f.virgin.CheckCrash(&simplified) != 0 {
			id := atomic.AddInt64(&f.crashID, 1) - 1
			name := persist.CrashName(int(id), res.killSignal)
			if _, err := f.store.SaveCrash(name, data); err != nil {
				return false, err
			}
		}
		return false, nil
	case forkserver.ExecError, forkserver.NoInstrumentation:
		return false, nil
	default:
		return true, nil
	}
}

// SaveIfInteresting implements the stricter of spec Design Notes §9's two
// divergent admission policies: a new entry is only added to the queue when
// HasNewBits against the OK virgin map reports novelty (a new edge or a new
// hit-count bucket). LoadSeeds is the one production caller, applying this
// policy to the operator-supplied initial seed corpus.
func (f *Fuzzer) SaveIfInteresting(data []byte) (*queue.Entry, forkserver.Outcome, error) {
	return f.saveIfInteresting(data, true)
}

// SaveIfInterestingJH implements the permissive admission policy named in
// spec Design Notes §9: every OK execution is scored and kept regardless of
// novelty (matching spec §4.4's "every input is kept — there is no
// rejection for being uninteresting"). This is the policy the sync loop
// uses, since a sibling fuzzer's contribution is presumed already triaged by
// its own pipeline.
func (f *Fuzzer) SaveIfInterestingJH(data []byte) (*queue.Entry, forkserver.Outcome, error) {
	return f.saveIfInteresting(data, false)
}

func (f *Fuzzer) saveIfInteresting(data []byte, requireNewBits bool) (*queue.Entry, forkserver.Outcome, error) {
	res, err := f.execute(data)
	if err != nil {
		return nil, 0, err
	}
	return f.admit(data, res, requireNewBits)
}

// admit is the shared decision core of both admission policies, taking an
// already-completed execResult so it can be exercised without driving a real
// fork-server execution: route Hang/Crash/ExecError/NoInstrumentation to
// their side effects, score an OK trace against the global maps, check
// novelty against the OK virgin map, and (if admitted) add a queue entry and
// calibrate it.
func (f *Fuzzer) admit(data []byte, res execResult, requireNewBits bool) (*queue.Entry, forkserver.Outcome, error) {
	isOK, err := f.admitOutcome(data, res)
	if err != nil {
		return nil, res.outcome, err
	}
	if !isOK {
		return nil, res.outcome, nil
	}

	classified := res.raw
	bitmap.ClassifyCounts(&classified)
	novelty := f.virgin.CheckOK(&classified)
	score := f.global.Score(&res.raw)

	if requireNewBits && novelty == 0 {
		return nil, forkserver.NoBits, nil
	}

	entry := f.q.AddToQueue("", len(data), !f.cfg.SkipDeterministic)
	entry.HasNewCov = novelty > 0
	entry.TraceMini = bitmap.Minimize(&res.raw)
	f.q.UpdateBitmapScore(entry.Index())

	name := persist.QueueName(entry.Index(), score.Value, score.Level)
	path, err := f.store.SaveQueueEntry(name, data)
	if err != nil {
		return entry, res.outcome, err
	}
	entry.Path = path

	if requireNewBits {
		atomic.AddInt64(&f.pathsFound, 1)
	} else {
		atomic.AddInt64(&f.pathsImported, 1)
	}

	cal, err := f.calibrateFn(data, novelty, false)
	if err != nil {
		return entry, res.outcome, fmt.Errorf("calibrate %s: %w", entry.Path, err)
	}
	if cal.Outcome == forkserver.Hang || cal.Outcome == forkserver.Crash {
		// Calibration itself reproduced a hang/crash instead of a stable OK
		// trace; admitOutcome already persisted it on the run that found it,
		// so here we only record that the entry could not be calibrated.
		return entry, cal.Outcome, nil
	}
	entry.Calibrated = cal.Outcome == forkserver.OK
	entry.ExecCksum = cal.Cksum
	entry.ExecUs = cal.ExecUs
	entry.BitmapSize = cal.BitmapSize
	entry.VarBehavior = cal.VarBehavior
	f.q.RecordChecksum(cal.Cksum)
	if cal.VarBehavior {
		if err := f.store.MarkVariableBehavior(entry.Path); err != nil {
			f.log.Warn("failed to mark variable-behavior entry", zap.String("path", entry.Path), zap.Error(err))
		}
	}

	return entry, res.outcome, nil
}

// LoadSeeds admits every regular file in dir through the strict admission
// policy, establishing the initial queue before any sync cycle runs.
// Loading uses SaveIfInteresting deliberately: an operator-supplied seed
// corpus is not presumed pre-triaged the way a sibling fuzzer's sync
// contribution is, so each seed earns its place by actually exercising new
// coverage, same as any input discovered by this fuzzer's own mutation.
func (f *Fuzzer) LoadSeeds(dir string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read seed corpus %s: %w", dir, err)
	}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			f.log.Warn("skipping unreadable seed", zap.String("name", e.Name()), zap.Error(err))
			continue
		}
		if _, _, err := f.SaveIfInteresting(data); err != nil {
			return fmt.Errorf("seed %s: %w", e.Name(), err)
		}
	}
	return nil
}

// replayFromSync is the syncer.ReplayFunc bound to this Fuzzer: every peer
// contribution goes through the permissive admission policy, per spec
// Design Notes §9 ("the dispatcher calls [save_if_interesting_JH] from the
// sync loop").
func (f *Fuzzer) replayFromSync(ctx context.Context, data []byte) error {
	if f.lc.StopSoon() {
		return nil
	}
	_, _, err := f.SaveIfInterestingJH(data)
	return err
}

// Cull runs the favored-set pass (spec §4.5) and refreshes the on-disk
// favored_edges/redundant_edges marker directories to match.
func (f *Fuzzer) Cull() {
	f.q.Cull()
	for i := 0; i < f.q.Len(); i++ {
		e := f.q.At(i)
		if e.Path == "" {
			continue
		}
		var err error
		if e.Favored {
			err = f.store.MarkFavored(e.Path)
		} else if e.Redundant {
			err = f.store.MarkRedundant(e.Path)
		}
		if err != nil {
			f.log.Warn("failed to refresh cull marker", zap.String("path", e.Path), zap.Error(err))
		}
	}
}

// RunSyncCycle drives one cooperative sync cycle (spec §4.7), a no-op if no
// sync root was configured.
func (f *Fuzzer) RunSyncCycle(ctx context.Context) error {
	if f.sync == nil {
		return nil
	}
	if err := f.sync.RunCycle(ctx); err != nil {
		return err
	}
	atomic.AddInt64(&f.cyclesDone, 1)
	return nil
}

// snapshotStats assembles the current fuzzer_stats fields from the engine's
// live state, per spec §6.
func (f *Fuzzer) snapshotStats(cmdline string) persist.Stats {
	return persist.Stats{
		StartTime:      f.startTime,
		LastUpdate:     time.Now().Unix(),
		FuzzerPID:      os.Getpid(),
		FirstCrashTime: atomic.LoadInt64(&f.firstCrashTime),
		LastCrashTime:  atomic.LoadInt64(&f.lastCrashTime),
		CyclesDone:     atomic.LoadInt64(&f.cyclesDone),
		ExecsDone:      int64(f.client.TotalExecs()),
		PathsTotal:     f.q.Len(),
		PathsFound:     int(atomic.LoadInt64(&f.pathsFound)),
		PathsImported:  int(atomic.LoadInt64(&f.pathsImported)),
		MaxDepth:       f.q.MaxDepth(),
		CurPath:        0,
		PendingFavs:    f.q.PendingFavored(),
		PendingTotal:   f.q.Len(),
		VariablePaths:  f.q.VariableCount(),
		BitmapCvg:      f.virgin.Density(),
		UniqueCrashes:  int(atomic.LoadInt64(&f.totalCrashes)),
		UniqueHangs:    int(atomic.LoadInt64(&f.totalHangs)),
		SyncTimes:      atomic.LoadInt64(&f.cyclesDone),
		Banner:         f.cfg.Banner,
		Version:        "coopfuzz",
		CommandLine:    cmdline,
	}
}

// RefreshStats rewrites fuzzer_stats and appends one plot_data row.
func (f *Fuzzer) RefreshStats(cmdline string) error {
	st := f.snapshotStats(cmdline)
	if err := f.store.WriteStats(st); err != nil {
		return err
	}
	return f.store.AppendPlotPoint(persist.PlotRow{
		UnixTime:      st.LastUpdate,
		CyclesDone:    st.CyclesDone,
		CurPath:       st.CurPath,
		PathsTotal:    st.PathsTotal,
		PendingTotal:  st.PendingTotal,
		PendingFavs:   st.PendingFavs,
		BitmapCvg:     st.BitmapCvg,
		UniqueCrashes: st.UniqueCrashes,
		UniqueHangs:   st.UniqueHangs,
		MaxDepth:      st.MaxDepth,
		ExecsPerSec:   execsPerSec(f.startTime, st.ExecsDone),
	})
}

func execsPerSec(startUnix, execs int64) float64 {
	elapsed := time.Since(time.Unix(startUnix, 0)).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(execs) / elapsed
}

// Run is the outer cooperative loop (spec §4.7/§5): once per SyncInterval,
// drive a sync cycle, re-cull the favored set, and refresh fuzzer_stats and
// plot_data, until stop_soon is set by a signal or the caller's context is
// cancelled.
func (f *Fuzzer) Run(ctx context.Context, cmdline string) error {
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if f.lc.StopSoon() {
				return nil
			}
			if err := f.RunSyncCycle(ctx); err != nil {
				f.log.Warn("sync cycle failed", zap.Error(err))
			}
			f.Cull()
			if err := f.RefreshStats(cmdline); err != nil {
				f.log.Warn("failed to refresh stats", zap.Error(err))
			}
			if err := f.store.SaveBitmapSnapshot(f.virgin.OK); err != nil {
				f.log.Warn("failed to snapshot fuzz_bitmap", zap.Error(err))
			}
			if f.lc.StopSoon() {
				return nil
			}
		}
	}
}
