// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package persist owns the on-disk output directory: its fixed layout,
// advisory locking against a second instance, on-disk naming conventions
// for queue/hang/crash entries, the fuzzer_stats and plot_data files, and
// -B bitmap snapshot seeding. See spec §3, §4.1, and §6.
package persist

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/1sh1ro/coopfuzz/internal/bitmap"
)

// Layout of the output directory, per spec §6.
const (
	DirQueue             = "queue"
	DirQueueState        = "queue/.state"
	DirDeterministicDone = "queue/.state/deterministic_done"
	DirAutoExtras        = "queue/.state/auto_extras"
	DirRedundantEdges    = "queue/.state/redundant_edges"
	DirFavoredEdges      = "queue/.state/favored_edges"
	DirVariableBehavior  = "queue/.state/variable_behavior"
	DirHangs             = "hangs"
	DirSynced            = ".synced"

	CurInputFile     = ".cur_input"
	CurCodeBlockInfo = ".cur_code_block_info"
	FuzzBitmapFile   = "fuzz_bitmap"
	FuzzerStatsFile  = "fuzzer_stats"
	PlotDataFile     = "plot_data"
	QemuLogFile      = "qemu_log"
	lockFile         = ".lock"
)

var outputSubdirs = []string{
	DirQueue, DirQueueState, DirDeterministicDone, DirAutoExtras,
	DirRedundantEdges, DirFavoredEdges, DirVariableBehavior, DirHangs, DirSynced,
}

// Store owns one output directory (and its sibling crash directory) for
// the lifetime of the process.
type Store struct {
	root      string
	crashRoot string

	lock *flock.Flock

	mu       sync.Mutex
	plot     *bufio.Writer
	plotFile *os.File

	log *zap.Logger
}

// Open creates (if needed) the output directory layout rooted at outDir,
// takes an advisory lock on it so a second instance cannot share it, and
// opens plot_data for appending. The sibling crash directory is
// outDir+"-crashes", matching spec §6's `<out>-crashes/queue/` path.
func Open(outDir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, d := range outputSubdirs {
		if err := os.MkdirAll(filepath.Join(outDir, d), 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	crashRoot := outDir + "-crashes"
	if err := os.MkdirAll(filepath.Join(crashRoot, DirQueue), 0755); err != nil {
		return nil, fmt.Errorf("create crash queue dir: %w", err)
	}

	l := flock.New(filepath.Join(outDir, lockFile))
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock output directory %q: %w", outDir, err)
	}
	if !locked {
		return nil, fmt.Errorf("output directory %q is locked by another instance", outDir)
	}

	plotFile, err := os.OpenFile(filepath.Join(outDir, PlotDataFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.Unlock()
		return nil, fmt.Errorf("open plot_data: %w", err)
	}
	if info, statErr := plotFile.Stat(); statErr == nil && info.Size() == 0 {
		fmt.Fprintln(plotFile, "unix_time, cycles_done, cur_path, paths_total, "+
			"pending_total, pending_favs, bitmap_cvg, unique_crashes, unique_hangs, max_depth, execs_per_sec")
	}

	return &Store{
		root:      outDir,
		crashRoot: crashRoot,
		lock:      l,
		plot:      bufio.NewWriter(plotFile),
		plotFile:  plotFile,
		log:       log,
	}, nil
}

// Close flushes and closes plot_data and releases the output directory
// lock. Registered as a lifecycle cleanup handler so it runs on every exit
// path.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.plot != nil {
		if flushErr := s.plot.Flush(); flushErr != nil {
			err = flushErr
		}
	}
	if s.plotFile != nil {
		s.plotFile.Close()
	}
	if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// Root returns the output directory path.
func (s *Store) Root() string { return s.root }

// QueueName builds the on-disk name for a surviving input, id:NNNNNN_<score>_<level>.
func QueueName(id int, score float64, level int) string {
	return fmt.Sprintf("id:%06d_%.0f_%d", id, score, level)
}

// CrashName builds the on-disk name for a crashing input, sig:<N> appended.
func CrashName(id int, sig int) string {
	return fmt.Sprintf("id:%06d_sig:%02d", id, sig)
}

// HangName builds the on-disk name for a timing-out input.
func HangName(id int, op string) string {
	return fmt.Sprintf("id:%06d,%s", id, op)
}

// SaveQueueEntry writes data under queue/<name> and returns the absolute
// path, becoming the new queue entry's Path.
func (s *Store) SaveQueueEntry(name string, data []byte) (string, error) {
	return s.save(filepath.Join(s.root, DirQueue, name), data)
}

// SaveHang writes data under hangs/<name>.
func (s *Store) SaveHang(name string, data []byte) (string, error) {
	s.log.Debug("new hang", zap.String("name", name), zap.Int("len", len(data)))
	return s.save(filepath.Join(s.root, DirHangs, name), data)
}

// SaveCrash writes data under <out>-crashes/queue/<name>.
func (s *Store) SaveCrash(name string, data []byte) (string, error) {
	s.log.Info("new unique crash", zap.String("name", name), zap.Int("len", len(data)))
	return s.save(filepath.Join(s.crashRoot, DirQueue, name), data)
}

func (s *Store) save(path string, data []byte) (string, error) {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// marker symlinks a queue entry's basename into one of the
// queue/.state/<category> marker directories so external tooling can see
// favored/redundant/variable-behavior/deterministic-done decisions without
// reading entry metadata.
func (s *Store) marker(dir, entryPath string) error {
	name := filepath.Base(entryPath)
	link := filepath.Join(s.root, dir, name)
	os.Remove(link) // symlinks are idempotent; stale links are expected on re-cull
	if err := os.Symlink(entryPath, link); err != nil {
		return fmt.Errorf("symlink %s: %w", link, err)
	}
	return nil
}

// MarkFavored records entryPath as favored.
func (s *Store) MarkFavored(entryPath string) error { return s.marker(DirFavoredEdges, entryPath) }

// MarkRedundant records entryPath as redundant after a cull.
func (s *Store) MarkRedundant(entryPath string) error { return s.marker(DirRedundantEdges, entryPath) }

// MarkVariableBehavior records entryPath as exhibiting variable behavior
// across calibration cycles.
func (s *Store) MarkVariableBehavior(entryPath string) error {
	return s.marker(DirVariableBehavior, entryPath)
}

// MarkDeterministicDone records entryPath as having completed deterministic
// stages.
func (s *Store) MarkDeterministicDone(entryPath string) error {
	return s.marker(DirDeterministicDone, entryPath)
}

// LoadBitmapSeed reads a previously saved fuzz_bitmap snapshot from path
// (the `-B` flag's argument) for ANDing into the virgin maps at startup.
func LoadBitmapSeed(path string) (*bitmap.Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bitmap seed %s: %w", path, err)
	}
	if len(data) != bitmap.Size {
		return nil, fmt.Errorf("bitmap seed %s has %d bytes, want %d", path, len(data), bitmap.Size)
	}
	var m bitmap.Map
	copy(m[:], data)
	return &m, nil
}

// SaveBitmapSnapshot writes the current OK virgin map to fuzz_bitmap.
func (s *Store) SaveBitmapSnapshot(ok *bitmap.Map) error {
	return os.WriteFile(filepath.Join(s.root, FuzzBitmapFile), ok[:], 0644)
}

// ReadSyncCursor reads the 4-byte little-endian min_accept cursor for one
// peer subdirectory, returning 0 if the cursor file doesn't exist yet.
func (s *Store) ReadSyncCursor(peer, subdir string) (uint32, error) {
	path := filepath.Join(s.root, DirSynced, peer+"_"+subdir)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sync cursor %s: %w", path, err)
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("sync cursor %s is truncated (%d bytes)", path, len(data))
	}
	return binary.LittleEndian.Uint32(data[:4]), nil
}

// WriteSyncCursor persists the min_accept cursor for one peer subdirectory.
func (s *Store) WriteSyncCursor(peer, subdir string, cursor uint32) error {
	path := filepath.Join(s.root, DirSynced, peer+"_"+subdir)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], cursor)
	if err := os.WriteFile(path, buf[:], 0644); err != nil {
		return fmt.Errorf("write sync cursor %s: %w", path, err)
	}
	return nil
}

// WriteCurInput rewrites .cur_input with the input currently staged for
// execution, for external tools (and crash triage) to inspect mid-run.
func (s *Store) WriteCurInput(data []byte) error {
	return os.WriteFile(filepath.Join(s.root, CurInputFile), data, 0644)
}

// Stats mirrors the fuzzer_stats key:value fields from spec §6.
type Stats struct {
	StartTime      int64
	LastUpdate     int64
	FuzzerPID      int
	FirstCrashTime int64
	LastCrashTime  int64
	CyclesDone     int64
	ExecsDone      int64
	ExecsPerSec    float64
	PathsTotal     int
	PathsFound     int
	PathsImported  int
	MaxDepth       int
	CurPath        int
	PendingFavs    int
	PendingTotal   int
	VariablePaths  int
	BitmapCvg      float64
	UniqueCrashes  int
	UniqueHangs    int
	SyncTimes      int64
	Banner         string
	Version        string
	CommandLine    string
}

// WriteStats rewrites fuzzer_stats atomically (write to a temp file, then
// rename) so a reader never observes a half-written file.
func (s *Store) WriteStats(st Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.root, "."+FuzzerStatsFile+".*")
	if err != nil {
		return fmt.Errorf("create fuzzer_stats temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "start_time       : %d\n", st.StartTime)
	fmt.Fprintf(w, "last_update      : %d\n", st.LastUpdate)
	fmt.Fprintf(w, "fuzzer_pid       : %d\n", st.FuzzerPID)
	fmt.Fprintf(w, "first_crash_time : %d\n", st.FirstCrashTime)
	fmt.Fprintf(w, "last_crash_time  : %d\n", st.LastCrashTime)
	fmt.Fprintf(w, "cycles_done      : %d\n", st.CyclesDone)
	fmt.Fprintf(w, "execs_done       : %d\n", st.ExecsDone)
	fmt.Fprintf(w, "execs_per_sec    : %.2f\n", st.ExecsPerSec)
	fmt.Fprintf(w, "paths_total      : %d\n", st.PathsTotal)
	fmt.Fprintf(w, "paths_found      : %d\n", st.PathsFound)
	fmt.Fprintf(w, "paths_imported   : %d\n", st.PathsImported)
	fmt.Fprintf(w, "max_depth        : %d\n", st.MaxDepth)
	fmt.Fprintf(w, "cur_path         : %d\n", st.CurPath)
	fmt.Fprintf(w, "pending_favs     : %d\n", st.PendingFavs)
	fmt.Fprintf(w, "pending_total    : %d\n", st.PendingTotal)
	fmt.Fprintf(w, "variable_paths   : %d\n", st.VariablePaths)
	fmt.Fprintf(w, "bitmap_cvg       : %.2f%%\n", st.BitmapCvg)
	fmt.Fprintf(w, "unique_crashes   : %d\n", st.UniqueCrashes)
	fmt.Fprintf(w, "unique_hangs     : %d\n", st.UniqueHangs)
	fmt.Fprintf(w, "sync_times       : %d\n", st.SyncTimes)
	fmt.Fprintf(w, "afl_banner       : %s\n", st.Banner)
	fmt.Fprintf(w, "afl_version      : %s\n", st.Version)
	fmt.Fprintf(w, "command_line     : %s\n", st.CommandLine)
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write fuzzer_stats temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close fuzzer_stats temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.root, FuzzerStatsFile)); err != nil {
		return fmt.Errorf("rename fuzzer_stats into place: %w", err)
	}
	return nil
}

// PlotRow is one plot_data sample, appended roughly once per second by the
// engine's status-update tick.
type PlotRow struct {
	UnixTime      int64
	CyclesDone    int64
	CurPath       int
	PathsTotal    int
	PendingTotal  int
	PendingFavs   int
	BitmapCvg     float64
	UniqueCrashes int
	UniqueHangs   int
	MaxDepth      int
	ExecsPerSec   float64
}

// AppendPlotPoint appends one CSV row to plot_data and flushes it, so a
// tail -f reader sees it immediately.
func (s *Store) AppendPlotPoint(r PlotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.plot, "%d, %d, %d, %d, %d, %d, %.2f%%, %d, %d, %d, %.2f\n",
		r.UnixTime, r.CyclesDone, r.CurPath, r.PathsTotal, r.PendingTotal, r.PendingFavs,
		r.BitmapCvg, r.UniqueCrashes, r.UniqueHangs, r.MaxDepth, r.ExecsPerSec)
	if err != nil {
		return fmt.Errorf("append plot_data row: %w", err)
	}
	return s.plot.Flush()
}
