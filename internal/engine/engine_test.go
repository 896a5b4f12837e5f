package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/chunkwise/internal/chunk"
	"github.com/tanq16/chunkwise/internal/resume"
	"github.com/tanq16/chunkwise/internal/source"
	"github.com/tanq16/chunkwise/internal/storage"
	"github.com/tanq16/chunkwise/internal/taskstate"
	"github.com/tanq16/chunkwise/internal/utils"
)

// memorySource serves data from memory. failOpen may return an error for a
// given range start; delay slows every read down.
type memorySource struct {
	data          []byte
	supportsRange bool
	unknownSize   bool
	delay         time.Duration
	describeErr   error

	mu       sync.Mutex
	opens    map[int64]int
	failOpen func(start int64, attempt int) error
}

func newMemorySource(data []byte) *memorySource {
	return &memorySource{data: data, supportsRange: true, opens: make(map[int64]int)}
}

func (m *memorySource) Describe(ctx context.Context) (source.Descriptor, error) {
	if m.describeErr != nil {
		return source.Descriptor{}, m.describeErr
	}
	length := int64(len(m.data))
	if m.unknownSize {
		length = -1
	}
	return source.Descriptor{Locator: "mem://test/data.bin", Length: length, SupportsRange: m.supportsRange, FileName: "data.bin"}, nil
}

func (m *memorySource) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	m.mu.Lock()
	m.opens[start]++
	attempt := m.opens[start]
	fail := m.failOpen
	m.mu.Unlock()
	if fail != nil {
		if err := fail(start, attempt); err != nil {
			return nil, err
		}
	}
	if end < 0 || end >= int64(len(m.data)) {
		end = int64(len(m.data)) - 1
	}
	return &slowReader{r: bytes.NewReader(m.data[start : end+1]), delay: m.delay, closed: make(chan struct{})}, nil
}

func (m *memorySource) Close() error { return nil }

func (m *memorySource) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.opens {
		n += c
	}
	return n
}

type slowReader struct {
	r      io.Reader
	delay  time.Duration
	once   sync.Once
	closed chan struct{}
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.closed:
			return 0, errors.New("read on closed body")
		}
	}
	return s.r.Read(p)
}

func (s *slowReader) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i/256)
	}
	return data
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkCount = 8
	cfg.ParallelCount = 4
	cfg.MinimumSizeOfChunking = 1
	cfg.BlockSize = 1024
	cfg.RetryBackoff = time.Millisecond
	cfg.Timeout = 5 * time.Second
	cfg.ProgressInterval = 10 * time.Millisecond
	return cfg
}

func packageBytes(t *testing.T, pkg *resume.Package) []byte {
	t.Helper()
	got, err := pkg.Storage().Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return got
}

func TestDownloadToMemory(t *testing.T) {
	data := payload(100_000)
	e := New(newMemorySource(data), testConfig())
	var last atomic.Value
	var states []taskstate.Status
	e.OnProgress(func(p Progress) { last.Store(p) })
	e.OnStateChange(func(s taskstate.Status) { states = append(states, s) })

	if err := e.Download(context.Background(), ""); err != nil {
		t.Fatalf("Download: %v", err)
	}
	pkg := e.Package()
	defer pkg.Clear()
	if len(pkg.Chunks) != 8 {
		t.Errorf("got %d chunks, want 8", len(pkg.Chunks))
	}
	if !bytes.Equal(packageBytes(t, pkg), data) {
		t.Error("downloaded content differs")
	}
	if e.Status() != taskstate.Completed || !pkg.IsSaveComplete {
		t.Errorf("status %s, saveComplete %v", e.Status(), pkg.IsSaveComplete)
	}
	if p, _ := last.Load().(Progress); p.ReceivedBytes != 100_000 || p.TotalBytes != 100_000 {
		t.Errorf("final progress %+v", p)
	}
	if len(states) != 2 || states[0] != taskstate.Running || states[1] != taskstate.Completed {
		t.Errorf("state changes %v", states)
	}
}

func TestDownloadToFileClearsState(t *testing.T) {
	dir := t.TempDir()
	data := payload(50_000)
	cfg := testConfig()
	out := filepath.Join(dir, "out.bin")
	cfg.StatePath = utils.StatePath(out)
	e := New(newMemorySource(data), cfg)

	if err := e.Download(context.Background(), out); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := e.Package().Dispose(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("file content differs")
	}
	if _, err := os.Stat(cfg.StatePath); !os.IsNotExist(err) {
		t.Errorf("state file still present: %v", err)
	}
}

func TestSingleChunkWithoutRangeSupport(t *testing.T) {
	data := payload(20_000)
	src := newMemorySource(data)
	src.supportsRange = false
	e := New(src, testConfig())

	if err := e.Download(context.Background(), ""); err != nil {
		t.Fatalf("Download: %v", err)
	}
	pkg := e.Package()
	defer pkg.Clear()
	if len(pkg.Chunks) != 1 {
		t.Errorf("got %d chunks, want 1", len(pkg.Chunks))
	}
	if !bytes.Equal(packageBytes(t, pkg), data) {
		t.Error("downloaded content differs")
	}
}

func TestUnknownSizeReadsToEnd(t *testing.T) {
	data := payload(12_345)
	src := newMemorySource(data)
	src.unknownSize = true
	src.supportsRange = false
	e := New(src, testConfig())

	if err := e.Download(context.Background(), ""); err != nil {
		t.Fatalf("Download: %v", err)
	}
	pkg := e.Package()
	defer pkg.Clear()
	if c := pkg.Chunks[0]; c.End() != 12_344 {
		t.Errorf("open chunk sealed at %d, want 12344", c.End())
	}
	if !bytes.Equal(packageBytes(t, pkg), data) {
		t.Error("downloaded content differs")
	}
}

func TestRangeDownload(t *testing.T) {
	data := payload(10_000)
	cfg := testConfig()
	cfg.RangeDownload = true
	cfg.RangeLow, cfg.RangeHigh = 2_000, 5_999
	e := New(newMemorySource(data), cfg)

	if err := e.Download(context.Background(), ""); err != nil {
		t.Fatalf("Download: %v", err)
	}
	pkg := e.Package()
	defer pkg.Clear()
	got := packageBytes(t, pkg)
	if len(got) != 6_000 || !bytes.Equal(got[2_000:], data[2_000:6_000]) {
		t.Error("range content differs")
	}
	if pkg.ReceivedBytes() != 4_000 {
		t.Errorf("received %d, want 4000", pkg.ReceivedBytes())
	}
}

func TestRetryAfterTransientFailure(t *testing.T) {
	data := payload(40_000)
	src := newMemorySource(data)
	src.failOpen = func(start int64, attempt int) error {
		if start == 10_000 && attempt == 1 {
			return errors.New("connection refused")
		}
		return nil
	}
	cfg := testConfig()
	cfg.ChunkCount = 4
	e := New(src, cfg)

	if err := e.Download(context.Background(), ""); err != nil {
		t.Fatalf("Download: %v", err)
	}
	pkg := e.Package()
	defer pkg.Clear()
	if pkg.Chunks[1].FailoverCount() != 1 {
		t.Errorf("chunk 1 failover count = %d, want 1", pkg.Chunks[1].FailoverCount())
	}
	if !bytes.Equal(packageBytes(t, pkg), data) {
		t.Error("downloaded content differs")
	}
}

func TestAggregateFailure(t *testing.T) {
	data := payload(40_000)
	src := newMemorySource(data)
	src.failOpen = func(start int64, _ int) error {
		if start == 0 || start == 20_000 {
			return fmt.Errorf("range %d unavailable", start)
		}
		return nil
	}
	cfg := testConfig()
	cfg.ChunkCount = 4
	cfg.MaxTryAgainOnFailover = 1
	e := New(src, cfg)

	err := e.Download(context.Background(), "")
	if err == nil {
		t.Fatal("Download succeeded with failing chunks")
	}
	pkg := e.Package()
	defer pkg.Clear()
	if e.Status() != taskstate.Faulted {
		t.Errorf("status = %s, want faulted", e.Status())
	}
	if errors.Is(err, utils.ErrCanceled) {
		t.Error("failure reported as cancellation")
	}
	errs := e.Errors()
	if len(errs) != 2 {
		t.Fatalf("recorded %d errors, want 2: %v", len(errs), err)
	}
	ids := map[int]bool{}
	for _, e := range errs {
		var ce *chunk.Error
		if !errors.As(e, &ce) {
			t.Fatalf("error %v is not a chunk error", e)
		}
		ids[ce.ChunkID] = true
	}
	if !ids[0] || !ids[2] {
		t.Errorf("failed chunks %v, want 0 and 2", ids)
	}
	if !pkg.Chunks[1].IsDownloadCompleted() || !pkg.Chunks[3].IsDownloadCompleted() {
		t.Error("healthy chunks did not complete")
	}
}

func TestCancelThenResume(t *testing.T) {
	dir := t.TempDir()
	data := payload(64 * 1024)
	src := newMemorySource(data)
	src.delay = 2 * time.Millisecond
	cfg := testConfig()
	out := filepath.Join(dir, "resume.bin")
	cfg.StatePath = utils.StatePath(out)
	cfg.CheckpointInterval = 20 * time.Millisecond

	e := New(src, cfg)
	var once sync.Once
	e.OnProgress(func(p Progress) {
		if p.ReceivedBytes >= 16*1024 {
			once.Do(e.Cancel)
		}
	})
	err := e.Download(context.Background(), out)
	if !errors.Is(err, utils.ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want cancellation", err)
	}
	if e.Status() != taskstate.Canceled {
		t.Errorf("status = %s, want canceled", e.Status())
	}
	first := e.Package()
	received := first.ReceivedBytes()
	if received == 0 || received >= int64(len(data)) {
		t.Fatalf("received %d bytes before cancel", received)
	}
	if err := first.Dispose(); err != nil {
		t.Fatal(err)
	}

	pkg, err := resume.Load(cfg.StatePath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pkg.ID != first.ID {
		t.Errorf("loaded package %s, want %s", pkg.ID, first.ID)
	}
	opensBefore := src.openCount()
	src.delay = 0
	resumed := New(src, cfg)
	if err := resumed.Resume(context.Background(), pkg); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	defer pkg.Clear()
	if !bytes.Equal(packageBytes(t, pkg), data) {
		t.Error("resumed content differs")
	}
	if src.openCount()-opensBefore > len(pkg.Chunks) {
		t.Errorf("resume opened %d ranges for %d chunks", src.openCount()-opensBefore, len(pkg.Chunks))
	}
	if _, err := os.Stat(cfg.StatePath); !os.IsNotExist(err) {
		t.Error("state file kept after completion")
	}
}

func TestPauseHoldsProgress(t *testing.T) {
	data := payload(32 * 1024)
	src := newMemorySource(data)
	src.delay = time.Millisecond
	e := New(src, testConfig())
	e.Pause()

	done := make(chan error, 1)
	go func() { done <- e.Download(context.Background(), "") }()
	time.Sleep(100 * time.Millisecond)
	if !e.IsPaused() {
		t.Fatal("engine not paused")
	}
	if pkg := e.Package(); pkg != nil && pkg.ReceivedBytes() != 0 {
		t.Fatalf("received %d bytes while paused", pkg.ReceivedBytes())
	}
	e.Unpause()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Download: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("download did not finish after unpause")
	}
	pkg := e.Package()
	defer pkg.Clear()
	if !bytes.Equal(packageBytes(t, pkg), data) {
		t.Error("downloaded content differs")
	}
}

func TestRangeDownloadRequiresRangeSupport(t *testing.T) {
	src := newMemorySource(payload(100))
	src.supportsRange = false
	cfg := testConfig()
	cfg.RangeDownload = true
	cfg.RangeLow = 10
	if err := New(src, cfg).Download(context.Background(), ""); !errors.Is(err, utils.ErrRangeRequestsNotSupported) {
		t.Errorf("got %v, want range error", err)
	}
}

func TestResumeAfterResourceShrank(t *testing.T) {
	dir := t.TempDir()
	data := payload(64 * 1024)
	src := newMemorySource(data)
	src.delay = 2 * time.Millisecond
	cfg := testConfig()
	out := filepath.Join(dir, "shrink.bin")
	cfg.StatePath = utils.StatePath(out)
	cfg.CheckpointInterval = 20 * time.Millisecond

	e := New(src, cfg)
	var once sync.Once
	e.OnProgress(func(p Progress) {
		if p.ReceivedBytes >= 48*1024 {
			once.Do(e.Cancel)
		}
	})
	if err := e.Download(context.Background(), out); !errors.Is(err, utils.ErrCanceled) {
		t.Fatalf("got %v, want cancellation", err)
	}
	if err := e.Package().Dispose(); err != nil {
		t.Fatal(err)
	}

	pkg, err := resume.Load(cfg.StatePath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	smaller := bytes.Repeat([]byte{0xab}, 16*1024)
	src.data = smaller
	src.delay = 0
	resumed := New(src, cfg)
	if err := resumed.Resume(context.Background(), pkg); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	defer pkg.Clear()
	if resumed.Status() != taskstate.Completed {
		t.Errorf("status = %s, want completed", resumed.Status())
	}
	if n, _ := pkg.Storage().Length(); n != int64(len(smaller)) {
		t.Errorf("logical length = %d, want %d", n, len(smaller))
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, smaller) {
		t.Errorf("output has %d bytes, want the %d new bytes only", len(got), len(smaller))
	}
}

func TestResumeReleasesStorageOnFailure(t *testing.T) {
	src := newMemorySource(payload(100))
	src.describeErr = errors.New("host unreachable")
	pkg := resume.New([]string{"mem://test/data.bin"}, filepath.Join(t.TempDir(), "data.bin"))
	pkg.TotalFileSize = 100
	pkg.SupportsRange = true

	if err := New(src, testConfig()).Resume(context.Background(), pkg); err == nil {
		t.Fatal("Resume succeeded without a source")
	}
	if pkg.Storage() != nil {
		pkg.Clear()
		t.Error("storage left open after a failed resume")
	}
}

func TestStorageFailureAbortsChunks(t *testing.T) {
	data := payload(64 * 1024)
	src := newMemorySource(data)
	src.delay = 100 * time.Millisecond
	cfg := testConfig()
	cfg.ParallelCount = 8
	e := New(src, cfg)
	var once sync.Once
	e.OnChunkProgress(func(*chunk.Chunk, *storage.Packet) {
		// later writes fail with a disposed stream
		once.Do(func() { e.Package().Storage().Dispose() })
	})

	start := time.Now()
	err := e.Download(context.Background(), "")
	elapsed := time.Since(start)
	defer e.Package().Clear()
	if !errors.Is(err, utils.ErrStorage) {
		t.Fatalf("got %v, want storage failure", err)
	}
	if e.Status() != taskstate.Faulted {
		t.Errorf("status = %s, want faulted", e.Status())
	}
	// each chunk needs 8 reads of 100ms without the abort
	if elapsed >= 600*time.Millisecond {
		t.Errorf("chunks kept running for %s after the storage failure", elapsed)
	}
}

func TestSetSpeedLimitDuringRun(t *testing.T) {
	if testing.Short() {
		t.Skip("paced transfer")
	}
	data := payload(192 * 1024)
	src := newMemorySource(data)
	cfg := testConfig()
	cfg.ChunkCount = 4
	cfg.ParallelCount = 4
	cfg.MaximumSpeed = 256 * 1024
	e := New(src, cfg)

	const lowered = 64 * 1024
	var once sync.Once
	var perChunk, active atomic.Int64
	changed := make(chan time.Time, 1)
	e.OnProgress(func(p Progress) {
		if p.ReceivedBytes >= 32*1024 {
			once.Do(func() {
				e.SetSpeedLimit(lowered)
				perChunk.Store(e.limit.PerMember())
				active.Store(int64(e.limit.Active()))
				changed <- time.Now()
			})
		}
	})

	if err := e.Download(context.Background(), ""); err != nil {
		t.Fatalf("Download: %v", err)
	}
	finished := time.Now()
	defer e.Package().Clear()
	var at time.Time
	select {
	case at = <-changed:
	default:
		t.Fatal("limit was never lowered")
	}
	if n := active.Load(); n == 0 || perChunk.Load() != lowered/n {
		t.Errorf("per chunk limit %d with %d active chunks, want %d", perChunk.Load(), n, lowered/max(n, 1))
	}
	// about 160 KiB were left at 64 KiB/s
	if d := finished.Sub(at); d < time.Second {
		t.Errorf("rest of the transfer took %s, want at least 1s", d)
	}
	if !bytes.Equal(packageBytes(t, e.Package()), data) {
		t.Error("downloaded content differs")
	}
}
