// Package engine runs a download package: it partitions the resource, drives
// one chunk downloader per chunk and reports a single outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/chunkwise/internal/chunk"
	"github.com/tanq16/chunkwise/internal/pause"
	"github.com/tanq16/chunkwise/internal/resume"
	"github.com/tanq16/chunkwise/internal/source"
	"github.com/tanq16/chunkwise/internal/storage"
	"github.com/tanq16/chunkwise/internal/taskstate"
	"github.com/tanq16/chunkwise/internal/throttle"
	"github.com/tanq16/chunkwise/internal/utils"
	"golang.org/x/sync/errgroup"
)

type Progress struct {
	ReceivedBytes int64
	TotalBytes    int64
	Speed         float64
	AverageSpeed  float64
	ActiveChunks  int
}

// Engine downloads one resource. Callbacks run on engine goroutines and must
// not block.
type Engine struct {
	cfg    Config
	src    source.Source
	pauser *pause.TokenSource
	limit  *throttle.SharedLimit
	active atomic.Int32
	log    zerolog.Logger

	mu        sync.Mutex
	pkg       *resume.Package
	state     *taskstate.State
	cancel    context.CancelCauseFunc
	bandwidth *throttle.Bandwidth

	onProgress      func(Progress)
	onChunkProgress func(*chunk.Chunk, *storage.Packet)
	onStateChange   func(taskstate.Status)
}

func New(src source.Source, cfg Config) *Engine {
	return &Engine{
		cfg:       cfg,
		src:       src,
		pauser:    pause.NewTokenSource(),
		limit:     throttle.NewSharedLimit(cfg.MaximumSpeed),
		log:       utils.GetLogger("engine"),
		state:     taskstate.New(),
		bandwidth: throttle.NewBandwidth(0),
	}
}

func (e *Engine) OnProgress(fn func(Progress)) {
	e.onProgress = fn
}

func (e *Engine) OnChunkProgress(fn func(*chunk.Chunk, *storage.Packet)) {
	e.onChunkProgress = fn
}

func (e *Engine) OnStateChange(fn func(taskstate.Status)) {
	e.onStateChange = fn
}

// Download describes the source and downloads it into fileName (memory when
// empty).
func (e *Engine) Download(ctx context.Context, fileName string) error {
	d, err := e.src.Describe(ctx)
	if err != nil {
		return fmt.Errorf("error describing source: %w", err)
	}
	pkg := resume.New([]string{d.Locator}, fileName)
	pkg.TotalFileSize = d.Length
	pkg.SupportsRange = d.SupportsRange
	if e.cfg.RangeDownload {
		if !d.SupportsRange {
			return utils.ErrRangeRequestsNotSupported
		}
		pkg.RangeDownload = true
		pkg.RangeLow = e.cfg.RangeLow
		pkg.RangeHigh = e.cfg.RangeHigh
	}
	pkg.Chunks = e.partition(pkg)
	if err := pkg.BuildStorage(e.cfg.ReserveStorageSpace, e.cfg.BufferSize); err != nil {
		return err
	}
	e.log.Debug().Str("op", "engine/engine").Str("file", fileName).Int64("size", d.Length).Int("chunks", len(pkg.Chunks)).Bool("rangeSupported", d.SupportsRange).Msg("Package built")
	return e.run(ctx, pkg)
}

// Resume continues pkg, typically loaded from a state file. A resource that
// changed size or range support since the package was saved starts over.
// When Resume fails before the run starts, the storage it opened is
// released again.
func (e *Engine) Resume(ctx context.Context, pkg *resume.Package) error {
	if err := pkg.BuildStorage(e.cfg.ReserveStorageSpace, e.cfg.BufferSize); err != nil {
		return err
	}
	if err := e.prepareResume(ctx, pkg); err != nil {
		if derr := pkg.Dispose(); derr != nil {
			e.log.Warn().Err(derr).Str("id", pkg.ID).Msg("Failed to release package storage")
		}
		return err
	}
	e.log.Debug().Str("op", "engine/engine").Str("id", pkg.ID).Int64("received", pkg.ReceivedBytes()).Msg("Resuming package")
	return e.run(ctx, pkg)
}

func (e *Engine) prepareResume(ctx context.Context, pkg *resume.Package) error {
	d, err := e.src.Describe(ctx)
	if err != nil {
		return fmt.Errorf("error describing source: %w", err)
	}
	if d.Length != pkg.TotalFileSize || d.SupportsRange != pkg.SupportsRange {
		e.log.Warn().Int64("saved", pkg.TotalFileSize).Int64("current", d.Length).Msg("Resource changed since the package was saved, starting over")
		if err := pkg.Restart(d.Length, d.SupportsRange); err != nil {
			return err
		}
	}
	if err := pkg.Validate(); err != nil {
		return err
	}
	if len(pkg.Chunks) == 0 {
		pkg.Chunks = e.partition(pkg)
		if err := pkg.BuildStorage(e.cfg.ReserveStorageSpace, e.cfg.BufferSize); err != nil {
			return err
		}
	}
	return nil
}

// partition uses a single chunk when the source cannot serve ranges, the
// size is unknown or the target is below MinimumSizeOfChunking.
func (e *Engine) partition(pkg *resume.Package) []*chunk.Chunk {
	hub := chunk.NewHub(chunk.HubConfig{
		Timeout:               e.cfg.Timeout,
		MaxTryAgainOnFailover: e.cfg.MaxTryAgainOnFailover,
	})
	count := e.cfg.ChunkCount
	target := pkg.TargetLength()
	if !pkg.SupportsRange || target < 0 || target < e.cfg.MinimumSizeOfChunking {
		count = 1
	}
	return hub.Partition(max(pkg.TotalFileSize, 0), count, pkg.Range())
}

func (e *Engine) run(ctx context.Context, pkg *resume.Package) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	state := taskstate.New()
	bandwidth := throttle.NewBandwidth(0)
	e.mu.Lock()
	e.pkg, e.state, e.cancel, e.bandwidth = pkg, state, cancel, bandwidth
	e.mu.Unlock()

	state.Start()
	e.notifyState(taskstate.Running)
	stopWatchers := e.startWatchers(ctx, pkg)

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.parallelism())
	token := e.pauser.Token()
	for _, c := range pkg.Chunks {
		c := c
		if !c.IsOpenEnded() && c.IsDownloadCompleted() {
			continue
		}
		g.Go(func() error {
			err := e.downloadChunk(ctx, c, token, pkg.SupportsRange)
			switch {
			case err == nil, errors.Is(err, utils.ErrCanceled):
			case errors.Is(err, utils.ErrStorage):
				state.SetException(err)
				cancel(err)
			default:
				state.SetException(err)
			}
			return nil
		})
	}
	g.Wait()
	stopWatchers()

	if err := pkg.Flush(); err != nil && !errors.Is(err, utils.ErrDisposed) {
		state.SetException(err)
	}
	switch {
	case state.Status() == taskstate.Faulted:
	case ctx.Err() != nil:
		state.Cancel()
	case pkg.IsCompleted():
		pkg.IsSaveComplete = true
		state.Complete()
	default:
		state.SetException(fmt.Errorf("download incomplete: %d of %d bytes", pkg.ReceivedBytes(), pkg.TargetLength()))
	}
	e.emitProgress(pkg)
	e.checkpoint(pkg, true)
	status := state.Status()
	e.notifyState(status)
	e.log.Debug().Str("op", "engine/engine").Str("status", status.String()).Int64("received", pkg.ReceivedBytes()).Msg("Run finished")

	switch status {
	case taskstate.Completed:
		return nil
	case taskstate.Canceled:
		return fmt.Errorf("%w: %w", utils.ErrCanceled, context.Cause(ctx))
	}
	return state.Err()
}

func (e *Engine) downloadChunk(ctx context.Context, c *chunk.Chunk, token pause.Token, supportsRange bool) error {
	d := chunk.NewDownloader(c, chunk.DownloaderConfig{
		BlockSize:     e.cfg.BlockSize,
		RetryBackoff:  e.cfg.RetryBackoff,
		SupportsRange: supportsRange,
	})
	e.limit.Register(d.Bandwidth())
	defer e.limit.Unregister(d.Bandwidth())
	e.active.Add(1)
	defer e.active.Add(-1)

	bandwidth := e.currentBandwidth()
	d.OnProgress(func(p *storage.Packet) {
		bandwidth.CalculateSpeed(int64(p.Length))
		if e.onChunkProgress != nil {
			e.onChunkProgress(c, p)
		}
	})
	return d.Download(ctx, e.src, token)
}

// startWatchers runs the progress and checkpoint tickers until the returned
// function is called.
func (e *Engine) startWatchers(ctx context.Context, pkg *resume.Package) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	tick := func(interval time.Duration, fn func()) {
		if interval <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					fn()
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	if e.onProgress != nil {
		tick(e.cfg.ProgressInterval, func() { e.emitProgress(pkg) })
	}
	if e.cfg.StatePath != "" {
		tick(e.cfg.CheckpointInterval, func() { e.checkpoint(pkg, false) })
	}
	return func() {
		close(done)
		wg.Wait()
	}
}

func (e *Engine) emitProgress(pkg *resume.Package) {
	if e.onProgress == nil {
		return
	}
	bandwidth := e.currentBandwidth()
	e.onProgress(Progress{
		ReceivedBytes: pkg.ReceivedBytes(),
		TotalBytes:    pkg.TargetLength(),
		Speed:         bandwidth.Speed(),
		AverageSpeed:  bandwidth.AverageSpeed(),
		ActiveChunks:  int(e.active.Load()),
	})
}

// checkpoint saves the package to StatePath. A finished run of a completed
// package removes the state file instead when ClearPackageOnCompletion is set.
func (e *Engine) checkpoint(pkg *resume.Package, final bool) {
	if e.cfg.StatePath == "" {
		return
	}
	if final && pkg.IsSaveComplete && e.cfg.ClearPackageOnCompletion {
		if err := os.Remove(e.cfg.StatePath); err != nil && !os.IsNotExist(err) {
			e.log.Warn().Err(err).Str("path", e.cfg.StatePath).Msg("Failed to remove state file")
		}
		return
	}
	if err := pkg.Save(e.cfg.StatePath); err != nil {
		e.log.Error().Err(err).Str("path", e.cfg.StatePath).Msg("Failed to save package state")
	}
}

func (e *Engine) notifyState(s taskstate.Status) {
	if e.onStateChange != nil {
		e.onStateChange(s)
	}
}

func (e *Engine) currentBandwidth() *throttle.Bandwidth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bandwidth
}

func (e *Engine) Pause() {
	e.pauser.Pause()
	e.log.Debug().Str("op", "engine/engine").Msg("Download paused")
}

func (e *Engine) Unpause() {
	e.pauser.Resume()
	e.log.Debug().Str("op", "engine/engine").Msg("Download resumed")
}

func (e *Engine) IsPaused() bool {
	return e.pauser.IsPaused()
}

// Cancel aborts the current run. Bytes already written are kept.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel(context.Canceled)
	}
}

// SetSpeedLimit splits limit bytes per second across the active chunks; 0
// removes the limit.
func (e *Engine) SetSpeedLimit(limit int64) {
	e.limit.SetLimit(limit)
}

func (e *Engine) Package() *resume.Package {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pkg
}

func (e *Engine) Status() taskstate.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Status()
}

// Errors returns the chunk failures recorded by the last run.
func (e *Engine) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Errors()
}
