package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/chunkwise/internal/pause"
	"github.com/tanq16/chunkwise/internal/storage"
	"github.com/tanq16/chunkwise/internal/throttle"
	"github.com/tanq16/chunkwise/internal/utils"
)

type State int32

const (
	StateIdle State = iota
	StateReading
	StatePaused
	StateCompleted
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Opener opens the byte range [start, end] of the resource. A negative end
// reads to the end of the resource.
type Opener interface {
	OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error)
}

// Error is a chunk failure escalated after its retries ran out.
type Error struct {
	ChunkID  int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempt(s): %v", e.ChunkID, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type DownloaderConfig struct {
	BlockSize      int
	RetryBackoff   time.Duration
	SupportsRange  bool
	BandwidthLimit int64
}

// Downloader drives one chunk to completion.
type Downloader struct {
	chunk      *Chunk
	cfg        DownloaderConfig
	bandwidth  *throttle.Bandwidth
	state      atomic.Int32
	onProgress func(*storage.Packet)
	log        zerolog.Logger
}

func NewDownloader(c *Chunk, cfg DownloaderConfig) *Downloader {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = utils.DefaultBlockSize
	}
	return &Downloader{
		chunk:     c,
		cfg:       cfg,
		bandwidth: throttle.NewBandwidth(cfg.BandwidthLimit),
		log:       utils.GetLogger("chunk").With().Int("chunkId", c.ID).Logger(),
	}
}

func (d *Downloader) Chunk() *Chunk {
	return d.chunk
}

func (d *Downloader) State() State {
	return State(d.state.Load())
}

func (d *Downloader) setState(s State) {
	d.state.Store(int32(s))
}

// OnProgress registers fn to receive every packet written. Packets are
// shared with the storage queue and must be treated as read-only.
func (d *Downloader) OnProgress(fn func(*storage.Packet)) {
	d.onProgress = fn
}

func (d *Downloader) Bandwidth() *throttle.Bandwidth {
	return d.bandwidth
}

// SetBandwidthLimit applies from the next read on.
func (d *Downloader) SetBandwidthLimit(limit int64) {
	d.bandwidth.SetBandwidthLimit(limit)
}

// Download reads the chunk from opener, retrying transient failures while
// the chunk allows it. Cancellation and storage failures are returned as
// they are; exhausted retries are returned as *Error.
func (d *Downloader) Download(ctx context.Context, opener Opener, token pause.Token) error {
	c := d.chunk
	if c.Storage() == nil {
		d.setState(StateFailed)
		return &Error{ChunkID: c.ID, Err: fmt.Errorf("%w: chunk has no storage", utils.ErrStorage)}
	}
	if !d.cfg.SupportsRange && c.Position() > 0 {
		c.Clear()
	}
	for attempt := 1; ; attempt++ {
		if !c.IsOpenEnded() && c.IsDownloadCompleted() {
			d.log.Debug().Int64("size", c.Length()).Msg("Chunk already downloaded, skipping")
			d.setState(StateCompleted)
			return nil
		}
		err := d.downloadOnce(ctx, opener, token)
		if errors.Is(err, utils.ErrPaused) {
			// the source was released for the pause; reopen without a failover
			attempt--
			continue
		}
		if err == nil {
			d.log.Debug().Int64("totalDownloaded", c.Position()).Msg("Chunk download completed")
			d.setState(StateCompleted)
			return nil
		}
		if errors.Is(err, utils.ErrCanceled) {
			d.log.Debug().Int64("position", c.Position()).Msg("Chunk download canceled")
			d.setState(StateCanceled)
			return err
		}
		if !utils.Retryable(err) || !c.CanTryAgainOnFailover() {
			d.log.Error().Err(err).Int("attempt", attempt).Msg("Chunk download failed")
			d.setState(StateFailed)
			return &Error{ChunkID: c.ID, Attempts: attempt, Err: err}
		}
		d.log.Warn().Err(err).Int("attempt", attempt).Int("maxRetries", c.MaxTryAgainOnFailover).Msg("Retrying download of chunk")
		if err := sleepContext(ctx, time.Duration(attempt)*d.cfg.RetryBackoff); err != nil {
			d.setState(StateCanceled)
			return canceled(ctx)
		}
		if d.cfg.SupportsRange {
			c.SetValidPosition()
		} else {
			n := c.failover.Load()
			c.Clear()
			c.failover.Store(n)
		}
	}
}

func (d *Downloader) downloadOnce(ctx context.Context, opener Opener, token pause.Token) error {
	c := d.chunk
	if err := token.WaitWhilePaused(ctx); err != nil {
		return canceled(ctx)
	}
	start, end := c.Start+c.Position(), c.End()
	if c.IsOpenEnded() {
		end = -1
	}
	d.log.Debug().Int64("start", start).Int64("end", end).Msg("Opening range")
	src, err := opener.OpenRange(ctx, start, end)
	if err != nil {
		if ctx.Err() != nil {
			return canceled(ctx)
		}
		return fmt.Errorf("%w: opening range %d-%d: %w", utils.ErrTransient, start, end, err)
	}
	return d.ReadStream(ctx, src, token)
}

// ReadStream copies src into the chunk's storage region from the current
// position. It owns src and closes it before returning. When the token
// pauses a chunk that can be reopened by range, src is released and
// utils.ErrPaused is returned; otherwise the loop waits on the open src.
func (d *Downloader) ReadStream(ctx context.Context, src io.ReadCloser, token pause.Token) error {
	c := d.chunk
	stream := throttle.NewReader(&timeoutReader{r: src, timeout: c.Timeout}, d.bandwidth)
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()
	defer stream.Close()

	buf := make([]byte, d.cfg.BlockSize)
	openEnded := c.IsOpenEnded()
	for {
		if !openEnded && c.Position() >= c.Length() {
			return nil
		}
		if token.IsPaused() {
			d.setState(StatePaused)
			d.log.Debug().Int64("position", c.Position()).Msg("Chunk paused")
			if d.cfg.SupportsRange {
				return utils.ErrPaused
			}
		}
		if err := token.WaitWhilePaused(ctx); err != nil {
			return canceled(ctx)
		}
		if ctx.Err() != nil {
			return canceled(ctx)
		}
		d.setState(StateReading)

		toRead := len(buf)
		if !openEnded {
			toRead = int(min(int64(toRead), c.Length()-c.Position()))
		}
		n, err := stream.Read(buf[:toRead])
		if n > 0 {
			packet := storage.NewPacket(c.Start+c.Position(), buf, n)
			if werr := c.Storage().Write(packet.Position, packet.Data, packet.Length); werr != nil {
				if !errors.Is(werr, utils.ErrStorage) {
					werr = fmt.Errorf("%w: %w", utils.ErrStorage, werr)
				}
				return werr
			}
			c.position.Add(int64(n))
			if d.onProgress != nil {
				d.onProgress(packet)
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return canceled(ctx)
		}
		if err == io.EOF {
			if openEnded {
				c.seal()
				return nil
			}
			if c.Position() < c.Length() {
				return fmt.Errorf("%w: %w after %d of %d bytes", utils.ErrTransient, io.ErrUnexpectedEOF, c.Position(), c.Length())
			}
			return nil
		}
		if errors.Is(err, utils.ErrTimeout) {
			return err
		}
		return fmt.Errorf("%w: %w", utils.ErrTransient, err)
	}
}

func canceled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", utils.ErrCanceled, context.Cause(ctx))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timeoutReader closes the source when a single read outlives the timeout.
type timeoutReader struct {
	r       io.ReadCloser
	timeout time.Duration
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	if t.timeout <= 0 {
		return t.r.Read(p)
	}
	var fired atomic.Bool
	timer := time.AfterFunc(t.timeout, func() {
		fired.Store(true)
		t.r.Close()
	})
	n, err := t.r.Read(p)
	timer.Stop()
	if fired.Load() {
		return n, fmt.Errorf("%w after %s", utils.ErrTimeout, t.timeout)
	}
	return n, err
}

func (t *timeoutReader) Close() error {
	return t.r.Close()
}
