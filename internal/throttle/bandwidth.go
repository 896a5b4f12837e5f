package throttle

import (
	"math"
	"sync"
	"time"
)

const speedAlpha = 0.5

// Bandwidth estimates throughput over one second windows and paces callers
// against a byte-per-second limit. Time is read through an injected clock.
type Bandwidth struct {
	mu           sync.Mutex
	now          func() time.Time
	limit        int64
	start        time.Time
	checkpoint   time.Time
	windowBytes  int64
	totalBytes   int64
	windows      int64
	speed        float64
	nextFree     time.Time
	pendingDelay time.Duration
}

func NewBandwidth(limit int64) *Bandwidth {
	return NewBandwidthWithClock(limit, time.Now)
}

func NewBandwidthWithClock(limit int64, now func() time.Time) *Bandwidth {
	if now == nil {
		now = time.Now
	}
	b := &Bandwidth{now: now}
	b.limit = normalizeLimit(limit)
	b.Reset()
	return b
}

func normalizeLimit(limit int64) int64 {
	if limit <= 0 {
		return math.MaxInt64
	}
	return limit
}

func (b *Bandwidth) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.start = now
	b.checkpoint = now
	b.windowBytes = 0
	b.totalBytes = 0
	b.windows = 0
	b.speed = 0
	b.nextFree = time.Time{}
	b.pendingDelay = 0
}

// CalculateSpeed records n transferred bytes. It closes the current window
// once a second has elapsed and, under a limit, accrues the delay the caller
// owes before its next transfer.
func (b *Bandwidth) CalculateSpeed(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.windowBytes += n
	b.totalBytes += n

	if elapsed := now.Sub(b.checkpoint); elapsed >= time.Second {
		moment := float64(b.windowBytes) / elapsed.Seconds()
		if b.windows == 0 {
			b.speed = moment
		} else {
			b.speed = speedAlpha*moment + (1-speedAlpha)*b.speed
		}
		b.windows++
		b.checkpoint = now
		b.windowBytes = 0
	}

	if b.limit == math.MaxInt64 || n <= 0 {
		return
	}
	if b.nextFree.Before(now) {
		b.nextFree = now
	}
	b.nextFree = b.nextFree.Add(time.Duration(float64(n) / float64(b.limit) * float64(time.Second)))
	if delay := b.nextFree.Sub(now); delay > b.pendingDelay {
		b.pendingDelay = delay
	}
}

// PopSpeedRetrieveTime returns the accrued pacing delay and zeroes it.
func (b *Bandwidth) PopSpeedRetrieveTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.pendingDelay
	b.pendingDelay = 0
	return d
}

// Speed is the smoothed rate of closed windows, or the rate of the open
// window before the first one closes.
func (b *Bandwidth) Speed() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.windows > 0 {
		return b.speed
	}
	elapsed := b.now().Sub(b.checkpoint)
	if elapsed <= 0 {
		return 0
	}
	return float64(b.windowBytes) / elapsed.Seconds()
}

// AverageSpeed is the lifetime mean rate since the last Reset.
func (b *Bandwidth) AverageSpeed() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := b.now().Sub(b.start)
	if elapsed <= 0 {
		return 0
	}
	return float64(b.totalBytes) / elapsed.Seconds()
}

func (b *Bandwidth) BandwidthLimit() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

// SetBandwidthLimit takes effect on the next CalculateSpeed call.
func (b *Bandwidth) SetBandwidthLimit(limit int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = normalizeLimit(limit)
	b.nextFree = time.Time{}
}
