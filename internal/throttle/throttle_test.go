package throttle

import (
	"bytes"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestUnlimitedHasNoDelay(t *testing.T) {
	for _, limit := range []int64{0, -5} {
		bw := NewBandwidth(limit)
		if bw.BandwidthLimit() != math.MaxInt64 {
			t.Fatalf("limit %d normalised to %d", limit, bw.BandwidthLimit())
		}
		bw.CalculateSpeed(1 << 20)
		if d := bw.PopSpeedRetrieveTime(); d != 0 {
			t.Fatalf("unexpected delay %v", d)
		}
	}
}

func TestPacingDelay(t *testing.T) {
	clock := newFakeClock()
	bw := NewBandwidthWithClock(1000, clock.Now)

	bw.CalculateSpeed(500)
	if d := bw.PopSpeedRetrieveTime(); d != 500*time.Millisecond {
		t.Fatalf("first delay = %v, want 500ms", d)
	}
	if d := bw.PopSpeedRetrieveTime(); d != 0 {
		t.Fatalf("pop did not reset, got %v", d)
	}
	clock.Advance(500 * time.Millisecond)
	bw.CalculateSpeed(500)
	if d := bw.PopSpeedRetrieveTime(); d != 500*time.Millisecond {
		t.Fatalf("second delay = %v, want 500ms", d)
	}

	// idle time does not build up credit
	clock.Advance(10 * time.Second)
	bw.CalculateSpeed(100)
	if d := bw.PopSpeedRetrieveTime(); d != 100*time.Millisecond {
		t.Fatalf("delay after idle = %v, want 100ms", d)
	}
}

func TestLimitChangeTakesEffectOnNextCall(t *testing.T) {
	clock := newFakeClock()
	bw := NewBandwidthWithClock(100, clock.Now)
	bw.CalculateSpeed(100)
	if d := bw.PopSpeedRetrieveTime(); d != time.Second {
		t.Fatalf("delay = %v, want 1s", d)
	}
	bw.SetBandwidthLimit(1000)
	bw.CalculateSpeed(100)
	if d := bw.PopSpeedRetrieveTime(); d != 100*time.Millisecond {
		t.Fatalf("delay after raising limit = %v, want 100ms", d)
	}
	bw.SetBandwidthLimit(0)
	bw.CalculateSpeed(100)
	if d := bw.PopSpeedRetrieveTime(); d != 0 {
		t.Fatalf("delay after removing limit = %v", d)
	}
}

func TestSpeedEstimate(t *testing.T) {
	clock := newFakeClock()
	bw := NewBandwidthWithClock(0, clock.Now)

	bw.CalculateSpeed(1000)
	clock.Advance(time.Second)
	bw.CalculateSpeed(1000)
	if got := bw.Speed(); got != 2000 {
		t.Fatalf("speed = %v, want 2000", got)
	}
	clock.Advance(time.Second)
	bw.CalculateSpeed(0)
	if got := bw.Speed(); got != 1000 {
		t.Fatalf("smoothed speed = %v, want 1000", got)
	}
	if got := bw.AverageSpeed(); got != 1000 {
		t.Fatalf("average speed = %v, want 1000", got)
	}
}

func TestSpeedBeforeFirstWindow(t *testing.T) {
	clock := newFakeClock()
	bw := NewBandwidthWithClock(0, clock.Now)
	if bw.Speed() != 0 {
		t.Fatal("speed without elapsed time should be 0")
	}
	clock.Advance(500 * time.Millisecond)
	bw.CalculateSpeed(100)
	if got := bw.Speed(); got != 200 {
		t.Fatalf("open window speed = %v, want 200", got)
	}
}

func TestThrottledReadTakesExpectedTime(t *testing.T) {
	if testing.Short() {
		t.Skip("slow pacing test")
	}
	data := bytes.Repeat([]byte{7}, 10240)
	s := NewReader(bytes.NewReader(data), NewBandwidth(1024))
	buf := make([]byte, 1024)
	var got []byte
	start := time.Now()
	for {
		n, err := s.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	elapsed := time.Since(start)
	if !bytes.Equal(got, data) {
		t.Fatal("throttled read altered the data")
	}
	if elapsed < 8*time.Second-500*time.Millisecond {
		t.Fatalf("read 10240 bytes at 1024 B/s in %v", elapsed)
	}
}

func TestCloseInterruptsDelay(t *testing.T) {
	s := NewReader(bytes.NewReader(make([]byte, 100)), NewBandwidth(1))
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Close()
	}()
	done := make(chan struct{})
	var n int
	var err error
	go func() {
		n, err = s.Read(make([]byte, 100))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt the pacing delay")
	}
	if n != 100 || !errors.Is(err, ErrClosed) {
		t.Fatalf("Read = %d, %v; want 100, ErrClosed", n, err)
	}
}

func TestWriterPassThrough(t *testing.T) {
	var out bytes.Buffer
	s := NewWriter(&out, nil)
	if _, err := s.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.String() != "hello" {
		t.Fatalf("got %q", out.String())
	}
	if _, err := s.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected read on a write-only stream to fail")
	}
}

func TestSharedLimitSplitsEvenly(t *testing.T) {
	shared := NewSharedLimit(900)
	a, b, c := NewBandwidth(0), NewBandwidth(0), NewBandwidth(0)
	shared.Register(a)
	shared.Register(b)
	shared.Register(c)
	for _, bw := range []*Bandwidth{a, b, c} {
		if bw.BandwidthLimit() != 300 {
			t.Fatalf("limit = %d, want 300", bw.BandwidthLimit())
		}
	}
	shared.Unregister(c)
	if a.BandwidthLimit() != 450 || b.BandwidthLimit() != 450 {
		t.Fatalf("limits after unregister = %d, %d", a.BandwidthLimit(), b.BandwidthLimit())
	}
	shared.SetLimit(0)
	if a.BandwidthLimit() != math.MaxInt64 {
		t.Fatalf("limit after clearing = %d", a.BandwidthLimit())
	}
	if shared.Active() != 2 {
		t.Fatalf("active = %d", shared.Active())
	}
}
