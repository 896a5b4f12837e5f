package throttle

import (
	"errors"
	"io"
	"sync"
	"time"
)

var ErrClosed = errors.New("throttled stream closed")

// Stream paces reads and writes of an inner stream so the transfer rate
// stays under the Bandwidth limit.
type Stream struct {
	r         io.Reader
	w         io.Writer
	bw        *Bandwidth
	closed    chan struct{}
	closeOnce sync.Once
}

func NewReader(r io.Reader, bw *Bandwidth) *Stream {
	return newStream(r, nil, bw)
}

func NewWriter(w io.Writer, bw *Bandwidth) *Stream {
	return newStream(nil, w, bw)
}

func newStream(r io.Reader, w io.Writer, bw *Bandwidth) *Stream {
	if bw == nil {
		bw = NewBandwidth(0)
	}
	return &Stream{r: r, w: w, bw: bw, closed: make(chan struct{})}
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, errors.New("throttled stream is not readable")
	}
	n, err := s.r.Read(p)
	if n > 0 {
		if !s.throttle(n) && err == nil {
			err = ErrClosed
		}
	}
	return n, err
}

func (s *Stream) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, errors.New("throttled stream is not writable")
	}
	n, err := s.w.Write(p)
	if n > 0 {
		if !s.throttle(n) && err == nil {
			err = ErrClosed
		}
	}
	return n, err
}

// throttle reports false when Close interrupted the pacing delay.
func (s *Stream) throttle(n int) bool {
	s.bw.CalculateSpeed(int64(n))
	delay := s.bw.PopSpeedRetrieveTime()
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.closed:
		return false
	}
}

// Close aborts a pending delay and closes the inner stream when it is an
// io.Closer.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if c, ok := s.r.(io.Closer); ok {
			err = c.Close()
		} else if c, ok := s.w.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

func (s *Stream) Bandwidth() *Bandwidth {
	return s.bw
}

func (s *Stream) BandwidthLimit() int64 {
	return s.bw.BandwidthLimit()
}

func (s *Stream) SetBandwidthLimit(limit int64) {
	s.bw.SetBandwidthLimit(limit)
}
