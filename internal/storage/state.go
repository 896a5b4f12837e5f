package storage

import (
	"fmt"
	"os"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/chunkwise/internal/utils"
)

// State is the persisted form of a Stream. File streams are reopened by
// path and never carry their content; memory streams carry it in Data.
type State struct {
	Path      string `json:"path,omitempty"`
	Length    int64  `json:"length"`
	MaxBuffer int64  `json:"maxBuffer"`
	Data      []byte `json:"data,omitempty"`
	Written   []byte `json:"written,omitempty"`
}

// State flushes and captures the stream. Only flushed bytes are described:
// packets queued by writers racing the capture are left out.
func (s *Stream) State() (State, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if err := s.flushLocked(true); err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return State{}, utils.ErrDisposed
	}
	flushed := s.written.Clone()
	for _, p := range s.queue {
		flushed.RemoveRange(uint64(p.Position), uint64(p.End()))
	}
	written, err := flushed.MarshalBinary()
	if err != nil {
		return State{}, fmt.Errorf("encoding written bitmap: %w", err)
	}
	st := State{Path: s.path, Length: s.length, MaxBuffer: s.maxBuffer, Written: written}
	if s.file == nil {
		st.Data = make([]byte, s.length)
		copy(st.Data, s.mem)
	}
	return st, nil
}

// Restore reopens the stream described by st. A backing file is opened
// without truncation; bytes recorded past its current size are forgotten.
func Restore(st State) (*Stream, error) {
	written := roaring64.New()
	if len(st.Written) > 0 {
		if err := written.UnmarshalBinary(st.Written); err != nil {
			return nil, fmt.Errorf("%w: decoding written bitmap: %w", utils.ErrValidation, err)
		}
	}
	if st.Path == "" {
		mem := make([]byte, max(st.Length, int64(len(st.Data))))
		copy(mem, st.Data)
		s := newStream("", nil, mem, st.MaxBuffer)
		s.length = st.Length
		s.written = written
		return s, nil
	}

	f, err := os.OpenFile(st.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: reopening %s: %w", utils.ErrStorage, st.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", utils.ErrStorage, err)
	}
	size := info.Size()
	if !written.IsEmpty() && written.Maximum() >= uint64(size) {
		log.Warn().Str("op", "storage/state").Str("path", st.Path).Int64("size", size).Msg("Backing file shorter than recorded, dropping missing bytes")
		written.RemoveRange(uint64(size), written.Maximum()+1)
	}
	s := newStream(st.Path, f, nil, st.MaxBuffer)
	s.length = min(st.Length, size)
	s.written = written
	return s, nil
}
