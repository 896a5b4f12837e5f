// Package storage implements the random-access sink shared by all chunks of
// a download. Writes may arrive concurrently and out of order; they are
// queued as packets, coalesced when contiguous, and flushed to a file or an
// in-memory buffer.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/chunkwise/internal/utils"
)

type Stream struct {
	// ioMu guards the medium and is always taken before mu.
	ioMu sync.Mutex
	path string
	file *os.File
	mem  []byte

	mu           sync.Mutex
	queue        []*Packet
	tails        map[int64]*Packet // queued packets by end offset
	pendingBytes int64
	length       int64
	maxBuffer    int64
	written      *roaring64.Bitmap
	disposed     bool
}

// NewFileStream creates (or truncates) path and, when reserve is positive,
// preallocates it to reserve bytes.
func NewFileStream(path string, reserve, maxBuffer int64) (*Stream, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating directory: %w", utils.ErrStorage, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", utils.ErrStorage, path, err)
	}
	if reserve > 0 {
		if err := preallocate(f, reserve); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: reserving %d bytes: %w", utils.ErrStorage, reserve, err)
		}
	}
	log.Debug().Str("op", "storage/stream").Str("path", path).Int64("reserve", reserve).Msg("File stream created")
	return newStream(path, f, nil, maxBuffer), nil
}

// NewMemoryStream starts with a copy of data as already written content.
func NewMemoryStream(data []byte, maxBuffer int64) *Stream {
	mem := make([]byte, len(data))
	copy(mem, data)
	s := newStream("", nil, mem, maxBuffer)
	s.length = int64(len(mem))
	if len(mem) > 0 {
		s.written.AddRange(0, uint64(len(mem)))
	}
	return s
}

func newStream(path string, f *os.File, mem []byte, maxBuffer int64) *Stream {
	if maxBuffer <= 0 {
		maxBuffer = utils.DefaultBufferSize
	}
	return &Stream{
		path:      path,
		file:      f,
		mem:       mem,
		tails:     make(map[int64]*Packet),
		maxBuffer: maxBuffer,
		written:   roaring64.New(),
	}
}

func (s *Stream) Path() string {
	return s.path
}

func (s *Stream) IsMemory() bool {
	return s.path == ""
}

// Write queues data[:count] at offset. The stream keeps a reference to data
// until it is flushed, so callers must not modify it afterwards. A writer
// that pushes the queue over the buffer limit flushes it.
func (s *Stream) Write(offset int64, data []byte, count int) error {
	if offset < 0 || count < 0 {
		return fmt.Errorf("%w: offset %d count %d", utils.ErrArgument, offset, count)
	}
	if count > len(data) {
		return fmt.Errorf("%w: count %d exceeds buffer of %d bytes", utils.ErrArgument, count, len(data))
	}
	if count == 0 {
		return nil
	}
	p := &Packet{Position: offset, Data: data[:count:count], Length: count}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return utils.ErrDisposed
	}
	// A rewrite of bytes already queued must stay behind them in the queue,
	// so it is never merged into an earlier packet.
	rewrite := s.countWritten(offset, offset+int64(count)-1) > 0
	if prev, ok := s.tails[offset]; ok && !rewrite && prev.Merge(p) {
		delete(s.tails, offset)
		s.tails[prev.End()] = prev
	} else {
		s.queue = append(s.queue, p)
		s.tails[p.End()] = p
	}
	s.pendingBytes += int64(count)
	s.written.AddRange(uint64(offset), uint64(offset)+uint64(count))
	s.length = max(s.length, offset+int64(count))
	full := s.pendingBytes >= s.maxBuffer
	s.mu.Unlock()

	if full {
		return s.flush(false)
	}
	return nil
}

// Flush writes every queued packet to the medium and syncs a backing file.
// Writes issued before Flush are durable when it returns.
func (s *Stream) Flush() error {
	return s.flush(true)
}

func (s *Stream) flush(sync bool) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.flushLocked(sync)
}

// flushLocked requires ioMu.
func (s *Stream) flushLocked(sync bool) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return utils.ErrDisposed
	}
	batch := s.queue
	s.queue = nil
	s.tails = make(map[int64]*Packet)
	s.pendingBytes = 0
	s.mu.Unlock()

	for _, p := range batch {
		if err := s.writeMedium(p); err != nil {
			return fmt.Errorf("%w: writing %d bytes at %d: %w", utils.ErrStorage, p.Length, p.Position, err)
		}
	}
	if sync && s.file != nil {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("%w: sync: %w", utils.ErrStorage, err)
		}
	}
	if len(batch) > 0 {
		log.Debug().Str("op", "storage/stream").Int("packets", len(batch)).Msg("Flushed pending packets")
	}
	return nil
}

// writeMedium requires ioMu.
func (s *Stream) writeMedium(p *Packet) error {
	if s.file != nil {
		_, err := s.file.WriteAt(p.Data[:p.Length], p.Position)
		return err
	}
	end := p.End()
	if end > int64(len(s.mem)) {
		s.growMemory(end)
	}
	copy(s.mem[p.Position:end], p.Data[:p.Length])
	return nil
}

// growMemory requires ioMu; new bytes are zero.
func (s *Stream) growMemory(size int64) {
	if size <= int64(cap(s.mem)) {
		s.mem = s.mem[:size]
		return
	}
	grown := make([]byte, size, max(size, 2*int64(cap(s.mem))))
	copy(grown, s.mem)
	s.mem = grown
}

// Length is the highest offset+count ever written.
func (s *Stream) Length() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0, utils.ErrDisposed
	}
	return s.length, nil
}

// Bytes flushes and returns the whole logical content.
func (s *Stream) Bytes() ([]byte, error) {
	r, err := s.OpenRead()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := make([]byte, r.Size())
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading content: %w", utils.ErrStorage, err)
	}
	return buf, nil
}

// Reader is a read-only, seekable view of a flushed Stream.
type Reader struct {
	*io.SectionReader
	closer io.Closer
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// OpenRead flushes and returns an independent reader over [0, Length).
func (s *Stream) OpenRead() (*Reader, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	length, err := s.Length()
	if err != nil {
		return nil, err
	}
	if s.file == nil {
		buf := make([]byte, length)
		copy(buf, s.mem)
		return &Reader{SectionReader: io.NewSectionReader(bytes.NewReader(buf), 0, length)}, nil
	}
	// a cleared tail can leave the file shorter than the logical length
	if info, err := s.file.Stat(); err == nil && info.Size() < length {
		if err := s.file.Truncate(length); err != nil {
			return nil, fmt.Errorf("%w: %w", utils.ErrStorage, err)
		}
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrStorage, err)
	}
	return &Reader{SectionReader: io.NewSectionReader(f, 0, length), closer: f}, nil
}

// countWritten requires mu.
func (s *Stream) countWritten(start, end int64) uint64 {
	var before uint64
	if start > 0 {
		before = s.written.Rank(uint64(start - 1))
	}
	return s.written.Rank(uint64(end)) - before
}

// WrittenPrefix returns how many bytes starting at start have been written
// without a gap, up to end inclusive.
func (s *Stream) WrittenPrefix(start, end int64) int64 {
	if end < start || start < 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0
	}
	full := func(k int64) bool {
		return k == 0 || s.countWritten(start, start+k-1) == uint64(k)
	}
	n := end - start + 1
	if full(n) {
		return n
	}
	return int64(sort.Search(int(n), func(k int) bool { return !full(int64(k) + 1) }))
}

// ClearRegion forgets every byte written in [start, end], including queued
// packets. The medium is overwritten when the region is written again.
func (s *Stream) ClearRegion(start, end int64) {
	if end < start {
		return
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.written.RemoveRange(uint64(start), uint64(end)+1)

	var queue []*Packet
	for _, p := range s.queue {
		if p.End() <= start || p.Position > end {
			queue = append(queue, p)
			continue
		}
		if p.Position < start {
			n := int(start - p.Position)
			queue = append(queue, &Packet{Position: p.Position, Data: p.Data[:n:n], Length: n})
		}
		if p.End() > end+1 {
			cut := int(end + 1 - p.Position)
			queue = append(queue, &Packet{Position: end + 1, Data: p.Data[cut:p.Length], Length: p.Length - cut})
		}
	}
	s.queue = queue
	s.tails = make(map[int64]*Packet, len(queue))
	s.pendingBytes = 0
	for _, p := range queue {
		s.tails[p.End()] = p
		s.pendingBytes += int64(p.Length)
	}
	if s.file == nil && start < int64(len(s.mem)) {
		clear(s.mem[start:min(end+1, int64(len(s.mem)))])
	}
}

// Truncate cuts the stream to size bytes: queued packets and written bits at
// or past size are dropped and a backing file is truncated to size.
func (s *Stream) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: truncate to %d", utils.ErrArgument, size)
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return utils.ErrDisposed
	}
	var queue []*Packet
	for _, p := range s.queue {
		switch {
		case p.End() <= size:
			queue = append(queue, p)
		case p.Position < size:
			n := int(size - p.Position)
			queue = append(queue, &Packet{Position: p.Position, Data: p.Data[:n:n], Length: n})
		}
	}
	s.queue = queue
	s.tails = make(map[int64]*Packet, len(queue))
	s.pendingBytes = 0
	for _, p := range queue {
		s.tails[p.End()] = p
		s.pendingBytes += int64(p.Length)
	}
	if !s.written.IsEmpty() && s.written.Maximum() >= uint64(size) {
		s.written.RemoveRange(uint64(size), s.written.Maximum()+1)
	}
	s.length = min(s.length, size)
	if s.file != nil {
		if err := s.file.Truncate(size); err != nil {
			return fmt.Errorf("%w: truncating %s: %w", utils.ErrStorage, s.path, err)
		}
	} else if size < int64(len(s.mem)) {
		clear(s.mem[size:])
		s.mem = s.mem[:size]
	}
	log.Debug().Str("op", "storage/stream").Int64("size", size).Msg("Stream truncated")
	return nil
}

// Dispose flushes pending packets and releases the medium. Every later call
// fails with utils.ErrDisposed.
func (s *Stream) Dispose() error {
	flushErr := s.flush(true)
	if errors.Is(flushErr, utils.ErrDisposed) {
		return nil
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.queue = nil
	s.tails = nil
	s.mem = nil
	if s.file != nil {
		if err := s.file.Close(); err != nil && flushErr == nil {
			flushErr = fmt.Errorf("%w: %w", utils.ErrStorage, err)
		}
		s.file = nil
	}
	return flushErr
}
