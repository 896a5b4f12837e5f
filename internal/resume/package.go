// Package resume holds the resumable state of a download: its chunks, the
// shared storage they write into, and the JSON form used to pick a
// transfer up after a restart.
package resume

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/chunkwise/internal/chunk"
	"github.com/tanq16/chunkwise/internal/storage"
	"github.com/tanq16/chunkwise/internal/utils"
)

// Package is the resumable aggregate of one download. FileName is the
// storage file; an empty FileName keeps the content in memory.
type Package struct {
	ID             string
	URLs           []string
	FileName       string
	TotalFileSize  int64
	RangeDownload  bool
	RangeLow       int64
	RangeHigh      int64
	SupportsRange  bool
	IsSaveComplete bool
	Chunks         []*chunk.Chunk

	mu           sync.Mutex
	storage      *storage.Stream
	storageState *storage.State // loaded but not yet reopened
}

func New(urls []string, fileName string) *Package {
	return &Package{
		ID:            uuid.NewString(),
		URLs:          urls,
		FileName:      fileName,
		TotalFileSize: -1,
		RangeHigh:     -1,
	}
}

// Range returns the requested byte range, nil for a whole-resource download.
func (p *Package) Range() *chunk.Range {
	if !p.RangeDownload {
		return nil
	}
	return &chunk.Range{Low: p.RangeLow, High: p.RangeHigh}
}

// TargetLength is the number of bytes the chunks must cover, -1 when the
// resource size is unknown.
func (p *Package) TargetLength() int64 {
	if p.RangeDownload && p.RangeHigh >= 0 {
		return p.RangeHigh - max(p.RangeLow, 0) + 1
	}
	if p.TotalFileSize < 0 {
		return -1
	}
	if p.RangeDownload {
		return max(p.TotalFileSize-max(p.RangeLow, 0), 0)
	}
	return p.TotalFileSize
}

func (p *Package) Storage() *storage.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.storage
}

// BuildStorage attaches storage to the package and its chunks. A loaded
// package reopens the storage it was saved with; otherwise a new file (or
// memory buffer) is created, preallocated to the total size when reserve
// is set. Calling it again with storage attached only rewires the chunks.
func (p *Package) BuildStorage(reserve bool, maxBuffer int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.storage == nil {
		s, err := p.openStorage(reserve, maxBuffer)
		if err != nil {
			return err
		}
		p.storage = s
		p.storageState = nil
	}
	for _, c := range p.Chunks {
		c.SetStorage(p.storage)
	}
	return nil
}

func (p *Package) openStorage(reserve bool, maxBuffer int64) (*storage.Stream, error) {
	if p.storageState != nil {
		log.Debug().Str("op", "resume/package").Str("path", p.storageState.Path).Msg("Reopening saved storage")
		return storage.Restore(*p.storageState)
	}
	if p.FileName == "" {
		return storage.NewMemoryStream(nil, maxBuffer), nil
	}
	var size int64
	if reserve && p.TotalFileSize > 0 {
		size = p.TotalFileSize
	}
	return storage.NewFileStream(p.FileName, size, maxBuffer)
}

// Validate reconciles the chunks with the storage before a resume. Without
// range support every chunk restarts from zero; otherwise positions that
// disagree with the stored bytes are repaired. A chunk layout that does not
// cover the target contiguously is dropped so the caller re-partitions.
func (p *Package) Validate() error {
	if p.Storage() == nil {
		return fmt.Errorf("%w: package %s has no storage", utils.ErrValidation, p.ID)
	}
	if err := p.checkLayout(); err != nil {
		log.Warn().Str("op", "resume/package").Err(err).Msg("Dropping inconsistent chunk layout")
		p.resetChunks()
		return nil
	}
	for _, c := range p.Chunks {
		if !p.SupportsRange {
			c.Clear()
			continue
		}
		if !c.IsValidPosition() {
			before := c.Position()
			c.SetValidPosition()
			log.Debug().Str("op", "resume/package").Int("chunkId", c.ID).Int64("from", before).Int64("to", c.Position()).Msg("Repaired chunk position")
		}
	}
	return nil
}

func (p *Package) checkLayout() error {
	if len(p.Chunks) == 0 {
		return nil
	}
	var sum int64
	for i, c := range p.Chunks {
		if c.ID != i {
			return fmt.Errorf("%w: chunk %d has id %d", utils.ErrValidation, i, c.ID)
		}
		if i > 0 && c.Start != p.Chunks[i-1].End()+1 {
			return fmt.Errorf("%w: chunk %d is not contiguous", utils.ErrValidation, i)
		}
		sum += c.Length()
	}
	if target := p.TargetLength(); target >= 0 && !p.Chunks[0].IsOpenEnded() && sum != target {
		return fmt.Errorf("%w: chunks cover %d of %d bytes", utils.ErrValidation, sum, target)
	}
	return nil
}

func (p *Package) resetChunks() {
	for _, c := range p.Chunks {
		c.Clear()
	}
	p.Chunks = nil
}

// Restart forgets every chunk and stored byte so the package downloads a
// resource of totalSize from scratch. Attached storage is truncated to zero.
func (p *Package) Restart(totalSize int64, supportsRange bool) error {
	p.resetChunks()
	p.TotalFileSize = totalSize
	p.SupportsRange = supportsRange
	p.IsSaveComplete = false
	if s := p.Storage(); s != nil {
		return s.Truncate(0)
	}
	return nil
}

// Clear releases the chunks and the storage. It is safe to call on a
// cleared package.
func (p *Package) Clear() error {
	p.resetChunks()
	p.IsSaveComplete = false
	p.mu.Lock()
	s := p.storage
	p.storage = nil
	p.storageState = nil
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.Dispose(); err != nil && !errors.Is(err, utils.ErrDisposed) {
		return err
	}
	return nil
}

func (p *Package) Flush() error {
	if s := p.Storage(); s != nil {
		return s.Flush()
	}
	return nil
}

// Dispose flushes and releases the storage but keeps the chunks, so the
// package can still be saved and resumed.
func (p *Package) Dispose() error {
	p.mu.Lock()
	s := p.storage
	p.storage = nil
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	st, err := s.State()
	if err == nil {
		p.mu.Lock()
		p.storageState = &st
		p.mu.Unlock()
	}
	if derr := s.Dispose(); derr != nil {
		return derr
	}
	return err
}

func (p *Package) ReceivedBytes() int64 {
	var n int64
	for _, c := range p.Chunks {
		n += c.Position()
	}
	return n
}

func (p *Package) IsCompleted() bool {
	if len(p.Chunks) == 0 {
		return false
	}
	for _, c := range p.Chunks {
		if !c.IsDownloadCompleted() {
			return false
		}
	}
	return true
}
