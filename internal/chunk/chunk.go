package chunk

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Storage is the slice of the shared stream a chunk works with.
type Storage interface {
	Write(offset int64, data []byte, count int) error
	WrittenPrefix(start, end int64) int64
	ClearRegion(start, end int64)
}

// Chunk is a contiguous byte range [Start, End] of the resource. Position
// counts the bytes already written for it. A chunk with End < Start has no
// declared length; it is read until EOF and sealed afterwards.
type Chunk struct {
	ID                    int
	Start                 int64
	Timeout               time.Duration
	MaxTryAgainOnFailover int

	end      atomic.Int64
	position atomic.Int64
	failover atomic.Int32
	storage  Storage
}

func NewChunk(id int, start, end int64) *Chunk {
	c := &Chunk{ID: id, Start: start}
	c.end.Store(end)
	return c
}

func (c *Chunk) End() int64 {
	return c.end.Load()
}

func (c *Chunk) Length() int64 {
	if end := c.End(); end >= c.Start {
		return end - c.Start + 1
	}
	return 0
}

// IsOpenEnded reports whether the chunk has no declared length.
func (c *Chunk) IsOpenEnded() bool {
	return c.End() < c.Start
}

func (c *Chunk) Position() int64 {
	return c.position.Load()
}

func (c *Chunk) SetPosition(p int64) {
	c.position.Store(p)
}

func (c *Chunk) FailoverCount() int {
	return int(c.failover.Load())
}

func (c *Chunk) Storage() Storage {
	return c.storage
}

func (c *Chunk) SetStorage(s Storage) {
	c.storage = s
}

// seal fixes the end of an open-ended chunk to what was actually read.
func (c *Chunk) seal() {
	if c.IsOpenEnded() {
		if pos := c.Position(); pos > 0 {
			c.end.Store(c.Start + pos - 1)
		}
	}
}

// CanTryAgainOnFailover counts a failed attempt and reports whether another
// one is allowed. With MaxTryAgainOnFailover 0 it is always false.
func (c *Chunk) CanTryAgainOnFailover() bool {
	n := c.failover.Add(1)
	return int(n) <= c.MaxTryAgainOnFailover
}

func (c *Chunk) writtenPrefix() int64 {
	end := c.End()
	if c.IsOpenEnded() {
		end = c.Start + c.Position() - 1
	}
	return c.storage.WrittenPrefix(c.Start, end)
}

// IsDownloadCompleted requires the position to cover the whole chunk and the
// storage to hold exactly that many bytes for the region.
func (c *Chunk) IsDownloadCompleted() bool {
	pos, length := c.Position(), c.Length()
	if pos != length {
		return false
	}
	if c.storage == nil {
		return length == 0
	}
	return c.writtenPrefix() == pos
}

// IsValidPosition is false when the position overflows the chunk or
// disagrees with what the storage holds for the region.
func (c *Chunk) IsValidPosition() bool {
	pos := c.Position()
	if pos < 0 || (!c.IsOpenEnded() && pos > c.Length()) {
		return false
	}
	if c.storage == nil {
		return pos == 0
	}
	return c.writtenPrefix() == pos
}

// SetValidPosition repairs the position from the storage, or resets it when
// there is no storage.
func (c *Chunk) SetValidPosition() {
	if c.storage == nil {
		c.position.Store(0)
		return
	}
	end := c.End()
	if c.IsOpenEnded() {
		end = c.Start + max(c.Position(), 0) - 1
	}
	c.position.Store(c.storage.WrittenPrefix(c.Start, end))
}

// Clear resets transient progress and drops the region from storage.
// Timeout and MaxTryAgainOnFailover are kept.
func (c *Chunk) Clear() {
	end := c.End()
	if c.IsOpenEnded() {
		end = c.Start + c.Position() - 1
	}
	if c.storage != nil {
		c.storage.ClearRegion(c.Start, end)
	}
	c.position.Store(0)
	c.failover.Store(0)
}

type chunkJSON struct {
	ID                    int           `json:"id"`
	Start                 int64         `json:"start"`
	End                   int64         `json:"end"`
	Position              int64         `json:"position"`
	Timeout               time.Duration `json:"timeout"`
	MaxTryAgainOnFailover int           `json:"maxTryAgainOnFailover"`
	FailoverCount         int           `json:"failoverCount"`
}

func (c *Chunk) MarshalJSON() ([]byte, error) {
	return json.Marshal(chunkJSON{
		ID:                    c.ID,
		Start:                 c.Start,
		End:                   c.End(),
		Position:              c.Position(),
		Timeout:               c.Timeout,
		MaxTryAgainOnFailover: c.MaxTryAgainOnFailover,
		FailoverCount:         c.FailoverCount(),
	})
}

func (c *Chunk) UnmarshalJSON(data []byte) error {
	var cj chunkJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return err
	}
	c.ID = cj.ID
	c.Start = cj.Start
	c.end.Store(cj.End)
	c.position.Store(cj.Position)
	c.Timeout = cj.Timeout
	c.MaxTryAgainOnFailover = cj.MaxTryAgainOnFailover
	c.failover.Store(int32(cj.FailoverCount))
	return nil
}
