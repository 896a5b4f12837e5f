package chunk

import "time"

type HubConfig struct {
	Timeout               time.Duration
	MaxTryAgainOnFailover int
}

// Range restricts partitioning to [Low, High]. A negative High runs the
// range to the end of the resource.
type Range struct {
	Low  int64
	High int64
}

// Hub splits a resource into chunks. It keeps no state between calls.
type Hub struct {
	config HubConfig
}

func NewHub(cfg HubConfig) *Hub {
	return &Hub{config: cfg}
}

// Partition returns clamp(chunkCount, 1, length) contiguous chunks covering
// the resource (or rng), the remainder spread over the leading chunks.
func (h *Hub) Partition(totalLength int64, chunkCount int, rng *Range) []*Chunk {
	low, length := int64(0), totalLength
	if rng != nil {
		low = max(rng.Low, 0)
		if rng.High >= 0 {
			length = rng.High - low + 1
		} else {
			length = totalLength - low
		}
	}
	if length <= 0 {
		return []*Chunk{h.newChunk(0, low, low-1)}
	}

	count := min(max(int64(chunkCount), 1), length)
	size, remainder := length/count, length%count
	chunks := make([]*Chunk, count)
	start := low
	for i := int64(0); i < count; i++ {
		l := size
		if i < remainder {
			l++
		}
		chunks[i] = h.newChunk(int(i), start, start+l-1)
		start += l
	}
	return chunks
}

func (h *Hub) newChunk(id int, start, end int64) *Chunk {
	c := NewChunk(id, start, end)
	c.Timeout = h.config.Timeout
	c.MaxTryAgainOnFailover = h.config.MaxTryAgainOnFailover
	return c
}
