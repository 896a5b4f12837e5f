package chunk

import (
	"testing"
	"time"

	"github.com/tanq16/chunkwise/internal/storage"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name        string
		totalLength int64
		count       int
		rng         *Range
		wantCount   int
		wantStart   int64
		wantEnd     int64
	}{
		{"even split", 1000, 4, nil, 4, 0, 999},
		{"uneven split", 10679630, 64, nil, 64, 0, 10679629},
		{"count above length", 3, 10, nil, 3, 0, 2},
		{"zero count", 500, 0, nil, 1, 0, 499},
		{"negative count", 500, -3, nil, 1, 0, 499},
		{"bounded range", 1000, 4, &Range{Low: 100, High: 199}, 4, 100, 199},
		{"open range", 1000, 3, &Range{Low: 400, High: -1}, 3, 400, 999},
		{"negative low", 1000, 2, &Range{Low: -5, High: 9}, 2, 0, 9},
	}
	hub := NewHub(HubConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := hub.Partition(tt.totalLength, tt.count, tt.rng)
			if len(chunks) != tt.wantCount {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.wantCount)
			}
			if chunks[0].Start != tt.wantStart {
				t.Errorf("first start = %d, want %d", chunks[0].Start, tt.wantStart)
			}
			if last := chunks[len(chunks)-1]; last.End() != tt.wantEnd {
				t.Errorf("last end = %d, want %d", last.End(), tt.wantEnd)
			}
			var sum int64
			for i, c := range chunks {
				if c.ID != i {
					t.Errorf("chunk %d has id %d", i, c.ID)
				}
				if i > 0 && c.Start != chunks[i-1].End()+1 {
					t.Errorf("chunk %d starts at %d, previous ends at %d", i, c.Start, chunks[i-1].End())
				}
				if i > 0 && chunks[i-1].Length()-c.Length() > 1 {
					t.Errorf("chunk lengths %d and %d differ by more than one", chunks[i-1].Length(), c.Length())
				}
				sum += c.Length()
			}
			if want := tt.wantEnd - tt.wantStart + 1; sum != want {
				t.Errorf("lengths sum to %d, want %d", sum, want)
			}
		})
	}
}

func TestPartitionZeroLength(t *testing.T) {
	chunks := NewHub(HubConfig{}).Partition(0, 8, nil)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.Start != 0 || c.End() != -1 || c.Length() != 0 {
		t.Fatalf("got chunk {%d,%d} length %d, want {0,-1} length 0", c.Start, c.End(), c.Length())
	}
	if !c.IsDownloadCompleted() {
		t.Error("zero length chunk without storage should be complete")
	}
}

func TestPartitionInheritsConfig(t *testing.T) {
	hub := NewHub(HubConfig{Timeout: 3 * time.Second, MaxTryAgainOnFailover: 7})
	for _, c := range hub.Partition(100, 5, nil) {
		if c.Timeout != 3*time.Second || c.MaxTryAgainOnFailover != 7 {
			t.Fatalf("chunk %d: timeout %s retries %d", c.ID, c.Timeout, c.MaxTryAgainOnFailover)
		}
	}
}

func TestCanTryAgainOnFailover(t *testing.T) {
	tests := []struct {
		max  int
		want []bool
	}{
		{0, []bool{false, false}},
		{1, []bool{true, false}},
		{3, []bool{true, true, true, false}},
	}
	for _, tt := range tests {
		c := NewChunk(0, 0, 9)
		c.MaxTryAgainOnFailover = tt.max
		for i, want := range tt.want {
			if got := c.CanTryAgainOnFailover(); got != want {
				t.Errorf("max %d call %d = %v, want %v", tt.max, i+1, got, want)
			}
		}
		if c.FailoverCount() != len(tt.want) {
			t.Errorf("max %d: failover count %d, want %d", tt.max, c.FailoverCount(), len(tt.want))
		}
	}
}

func TestPositionValidity(t *testing.T) {
	s := storage.NewMemoryStream(nil, 0)
	c := NewChunk(0, 10, 19)
	c.SetStorage(s)
	if err := s.Write(10, make([]byte, 4), 4); err != nil {
		t.Fatal(err)
	}

	c.SetPosition(4)
	if !c.IsValidPosition() {
		t.Error("position matching the written prefix should be valid")
	}
	if c.IsDownloadCompleted() {
		t.Error("chunk with 4 of 10 bytes should not be complete")
	}

	c.SetPosition(7)
	if c.IsValidPosition() {
		t.Error("position past the written prefix should be invalid")
	}
	c.SetValidPosition()
	if c.Position() != 4 {
		t.Errorf("repaired position = %d, want 4", c.Position())
	}

	c.SetPosition(11)
	if c.IsValidPosition() {
		t.Error("position past the chunk length should be invalid")
	}

	if err := s.Write(14, make([]byte, 6), 6); err != nil {
		t.Fatal(err)
	}
	c.SetPosition(10)
	if !c.IsDownloadCompleted() {
		t.Error("fully written chunk should be complete")
	}

	bare := NewChunk(1, 0, 9)
	bare.SetPosition(5)
	if bare.IsValidPosition() {
		t.Error("position without storage should be invalid")
	}
	bare.SetValidPosition()
	if bare.Position() != 0 {
		t.Errorf("position without storage repaired to %d, want 0", bare.Position())
	}
}

func TestClearKeepsConfiguration(t *testing.T) {
	s := storage.NewMemoryStream(nil, 0)
	c := NewChunk(2, 0, 7)
	c.Timeout = time.Second
	c.MaxTryAgainOnFailover = 2
	c.SetStorage(s)
	s.Write(0, []byte("abcdefgh"), 8)
	c.SetPosition(8)
	c.CanTryAgainOnFailover()

	c.Clear()
	if c.Position() != 0 || c.FailoverCount() != 0 {
		t.Errorf("after Clear position %d failover %d, want 0 and 0", c.Position(), c.FailoverCount())
	}
	if c.Timeout != time.Second || c.MaxTryAgainOnFailover != 2 {
		t.Error("Clear changed the chunk configuration")
	}
	if n := s.WrittenPrefix(0, 7); n != 0 {
		t.Errorf("storage still holds %d bytes for the cleared region", n)
	}
}

func TestChunkJSON(t *testing.T) {
	c := NewChunk(3, 100, 199)
	c.SetPosition(42)
	c.Timeout = 5 * time.Second
	c.MaxTryAgainOnFailover = 4
	c.CanTryAgainOnFailover()

	data, err := c.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var got Chunk
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if got.ID != 3 || got.Start != 100 || got.End() != 199 || got.Position() != 42 ||
		got.Timeout != 5*time.Second || got.MaxTryAgainOnFailover != 4 || got.FailoverCount() != 1 {
		t.Errorf("round trip mismatch: %s", data)
	}
}
