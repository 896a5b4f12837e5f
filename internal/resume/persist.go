package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/chunkwise/internal/chunk"
	"github.com/tanq16/chunkwise/internal/storage"
	"github.com/tanq16/chunkwise/internal/utils"
)

type packageJSON struct {
	ID             string         `json:"id"`
	URLs           []string       `json:"urls"`
	FileName       string         `json:"fileName"`
	TotalFileSize  int64          `json:"totalFileSize"`
	RangeDownload  bool           `json:"rangeDownload"`
	RangeLow       int64          `json:"rangeLow"`
	RangeHigh      int64          `json:"rangeHigh"`
	SupportsRange  bool           `json:"supportsRange"`
	IsSaveComplete bool           `json:"isSaveComplete"`
	Chunks         []*chunk.Chunk `json:"chunks"`
	Storage        *storage.State `json:"storage,omitempty"`
}

// MarshalJSON flushes attached storage so the saved state only claims bytes
// that are on the medium.
func (p *Package) MarshalJSON() ([]byte, error) {
	pj := packageJSON{
		ID:             p.ID,
		URLs:           p.URLs,
		FileName:       p.FileName,
		TotalFileSize:  p.TotalFileSize,
		RangeDownload:  p.RangeDownload,
		RangeLow:       p.RangeLow,
		RangeHigh:      p.RangeHigh,
		SupportsRange:  p.SupportsRange,
		IsSaveComplete: p.IsSaveComplete,
		Chunks:         p.Chunks,
	}
	p.mu.Lock()
	s, pending := p.storage, p.storageState
	p.mu.Unlock()
	switch {
	case s != nil:
		st, err := s.State()
		if err != nil {
			return nil, err
		}
		pj.Storage = &st
	case pending != nil:
		pj.Storage = pending
	}
	return json.Marshal(pj)
}

// UnmarshalJSON restores the package without touching the storage medium;
// BuildStorage reopens it.
func (p *Package) UnmarshalJSON(data []byte) error {
	var pj packageJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	p.ID = pj.ID
	p.URLs = pj.URLs
	p.FileName = pj.FileName
	p.TotalFileSize = pj.TotalFileSize
	p.RangeDownload = pj.RangeDownload
	p.RangeLow = pj.RangeLow
	p.RangeHigh = pj.RangeHigh
	p.SupportsRange = pj.SupportsRange
	p.IsSaveComplete = pj.IsSaveComplete
	p.Chunks = pj.Chunks
	p.mu.Lock()
	p.storage = nil
	p.storageState = pj.Storage
	p.mu.Unlock()
	return nil
}

// Save writes the package to path through a temporary file and a rename, so
// a crash never leaves a truncated state file behind.
func (p *Package) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding package: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating state directory: %v", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating state file: %v", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state file: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing state file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing state file: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing state file: %v", err)
	}
	log.Debug().Str("op", "resume/persist").Str("path", path).Int64("received", p.ReceivedBytes()).Msg("Package saved")
	return nil
}

// Load reads a package saved with Save. The caller attaches storage with
// BuildStorage and calls Validate before resuming.
func Load(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Package
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", utils.ErrValidation, path, err)
	}
	return &p, nil
}
