package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ChunkCount               int           `yaml:"chunkCount"`
	ParallelDownload         bool          `yaml:"parallelDownload"`
	ParallelCount            int           `yaml:"parallelCount"`
	MinimumSizeOfChunking    int64         `yaml:"minimumSizeOfChunking"`
	Timeout                  time.Duration `yaml:"timeout"`
	MaxTryAgainOnFailover    int           `yaml:"maxTryAgainOnFailover"`
	RetryBackoff             time.Duration `yaml:"retryBackoff"`
	BlockSize                int           `yaml:"blockSize"`
	BufferSize               int64         `yaml:"bufferSize"`
	ReserveStorageSpace      bool          `yaml:"reserveStorageSpace"`
	MaximumSpeed             int64         `yaml:"maximumSpeed"`
	RangeDownload            bool          `yaml:"rangeDownload"`
	RangeLow                 int64         `yaml:"rangeLow"`
	RangeHigh                int64         `yaml:"rangeHigh"`
	StatePath                string        `yaml:"statePath"`
	CheckpointInterval       time.Duration `yaml:"checkpointInterval"`
	ClearPackageOnCompletion bool          `yaml:"clearPackageOnCompletion"`
	ProgressInterval         time.Duration `yaml:"progressInterval"`
}

func DefaultConfig() Config {
	return Config{
		ChunkCount:               8,
		ParallelDownload:         true,
		ParallelCount:            8,
		MinimumSizeOfChunking:    1024 * 1024,
		Timeout:                  30 * time.Second,
		MaxTryAgainOnFailover:    5,
		RetryBackoff:             500 * time.Millisecond,
		BlockSize:                1024 * 8,
		BufferSize:               1024 * 1024 * 8,
		ReserveStorageSpace:      true,
		RangeHigh:                -1,
		CheckpointInterval:       5 * time.Second,
		ClearPackageOnCompletion: true,
		ProgressInterval:         200 * time.Millisecond,
	}
}

// LoadConfig overlays the YAML file at path on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %v", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file: %v", err)
	}
	return cfg, nil
}

func (c Config) parallelism() int {
	if !c.ParallelDownload {
		return 1
	}
	return max(c.ParallelCount, 1)
}
