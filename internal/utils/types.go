package utils

import "time"

type Job struct {
	ID         string
	JobType    string
	URL        string
	OutputPath string
	StatePath  string
	Metadata   map[string]any
	HTTPConfig HTTPClientConfig
}

type DownloadEntry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
	Type       string `yaml:"type"`
}

type HTTPClientConfig struct {
	Timeout        time.Duration     `yaml:"timeout"`
	KATimeout      time.Duration     `yaml:"keepAliveTimeout"`
	ProxyURL       string            `yaml:"proxy"`
	ProxyUsername  string            `yaml:"proxyUsername"`
	ProxyPassword  string            `yaml:"proxyPassword"`
	UserAgent      string            `yaml:"userAgent"`
	Headers        map[string]string `yaml:"headers"`
	BearerToken    string            `yaml:"bearerToken"`
	HighThreadMode bool              `yaml:"-"` // advanced socket options for high concurrency
}
