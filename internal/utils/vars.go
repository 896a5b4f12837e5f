package utils

import "errors"

const DefaultBufferSize = 1024 * 1024 * 8 // 8MB buffer
const DefaultBlockSize = 1024 * 8
const TempDirName = ".chunkwise-temp"
const ToolUserAgent = "chunkwise/1337"

var (
	ErrRangeRequestsNotSupported = errors.New("range requests are not supported")
	ErrTransient                 = errors.New("transient transfer failure")
	ErrTimeout                   = errors.New("read timed out")
	ErrCanceled                  = errors.New("transfer canceled")
	ErrPaused                    = errors.New("transfer paused")
	ErrStorage                   = errors.New("storage failure")
	ErrValidation                = errors.New("inconsistent resume state")
	ErrDisposed                  = errors.New("stream is disposed")
	ErrArgument                  = errors.New("invalid argument")
)

// Retryable reports whether a chunk may try again after err.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrCanceled) || errors.Is(err, ErrStorage) {
		return false
	}
	return true
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"curl/7.88.1",
	"Wget/1.21.4",
}
