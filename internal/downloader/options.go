package downloader

import (
	"image"
	"net/http"
	"time"
)

// Priority orders pending tasks: higher priorities are admitted to the
// worker pool first.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
)

// ExecutionOrder controls how pending tasks of equal priority are admitted.
type ExecutionOrder int

const (
	// FIFO runs tasks in arrival order. This is the default.
	FIFO ExecutionOrder = iota
	// LIFO runs the most recently requested task first.
	LIFO
)

// Event identifies a lifecycle notification emitted for a task.
type Event int

const (
	EventStarted Event = iota
	EventResponseReceived
	EventStopped
	EventFinished
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "download-started"
	case EventResponseReceived:
		return "response-received"
	case EventStopped:
		return "download-stopped"
	case EventFinished:
		return "download-finished"
	default:
		return "unknown"
	}
}

// EventHook observes task lifecycle events. Hooks run on the task's
// goroutine and must be cheap.
type EventHook func(ev Event, url string)

// ProgressFunc reports transfer progress. expected is -1 while the total
// size is unknown.
type ProgressFunc func(received, expected int64)

// CompletionFunc reports the outcome of a download. With progressive
// decoding enabled it may fire repeatedly with a partial image and
// finished=false before the final invocation with finished=true. A nil
// image, nil data and nil error with finished=true means the body matched
// the caller's cached copy ("unchanged").
type CompletionFunc func(img image.Image, data []byte, err error, finished bool)

// Options configures a single download request.
type Options struct {
	// Priority orders this task against other pending tasks.
	Priority Priority

	// Progressive enables incremental decoding of the body as it arrives.
	// Partial images are delivered with finished=false and are never cached.
	Progressive bool

	// CachedData is a previously fetched body for this URL. When present, a
	// 304 response is accepted as a cache confirmation instead of an error.
	CachedData []byte

	// IgnoreCachedResponse makes a body byte-identical to CachedData
	// complete with nil image and data, signalling "unchanged".
	IgnoreCachedResponse bool

	// AllowInvalidCertificates disables TLS certificate verification for
	// this request. Testing only.
	AllowInvalidCertificates bool

	// HandleCookies stores and sends cookies through the coordinator's jar.
	HandleCookies bool

	// Headers are merged over the coordinator's default headers.
	Headers http.Header
}

// Config configures a Coordinator.
type Config struct {
	// Concurrency bounds the number of tasks transferring at once.
	Concurrency int

	// ExecutionOrder is FIFO or LIFO admission for pending tasks.
	ExecutionOrder ExecutionOrder

	// Timeout is the transport-level timeout per request.
	Timeout time.Duration

	// Headers are applied to every request.
	Headers http.Header

	// HeaderFilter, when set, gets the final say on a request's headers.
	HeaderFilter func(url string, headers http.Header) http.Header

	// Username and Password are offered once after an authentication
	// failure (HTTP 401) via basic auth.
	Username string
	Password string

	// Hooks observe task lifecycle events.
	Hooks []EventHook
}

const (
	// DefaultConcurrency matches the library default of six parallel downloads.
	DefaultConcurrency = 6

	// DefaultTimeout is the transport-level timeout (15s).
	DefaultTimeout = 15 * time.Second
)

// DefaultConfig returns the standard downloader configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency,
		Timeout:     DefaultTimeout,
	}
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg
}
