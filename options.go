package wcsnap

import (
	"os"
	"path/filepath"
	"time"

	"github.com/aweris/wcsnap/internal/history"
	"github.com/aweris/wcsnap/internal/remote"
	"github.com/aweris/wcsnap/internal/scan"
	"github.com/aweris/wcsnap/internal/upload"
)

// Untracked file policies
const (
	UntrackedKeep = scan.UntrackedKeep
	UntrackedAdd  = scan.UntrackedAdd
	UntrackedSkip = scan.UntrackedSkip
)

type UntrackedPolicy = scan.UntrackedPolicy

// RetryPolicy bounds retries of transient store failures.
type RetryPolicy = remote.Policy

// DefaultRetryPolicy makes four attempts with backoff doubling from 500ms
// up to 8s.
func DefaultRetryPolicy() RetryPolicy { return remote.DefaultPolicy() }

// ParseUntrackedPolicy accepts "keep", "add" or "skip". Empty means keep.
func ParseUntrackedPolicy(s string) (UntrackedPolicy, error) { return scan.ParseUntrackedPolicy(s) }

// Authenticator provides credentials for remote registries.
type Authenticator = remote.Authenticator

// StaticAuthenticator returns the same credentials for every registry.
type StaticAuthenticator = remote.StaticAuthenticator

// HistoryStore is the read-only view of versioned history a capture
// compares against.
type HistoryStore = history.Store

// PathClassifier decides whether paths outside the base revision are
// tracked, ignored or untracked.
type PathClassifier = scan.PathClassifier

// Options configures a capture.
type Options struct {
	Store      Store
	History    HistoryStore
	Classifier PathClassifier

	Auth     Authenticator
	Insecure bool
	DataDir  string

	Concurrency    int
	Retry          RetryPolicy
	ProbeBatch     int
	BytesPerSecond int64
	MinWrites      int
	Untracked      UntrackedPolicy

	CompressionLevel int

	Timestamp time.Time
	Clock     func() time.Time

	afterScan func() // test hook
}

// Option is a functional option for configuring a capture.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		DataDir:          defaultDataDir(),
		Concurrency:      8,
		Retry:            remote.DefaultPolicy(),
		ProbeBatch:       upload.DefaultProbeBatch,
		Untracked:        UntrackedKeep,
		CompressionLevel: 2,
	}
}

func newOptions(opts []Option) *Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithStore bypasses endpoint parsing and uses s as the remote.
func WithStore(s Store) Option {
	return func(o *Options) { o.Store = s }
}

// WithHistory replaces the git repository found at the working directory.
func WithHistory(h HistoryStore) Option {
	return func(o *Options) { o.History = h }
}

func WithClassifier(c PathClassifier) Option {
	return func(o *Options) { o.Classifier = c }
}

// WithAuth sets custom registry authentication.
func WithAuth(auth Authenticator) Option {
	return func(o *Options) { o.Auth = auth }
}

// WithInsecure allows plain HTTP registries.
func WithInsecure(insecure bool) Option {
	return func(o *Options) { o.Insecure = insecure }
}

// WithDataDir sets where the default local store lives.
func WithDataDir(dir string) Option {
	return func(o *Options) { o.DataDir = dir }
}

// WithConcurrency sets the number of parallel hashes, probes and uploads.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

func WithRetry(p RetryPolicy) Option {
	return func(o *Options) { o.Retry = p }
}

func WithProbeBatch(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.ProbeBatch = n
		}
	}
}

// WithBandwidthLimit caps aggregate upload throughput. Zero means no limit.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(o *Options) { o.BytesPerSecond = bytesPerSecond }
}

// WithMinWrites sets how many endpoints must acknowledge each write when
// several are configured. Zero requires all of them.
func WithMinWrites(n int) Option {
	return func(o *Options) { o.MinWrites = n }
}

func WithUntracked(p UntrackedPolicy) Option {
	return func(o *Options) { o.Untracked = p }
}

func WithCompressionLevel(level int) Option {
	return func(o *Options) { o.CompressionLevel = level }
}

// WithTimestamp fixes the snapshot timestamp. By default it is the newest
// modification time among captured files, so unchanged state yields the
// same snapshot id.
func WithTimestamp(t time.Time) Option {
	return func(o *Options) { o.Timestamp = t }
}

// WithClock stamps snapshots with the wall clock instead.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Clock = now }
}

func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "wcsnap")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "wcsnap")
	}
	return ".wcsnap"
}
