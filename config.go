// File: config.go
//
// Config and functional Options, following the pattern the teacher
// library uses for its server façade (DefaultConfig + With* options).

package connpool

import (
	"time"

	"github.com/arcwire/connpool/tlssession"
	"go.uber.org/zap"
)

// WorkerSelection chooses which worker a new connection is fed to.
type WorkerSelection int

const (
	SelectRoundRobin WorkerSelection = iota
	SelectLeastConnections
)

// Config holds the semantic options from spec §6.
type Config struct {
	QueueCapacity     int           // max bytes buffered per send queue
	SegBuffSize       int           // preferred read/write segment size
	MaxListenBacklog  int           // TCP listen backlog
	ConnServerTimeout time.Duration // active-connect completion deadline
	EnableTLS         bool
	TLSContext        *tlssession.Context
	NumWorkers        int // 0 => dispatcher-only
	WorkerSelection   WorkerSelection
	Logger            *zap.Logger
}

// DefaultConfig returns the pool's sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueCapacity:     1 << 20,
		SegBuffSize:       64 * 1024,
		MaxListenBacklog:  128,
		ConnServerTimeout: 5 * time.Second,
		NumWorkers:        4,
		WorkerSelection:   SelectRoundRobin,
		Logger:            zap.NewNop(),
	}
}

// Option mutates a Config at construction time.
type Option func(*Config)

func WithQueueCapacity(n int) Option        { return func(c *Config) { c.QueueCapacity = n } }
func WithSegBuffSize(n int) Option          { return func(c *Config) { c.SegBuffSize = n } }
func WithListenBacklog(n int) Option        { return func(c *Config) { c.MaxListenBacklog = n } }
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnServerTimeout = d }
}
func WithTLS(ctx *tlssession.Context) Option {
	return func(c *Config) { c.EnableTLS = true; c.TLSContext = ctx }
}
func WithNumWorkers(n int) Option { return func(c *Config) { c.NumWorkers = n } }
func WithWorkerSelection(s WorkerSelection) Option {
	return func(c *Config) { c.WorkerSelection = s }
}
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}
