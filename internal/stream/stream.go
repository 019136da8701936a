// Package stream implements a reconnecting client for Binance combined kline
// streams and a manager that shards a symbol universe across clients.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"klinelake/internal/domain"
)

// State is the lifecycle state of a Client.
type State int32

const (
	Initializing State = iota
	Streaming
	Reconnecting
	Exiting
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Exiting:
		return "exiting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Fatal marker reasons.
const (
	ReasonMaxReconnects = "Max reconnect retries reached"
	ReasonQueueOverflow = "Queue overflow"
)

// ErrFatal is matched by every fatal marker error.
var ErrFatal = errors.New("stream fatal")

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("stream client closed")

// FatalError is carried by the last Event of a client that gave up.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "stream fatal: " + e.Reason }

func (e *FatalError) Is(target error) bool { return target == ErrFatal }

// Event is one queue item: a closed candle, or a fatal marker when Err is
// set.
type Event struct {
	Symbol   string
	Interval string
	Candle   domain.Candle
	Err      error
}

// Options configures a Client. Zero values take defaults.
type Options struct {
	Name                string // shard label for logs and metrics
	MaxReconnects       int
	MaxReconnectSeconds int
	IdleTimeout         time.Duration
	QueueSize           int
	HandshakeTimeout    time.Duration
	Logger              *slog.Logger

	// Sleep and Rand drive the reconnect backoff; tests replace them.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

func (o *Options) setDefaults() {
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 5
	}
	if o.MaxReconnectSeconds <= 0 {
		o.MaxReconnectSeconds = 60
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

const minReconnectWait = 100 * time.Millisecond

// ReconnectWait returns round(r × min(maxSeconds, 2^attempts − 1) + 1)
// seconds, floored at 0.1s. r is in [0, 1).
func ReconnectWait(attempts, maxSeconds int, r float64) time.Duration {
	expo := math.Pow(2, float64(attempts)) - 1
	secs := math.Round(r*math.Min(float64(maxSeconds), expo) + 1)
	return max(time.Duration(secs*float64(time.Second)), minReconnectWait)
}
