package engine

import (
	"context"
	"sync"
	"time"
)

// Config sizes the worker pool. The scheduler decides when jobs fire; the
// engine decides how they run.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies to tasks with no Timeout of their own.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops runs that waited longer than this to start; 0
	// keeps them.
	MaxQueueDelay time.Duration

	// RetryMax is the default retry count; negative means none.
	RetryMax int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// TaskOptions tune one job. RetryMax 0 takes the engine default and -1
// disables retries; digest and dispatch jobs use -1 because a retry could
// resend what already went out.
type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (o TaskOptions) resolve(cfg Config) TaskOptions {
	switch {
	case o.RetryMax == 0:
		o.RetryMax = max(cfg.RetryMax, 0)
	case o.RetryMax < 0:
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 20 * time.Second
	}
	return o
}

// RunState is shared by every trigger of one job. A queued run counts as
// running, so a slow dispatch tick cannot stack copies behind itself.
type RunState struct {
	mu   sync.Mutex
	busy bool
}

func (s *RunState) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Task is one run of a job. Without State the engine keys overlap tracking
// by Name.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

// TaskEvent is the payload of the task.* bus topics.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type Stats struct {
	Enabled      bool
	Running      bool
	Workers      int
	QueueLen     int
	QueueCap     int
	InFlight     int
	DroppedFull  uint64
	DroppedStale uint64
}
