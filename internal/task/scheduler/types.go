package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fxalert/internal/eventbus"
	"fxalert/internal/task/engine"
	logx "fxalert/pkg/logx"
)

// Config controls the trigger service. Timezone is the default location for
// specs without a CRON_TZ prefix.
type Config struct {
	Enabled  bool
	Timezone string
}

type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Enqueuer is the part of the task engine the scheduler feeds.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	id          string
	name        string
	spec        string // cron spec or @every
	timeout     time.Duration
	job         func(ctx context.Context) error
	entryID     cron.EntryID
	firstOffset time.Duration
	opt         TaskOptions
	state       *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu   sync.Mutex
	enqWarn map[string]enqueueWarnState
}

type ScheduleInfo struct {
	ID          string
	Name        string
	Spec        string
	Timeout     time.Duration
	FirstOffset time.Duration // interval jobs only
	Next        time.Time
	Prev        time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
}
