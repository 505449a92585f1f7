package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxFirstRunOffset = 15 * time.Second

// offsetSchedule fires first at first, then every interval on the same phase.
// The offset is derived from the job name, so the dispatch tick, ledger sweep
// and digest reconcile registered at startup do not all fire in the same
// second, and a restart keeps each job's offset.
type offsetSchedule struct {
	every time.Duration
	first time.Time
}

func (s *offsetSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	n := t.Sub(s.first)/s.every + 1
	return s.first.Add(n * s.every)
}

func intervalSchedule(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	var offset time.Duration
	if span := min(every, maxFirstRunOffset); span > 0 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(name))
		offset = time.Duration(h.Sum64() % uint64(span))
	}
	return &offsetSchedule{every: every, first: now.Add(offset)}, offset
}
