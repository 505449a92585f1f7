package scheduler

import (
	"errors"
	"time"

	"fxalert/internal/task/engine"
	logx "fxalert/pkg/logx"
)

const enqueueWarnEvery = 30 * time.Second

type enqueueWarnState struct {
	last       time.Time
	suppressed int
}

// reportEnqueueError warns at most once per enqueueWarnEvery per job. The
// warning carries how many failures were swallowed since the previous one.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("trigger skipped, previous run still active", logx.String("job", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	st := s.enqWarn[name]
	if !st.last.IsZero() && now.Sub(st.last) < enqueueWarnEvery {
		st.suppressed++
		s.enqWarn[name] = st
		s.enqMu.Unlock()
		return
	}
	s.enqWarn[name] = enqueueWarnState{last: now}
	s.enqMu.Unlock()

	s.log.Warn("trigger could not enqueue job",
		logx.String("job", name),
		logx.Int("suppressed", st.suppressed),
		logx.Err(err),
	)
}
