package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"fxalert/internal/eventbus"
	logx "fxalert/pkg/logx"
)

// slowRun is the duration above which a finished run logs at info.
const slowRun = time.Second

func (s *Service) work(ctx context.Context, p *pool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case q := <-p.queue:
			s.inFlight.Add(1)
			s.execute(ctx, p, q)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, p *pool, q queued) {
	if q.state != nil {
		defer q.state.release()
	}
	waited := time.Since(q.at)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && waited > maxDelay {
		s.droppedStale.Add(1)
		s.dropped(q.task, waited, "stale")
		return
	}

	ev := TaskEvent{ID: q.task.ID, Name: q.task.Name, QueueDelay: waited}
	s.publish(eventbus.TopicTaskStarted, ev)
	began := time.Now()

	var err error
	for attempt := 1; ; attempt++ {
		ev.Attempts = attempt
		err = s.attempt(ctx, q)
		if err == nil || IsNoRetry(err) || attempt > q.opt.RetryMax {
			break
		}
		wait := backoff(q.opt, attempt)
		s.log.Debug("task retrying", logx.String("task", q.task.Name), logx.Int("attempt", attempt+1), logx.Duration("in", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-p.stop:
			err = ErrStopped
		case <-t.C:
			continue
		}
		t.Stop()
		break
	}

	ev.Duration = time.Since(began)
	fields := []logx.Field{logx.String("task", q.task.Name), logx.Duration("took", ev.Duration), logx.Int("attempts", ev.Attempts)}
	if err != nil {
		ev.Error = err.Error()
		s.metrics.TaskRun(q.task.Name, "failed")
		s.publish(eventbus.TopicTaskFailed, ev)
		s.log.Warn("task failed", append(fields, logx.Err(err))...)
		return
	}
	s.metrics.TaskRun(q.task.Name, "ok")
	s.publish(eventbus.TopicTaskFinished, ev)
	if ev.Duration >= slowRun {
		s.log.Info("task finished", fields...)
	} else {
		s.log.Debug("task finished", fields...)
	}
}

// attempt runs the task once under its timeout. A panic is returned as a
// permanent error.
func (s *Service) attempt(ctx context.Context, q queued) (err error) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", q.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = NoRetry(fmt.Errorf("panic: %v", r))
		}
	}()
	return q.task.Run(ctx)
}

// backoff doubles RetryBase per attempt up to RetryMaxDelay, then spreads
// the result by up to ±20%.
func backoff(opt TaskOptions, attempt int) time.Duration {
	d := opt.RetryBase
	for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, opt.RetryMaxDelay)
	spread := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * spread)
}
