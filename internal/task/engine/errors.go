package engine

import "errors"

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrQueueFull   = errors.New("task queue full")
	ErrOverlapSkip = errors.New("previous run still active")
)

// NoRetry marks a failure that a retry cannot fix (bad config, a closed
// store), so the engine reports it after the first attempt.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err}
}

func IsNoRetry(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }
