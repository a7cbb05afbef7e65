package prover

import (
	"context"
	"sync"
	"time"
)

// Job is a proof running in the background.
type Job struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	result   *Result
	err      error
	started  time.Time
	finished time.Time
}

// Start runs p.Prove on its own goroutine. The proof is canceled when ctx
// is done or Cancel is called.
func Start(ctx context.Context, p Prover, in Input) *Job {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{
		done:    make(chan struct{}),
		cancel:  cancel,
		started: time.Now(),
	}
	go func() {
		defer cancel()
		res, err := p.Prove(ctx, in)
		j.mu.Lock()
		j.result, j.err = res, err
		j.finished = time.Now()
		j.mu.Unlock()
		close(j.done)
	}()
	return j
}

// Wait blocks until the proof finishes or ctx is done. Returning early on
// ctx does not stop the proof; call Cancel for that.
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll reports the outcome without blocking. done is false while the proof
// is still running.
func (j *Job) Poll() (res *Result, done bool, err error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.result, true, j.err
	default:
		return nil, false, nil
	}
}

// Done is closed when the proof finishes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel stops the proof.
func (j *Job) Cancel() {
	j.cancel()
}

// Elapsed is the running time so far, or the total once finished.
func (j *Job) Elapsed() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished.IsZero() {
		return time.Since(j.started)
	}
	return j.finished.Sub(j.started)
}
