// Package async lends long-running goroutines from a bounded pool. A borrowed
// goroutine is returned to the pool when its task ends; the Handle lets the
// owner cancel and join it.
package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/vantage/errs"
)

// Task is the body run on a borrowed goroutine. It must return once ctx is
// cancelled.
type Task func(ctx context.Context) error

// Pool bounds how many tasks run at once and fails fast when saturated.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool lending at most limit goroutines.
func NewPool(limit int) (*Pool, error) {
	if limit <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("limit must be >0"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{ctx: ctx, cancel: cancel, slots: make(chan struct{}, limit)}, nil
}

// Handle controls one borrowed goroutine.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Borrow runs task on a pooled goroutine. ctx bounds the task's lifetime as
// well as the pool's.
func (p *Pool) Borrow(ctx context.Context, name string, task Task) (*Handle, error) {
	if task == nil {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("borrow context: %w", err)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"), errs.WithTarget(name))
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.mu.Unlock()
		return nil, errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"), errs.WithTarget(name))
	}
	p.wg.Add(1)
	p.mu.Unlock()

	taskCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer func() {
			stop()
			cancel()
			<-p.slots
			close(h.done)
			p.wg.Done()
		}()
		defer func() {
			if r := recover(); r != nil {
				h.err = errs.New("lib/async", errs.CodeExecution, errs.WithMessage(fmt.Sprintf("task panicked: %v", r)), errs.WithTarget(name))
			}
		}()
		h.err = task(taskCtx)
	}()
	return h, nil
}

// Active counts goroutines currently lent out.
func (p *Pool) Active() int {
	return len(p.slots)
}

// Close refuses new tasks and cancels running ones.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cancel()
	})
}

// Shutdown closes the pool and waits for running tasks or ctx expiry.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// Name is the label given at Borrow.
func (h *Handle) Name() string { return h.name }

// Cancel asks the task to stop. It does not wait.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the task returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the task is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Join waits for the task and returns its error.
func (h *Handle) Join() error {
	<-h.done
	return h.err
}

// JoinTimeout waits up to d and reports whether the task finished.
func (h *Handle) JoinTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// Err returns the task's error once it finished.
func (h *Handle) Err() error {
	if h.Alive() {
		return nil
	}
	return h.err
}
