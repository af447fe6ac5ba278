package decision

import (
	"context"
	"sync"
	"time"
)

type acquireReq struct {
	reply chan bool
}

// ApprovalLimiter enforces the rolling-window auto-approval cap. A single
// goroutine owns the window state; workers request approval slots over a
// channel, so concurrent decisions can never exceed the cap.
type ApprovalLimiter struct {
	cap    int
	window time.Duration
	now    func() time.Time

	reqs      chan acquireReq
	done      chan struct{}
	closeOnce sync.Once
}

// NewApprovalLimiter starts the limiter actor. A non-positive cap disables
// auto-approval entirely. Close releases the goroutine.
func NewApprovalLimiter(cap int, window time.Duration) *ApprovalLimiter {
	return newApprovalLimiter(cap, window, time.Now)
}

func newApprovalLimiter(cap int, window time.Duration, now func() time.Time) *ApprovalLimiter {
	l := &ApprovalLimiter{
		cap:    cap,
		window: window,
		now:    now,
		reqs:   make(chan acquireReq),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// TryAcquire claims an approval slot. It returns false when the rolling
// window is at capacity or the context is done.
func (l *ApprovalLimiter) TryAcquire(ctx context.Context) bool {
	req := acquireReq{reply: make(chan bool, 1)}
	select {
	case l.reqs <- req:
	case <-ctx.Done():
		return false
	case <-l.done:
		return false
	}
	select {
	case ok := <-req.reply:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Close stops the limiter actor. Pending TryAcquire calls return false.
func (l *ApprovalLimiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *ApprovalLimiter) run() {
	var grants []time.Time
	for {
		select {
		case req := <-l.reqs:
			now := l.now()
			cutoff := now.Add(-l.window)
			keep := grants[:0]
			for _, t := range grants {
				if t.After(cutoff) {
					keep = append(keep, t)
				}
			}
			grants = keep
			if len(grants) < l.cap {
				grants = append(grants, now)
				req.reply <- true
			} else {
				req.reply <- false
			}
		case <-l.done:
			return
		}
	}
}
