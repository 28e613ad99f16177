package location

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReadFunc returns the current device position.
type ReadFunc func(ctx context.Context) (Fix, error)

// PolledWatch turns a position reader into a Watch: it reads once right away
// and then every policy.Interval, dropping fixes closer than
// policy.MinDistanceMeters to the last emitted one.
type PolledWatch struct {
	fixes  chan Fix
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewPolledWatch(ctx context.Context, policy Policy, read ReadFunc) *PolledWatch {
	ctx, cancel := context.WithCancel(ctx)
	w := &PolledWatch{
		fixes:  make(chan Fix),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(ctx, policy, read)
	return w
}

func (w *PolledWatch) Fixes() <-chan Fix {
	return w.fixes
}

// Cancel stops polling and waits until the poll goroutine has exited.
func (w *PolledWatch) Cancel() {
	w.once.Do(w.cancel)
	<-w.done
}

func (w *PolledWatch) run(ctx context.Context, policy Policy, read ReadFunc) {
	defer close(w.done)
	defer close(w.fixes)

	interval := policy.Interval
	if interval <= 0 {
		interval = TrackingPolicy().Interval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	var last *Fix
	poll := func() bool {
		fix, err := read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			slog.Warn("read position", "error", err.Error())
			return true
		}
		if last != nil && DistanceMeters(*last, fix) < policy.MinDistanceMeters {
			return true
		}
		select {
		case w.fixes <- fix:
			last = &fix
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !poll() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !poll() {
				return
			}
		}
	}
}
