package orchestration

import (
	"context"
	"fmt"
	"time"
)

func withContextCancelHook(ctx context.Context, onContextDone func()) chan struct{} {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			onContextDone()
		case <-done:
		}
	}()
	return done
}

type workerRun func(context.Context) error

func panicSafeNamedWorker(name string, run func(context.Context) error) workerRun {
	return func(ctx context.Context) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%s worker panicked: %v", name, recovered)
			}
		}()

		if err = run(ctx); err != nil {
			return fmt.Errorf("%s worker failed: %w", name, err)
		}

		return nil
	}
}

// sinceOrZero returns how long after start the mark happened, clamped to
// zero for marks that happened before start. Unset marks return zero.
func sinceOrZero(start time.Time, markNanos int64) time.Duration {
	if markNanos == 0 {
		return 0
	}
	return max(0, time.Unix(0, markNanos).Sub(start))
}
