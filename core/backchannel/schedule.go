package backchannel

import (
	"context"
	"time"
)

// Status is the lifecycle position of a schedule. It only moves forward.
type Status int

const (
	StatusScheduled Status = iota
	StatusExecuting
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusScheduled:
		return "scheduled"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s Status) terminal() bool {
	return s >= StatusCompleted
}

// Schedule is a read only snapshot of a scheduling attempt.
type Schedule struct {
	ID        string
	Turn      uint64
	Category  Category
	Phrase    Phrase
	Strategy  Strategy
	Delay     time.Duration
	Emergency bool
	Status    Status
	CreatedAt time.Time
	// FinishedAt is set once the schedule reaches a terminal status.
	FinishedAt time.Time
}

type schedule struct {
	Schedule

	ctx    context.Context
	cancel context.CancelFunc
}

// advance moves the schedule to next if that is a forward transition.
func (s *schedule) advance(next Status, now time.Time) bool {
	if s.Status.terminal() || next <= s.Status {
		return false
	}
	if next == StatusCompleted && s.Status != StatusExecuting {
		return false
	}
	s.Status = next
	if next.terminal() {
		s.FinishedAt = now
		s.cancel()
	}
	return true
}
