package events

import (
	"time"

	"github.com/koscakluka/ema-turncore/core/texttospeech"
)

const (
	// KindBackchannelExecuted identifies filler audio that was produced.
	KindBackchannelExecuted Kind = "backchannel.executed"
	// KindBackchannelFailed identifies filler audio that could not be produced.
	KindBackchannelFailed Kind = "backchannel.failed"
)

// BackchannelExecuted carries a produced filler and its timing.
type BackchannelExecuted struct {
	Base
	ScheduleID     string
	Category       string
	Phrase         string
	Strategy       string
	Emergency      bool
	ScheduledDelay time.Duration
	ActualDelay    time.Duration
	Audio          texttospeech.AudioRef
}

// NewBackchannelExecuted creates a backchannel executed event.
func NewBackchannelExecuted(scheduleID, category, phrase, strategy string, emergency bool, scheduledDelay, actualDelay time.Duration, audio texttospeech.AudioRef) BackchannelExecuted {
	return BackchannelExecuted{
		Base:           NewBase(KindBackchannelExecuted),
		ScheduleID:     scheduleID,
		Category:       category,
		Phrase:         phrase,
		Strategy:       strategy,
		Emergency:      emergency,
		ScheduledDelay: scheduledDelay,
		ActualDelay:    actualDelay,
		Audio:          audio,
	}
}

// BackchannelFailed carries a filler that could not be produced.
type BackchannelFailed struct {
	Base
	ScheduleID     string
	Category       string
	Phrase         string
	ScheduledDelay time.Duration
	ActualDelay    time.Duration
	Err            error
}

// NewBackchannelFailed creates a backchannel failed event.
func NewBackchannelFailed(scheduleID, category, phrase string, scheduledDelay, actualDelay time.Duration, err error) BackchannelFailed {
	return BackchannelFailed{
		Base:           NewBase(KindBackchannelFailed),
		ScheduleID:     scheduleID,
		Category:       category,
		Phrase:         phrase,
		ScheduledDelay: scheduledDelay,
		ActualDelay:    actualDelay,
		Err:            err,
	}
}
