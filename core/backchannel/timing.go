package backchannel

import "time"

// Strategy names how long a filler waits before it plays.
type Strategy string

const (
	StrategyImmediate Strategy = "immediate"
	StrategyShort     Strategy = "short"
	StrategyMedium    Strategy = "medium"
	StrategyLong      Strategy = "long"
	StrategyEmergency Strategy = "emergency"
)

// Priority is used to pick a strategy when the processing time is unknown.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

var strategyDelays = map[Strategy]time.Duration{
	StrategyImmediate: 100 * time.Millisecond,
	StrategyShort:     300 * time.Millisecond,
	StrategyMedium:    600 * time.Millisecond,
	StrategyLong:      1000 * time.Millisecond,
}

// Delay returns the wait for strategy. Emergency fillers wait for the
// configured emergency threshold.
func (s Strategy) Delay(emergencyThreshold time.Duration) time.Duration {
	if s == StrategyEmergency {
		return emergencyThreshold
	}
	return strategyDelays[s]
}

func selectStrategy(expected time.Duration, priority Priority, emergencyThreshold time.Duration) Strategy {
	if expected <= 0 {
		switch priority {
		case PriorityHigh:
			return StrategyImmediate
		case PriorityLow:
			return StrategyLong
		default:
			return StrategyMedium
		}
	}

	switch {
	case expected < 500*time.Millisecond:
		return StrategyShort
	case expected < time.Second:
		return StrategyMedium
	case expected < emergencyThreshold:
		return StrategyLong
	default:
		return StrategyImmediate
	}
}
