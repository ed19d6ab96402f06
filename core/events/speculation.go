package events

import "time"

const (
	// KindSpeculationStarted identifies a newly opened speculation session.
	KindSpeculationStarted Kind = "speculation.started"
	// KindSpeculationUpdated identifies an in-place session update.
	KindSpeculationUpdated Kind = "speculation.updated"
	// KindSpeculationPivoted identifies a session replaced within the turn.
	KindSpeculationPivoted Kind = "speculation.pivoted"
	// KindSpeculationConfirmed identifies a speculation matching the final transcript.
	KindSpeculationConfirmed Kind = "speculation.confirmed"
	// KindSpeculationCorrected identifies a speculation diverging from the final transcript.
	KindSpeculationCorrected Kind = "speculation.corrected"
)

// SpeculationStarted carries the partial transcript a session was opened for.
type SpeculationStarted struct {
	Base
	SessionID           string
	Partial             string
	Confidence          float64
	Intent              string
	PredictedCompletion string
}

// NewSpeculationStarted creates a speculation started event.
func NewSpeculationStarted(sessionID, partial string, confidence float64, intent, predictedCompletion string) SpeculationStarted {
	return SpeculationStarted{
		Base:                NewBase(KindSpeculationStarted),
		SessionID:           sessionID,
		Partial:             partial,
		Confidence:          confidence,
		Intent:              intent,
		PredictedCompletion: predictedCompletion,
	}
}

// SpeculationUpdated carries a revised partial absorbed by the active session.
type SpeculationUpdated struct {
	Base
	SessionID  string
	Partial    string
	Similarity float64
	Confidence float64
}

// NewSpeculationUpdated creates a speculation updated event.
func NewSpeculationUpdated(sessionID, partial string, similarity, confidence float64) SpeculationUpdated {
	return SpeculationUpdated{
		Base:       NewBase(KindSpeculationUpdated),
		SessionID:  sessionID,
		Partial:    partial,
		Similarity: similarity,
		Confidence: confidence,
	}
}

// SpeculationPivoted links the abandoned session to its replacement.
type SpeculationPivoted struct {
	Base
	PreviousSessionID string
	SessionID         string
	Partial           string
	Similarity        float64
	PivotConfidence   float64
}

// NewSpeculationPivoted creates a speculation pivoted event.
func NewSpeculationPivoted(previousSessionID, sessionID, partial string, similarity, pivotConfidence float64) SpeculationPivoted {
	return SpeculationPivoted{
		Base:              NewBase(KindSpeculationPivoted),
		PreviousSessionID: previousSessionID,
		SessionID:         sessionID,
		Partial:           partial,
		Similarity:        similarity,
		PivotConfidence:   pivotConfidence,
	}
}

// SpeculationConfirmed marks a speculation that survived the final transcript.
type SpeculationConfirmed struct {
	Base
	SessionID  string
	Final      string
	Similarity float64
	Elapsed    time.Duration
}

// NewSpeculationConfirmed creates a speculation confirmed event.
func NewSpeculationConfirmed(sessionID, final string, similarity float64, elapsed time.Duration) SpeculationConfirmed {
	return SpeculationConfirmed{
		Base:       NewBase(KindSpeculationConfirmed),
		SessionID:  sessionID,
		Final:      final,
		Similarity: similarity,
		Elapsed:    elapsed,
	}
}

// SpeculationCorrected marks a speculation the final transcript contradicted.
type SpeculationCorrected struct {
	Base
	SessionID  string
	Partial    string
	Final      string
	Similarity float64
	Strategy   string
	Elapsed    time.Duration
}

// NewSpeculationCorrected creates a speculation corrected event.
func NewSpeculationCorrected(sessionID, partial, final string, similarity float64, strategy string, elapsed time.Duration) SpeculationCorrected {
	return SpeculationCorrected{
		Base:       NewBase(KindSpeculationCorrected),
		SessionID:  sessionID,
		Partial:    partial,
		Final:      final,
		Similarity: similarity,
		Strategy:   strategy,
		Elapsed:    elapsed,
	}
}
