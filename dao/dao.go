// Package dao defines the session store's consumed interface; dao/postgres
// implements it against Postgres. Array-valued fields (alphas, uncertainties, coverages,
// setsizes) and the confidences blob are updated with server-side
// array_append/|| operators rather than application-side read-modify-
// write, so two workers racing on the same session_id (a resumed session
// picked up by a second replica before the first one notices a shutdown)
// never clobber each other's appends.
package dao

import (
	"context"

	"github.com/google/uuid"
)

// ScoresRecord mirrors one row of the scores table.
type ScoresRecord struct {
	SessionID     uuid.UUID
	BatchsCounter int32
	Stage         Stage
	Alpha         *float64
	QHat          *float64
	Scores        []byte
	Confidences   []byte
	Alphas        []float64
	Uncertainties []float64
	Coverages     []float64
	Setsizes      []int32
	Accuracy      float64
	CorrectPreds  int32
	TotalSamples  int32
}

// Updates carries the fields update_session_state may touch. Push* fields
// are nil when that append shouldn't happen this call; BatchsCounter and
// Stage are always written, matching the unconditional assignment at the
// end of the originating system's update_session_state.
type Updates struct {
	PushAlpha       *float64
	PushUncertainty *float64
	PushCoverage    *float64
	PushSetsize     *int32
	PushConfidences []byte

	Accuracy     *float64
	CorrectPreds *int32
	TotalSamples *int32

	Alpha  *float64
	QHat   *float64
	Scores []byte

	BatchsCounter int32
	Stage         Stage
}

// DAO is the store this service consumes. Every call is scoped to one
// session_id; there is no cross-session query.
type DAO interface {
	// CreateScoresRecord inserts a zero-valued row for sessionID, doing
	// nothing if one already exists (on-conflict-do-nothing).
	CreateScoresRecord(ctx context.Context, sessionID uuid.UUID) error
	// GetLatestScoresRecord returns the row for sessionID, or nil if none
	// exists.
	GetLatestScoresRecord(ctx context.Context, sessionID uuid.UUID) (*ScoresRecord, error)
	// UpdateSessionState applies updates atomically.
	UpdateSessionState(ctx context.Context, sessionID uuid.UUID, updates Updates) error
	// WriteInputs upserts one batch's raw input bytes, keyed on
	// (sessionID, batchIndex).
	WriteInputs(ctx context.Context, sessionID uuid.UUID, batchIndex int32, data []byte) error
	// WriteOutputs upserts one batch's raw output bytes, keyed on
	// (sessionID, batchIndex).
	WriteOutputs(ctx context.Context, sessionID uuid.UUID, batchIndex int32, data []byte) error
	// GetInputsFromSession returns every stored input blob for sessionID,
	// in insertion order.
	GetInputsFromSession(ctx context.Context, sessionID uuid.UUID) ([][]byte, error)
	// GetOutputsFromSession returns every stored output blob for
	// sessionID, in insertion order.
	GetOutputsFromSession(ctx context.Context, sessionID uuid.UUID) ([][]byte, error)
}
