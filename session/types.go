// Package session implements the per-client calibration pipeline: the
// Listener accepts new-session notifications, each Session gets its own
// Worker with a private broker channel pair, the Pairer matches inputs and
// outputs by batch_index, and the StageMachine drives the UQ calibration
// stages and persists progress after every processed batch.
package session

import (
	"github.com/google/uuid"

	"github.com/TogetherForABetterAI/calibration-service/dao"
	"github.com/TogetherForABetterAI/calibration-service/pb"
)

// Stage is re-exported from dao so callers don't need to import both
// packages to reason about a session's progress.
type Stage = dao.Stage

const (
	StageInitialCalibration        = dao.StageInitialCalibration
	StageUncertaintyEstimation     = dao.StageUncertaintyEstimation
	StagePredictionSetConstruction = dao.StagePredictionSetConstruction
	StageFinished                  = dao.StageFinished
)

// Status is a session's lifecycle status, reported to the Connections
// service on termination.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusTimeout    Status = "timeout"
	StatusCompleted  Status = "completed"
)

// Session is the in-memory record of one client's calibration run.
type Session struct {
	SessionID      uuid.UUID
	UserID         string
	InputsFormat   pb.InputsFormat
	RecipientEmail string
	Stage          Stage
	BatchCounter   int32
	Status         Status
}

// NewSessionNotification is the payload published on new_connections_exchange.
// user_id and session_id are required; a notification missing either is a
// poison message (nacked without requeue).
type NewSessionNotification struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	InputsFormat   string `json:"inputs_format"`
	RecipientEmail string `json:"email"`
}
