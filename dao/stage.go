package dao

import "github.com/TogetherForABetterAI/calibration-service/errors"

// Stage is the calibration stage a session's ScoresRecord is in. Values are
// bit-exact with the 1-based enum the originating system persists, so a
// resumed record's integer stage round-trips without translation.
type Stage int

const (
	StageInitialCalibration        Stage = 1
	StageUncertaintyEstimation     Stage = 2
	StagePredictionSetConstruction Stage = 3
	StageFinished                  Stage = 4
)

// FromInt validates and converts a raw integer into a Stage.
func FromInt(v int) (Stage, error) {
	s := Stage(v)
	switch s {
	case StageInitialCalibration, StageUncertaintyEstimation, StagePredictionSetConstruction, StageFinished:
		return s, nil
	default:
		return 0, errors.Newf("invalid calibration stage: %d", v)
	}
}

func (s Stage) String() string {
	switch s {
	case StageInitialCalibration:
		return "INITIAL_CALIBRATION"
	case StageUncertaintyEstimation:
		return "UNCERTAINTY_ESTIMATION"
	case StagePredictionSetConstruction:
		return "PREDICTION_SET_CONSTRUCTION"
	case StageFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}
