package session

// UQ is the external uncertainty-quantification engine the core consumes.
// It is not implemented by this package — a real implementation is wired
// in by the process that constructs a StageMachine (e.g. a Python
// sidecar's gRPC stub, or an in-process conformal library). The core only
// needs these three operations and the scores/restore contract below.
type UQ interface {
	// Calibrate updates the conformity-score pool from one batch of
	// class-probability rows and labels.
	Calibrate(probs [][]float32, labels []int32) error
	// ConformityScores returns the current conformity score pool as a flat
	// float64 buffer, for persistence.
	ConformityScores() []float64
	// Restore reinitializes the conformity score pool and significance
	// level alpha from persisted state (scores as produced by
	// ConformityScores, decoded by the caller, and the last alpha).
	Restore(scores []float64, alpha *float64)
	// GetUncertaintyOpt returns this batch's uncertainty U and optimized
	// significance level alpha.
	GetUncertaintyOpt(probs [][]float32, labels []int32) (u float64, alpha float64, err error)
	// BuildPredictionSets returns one boolean membership row per sample
	// (which classes are in the prediction set).
	BuildPredictionSets(probs [][]float32) ([][]bool, error)
}
