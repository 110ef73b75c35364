package commands

import (
	"time"

	"github.com/TogetherForABetterAI/calibration-service/errors"
	"github.com/TogetherForABetterAI/calibration-service/logger"
	"github.com/TogetherForABetterAI/calibration-service/session"
)

const (
	statusClientTimeout = 10 * time.Second
	reportDir           = "/var/lib/calibration-service/reports"
)

// unconfiguredUQ is the default session.UQ wired into serve until a real
// uncertainty-quantification engine is bound in. The UQ mathematics
// themselves are an external collaborator this repo only calls through
// session.UQ; every method here fails loudly, which the worker's
// documented failure policy already turns into a nack-without-requeue per
// batch rather than a crash.
type unconfiguredUQ struct{}

func newUnconfiguredUQ() *unconfiguredUQ {
	logger.Logger.Warnw("no UQ engine configured; every batch will be nacked until one is wired in")
	return &unconfiguredUQ{}
}

func (u *unconfiguredUQ) Calibrate(probs [][]float32, labels []int32) error {
	return errors.New("no UQ engine configured")
}

func (u *unconfiguredUQ) ConformityScores() []float64 { return nil }

func (u *unconfiguredUQ) Restore(scores []float64, alpha *float64) {}

func (u *unconfiguredUQ) GetUncertaintyOpt(probs [][]float32, labels []int32) (float64, float64, error) {
	return 0, 0, errors.New("no UQ engine configured")
}

func (u *unconfiguredUQ) BuildPredictionSets(probs [][]float32) ([][]bool, error) {
	return nil, errors.New("no UQ engine configured")
}

var _ session.UQ = (*unconfiguredUQ)(nil)
