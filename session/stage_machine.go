package session

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/TogetherForABetterAI/calibration-service/dao"
	"github.com/TogetherForABetterAI/calibration-service/errors"
	"github.com/TogetherForABetterAI/calibration-service/internal/util"
	"github.com/TogetherForABetterAI/calibration-service/logger"
)

// Entry is one paired batch handed to the StageMachine.
type Entry struct {
	BatchIndex int32
	Probs      [][]float32
	Labels     []int32
}

// Results is the StageMachine's terminal report, valid only once Stage has
// reached StageFinished.
type Results struct {
	Accuracy              float64
	ModelUncertaintyUpper float64
	EmpiricalCoverage     float64
	MaxSetSize            int32
	Alpha                 float64
	AlphaStd              float64
	UncertaintyStd        float64
	Alphas                []float64
	Uncertainties         []float64
	BatchCoverages        []float64
	BatchSetsizes         []int32
	Confidences           []float64
}

// StageMachine drives one session's three-stage calibration pipeline and
// persists progress after every processed entry. batch_counter equal to a
// threshold still processes under the current stage; the stage transition
// takes effect starting with the next entry, matching the off-by-one in
// the persisted batchs_counter write (current+1) relative to the in-memory
// comparison.
type StageMachine struct {
	dao       dao.DAO
	uq        UQ
	sessionID uuid.UUID

	calibrationLimit int32
	uncertaintyLimit int32

	stage        Stage
	batchCounter int32

	alphas        []float64
	uncertainties []float64
	coverages     []float64
	setsizes      []int32
	correctPreds  int32
	totalSamples  int32
	accuracy      float64
	confidences   [][]float64
}

// NewStageMachine constructs a machine in the initial stage. Call
// RestoreSession before processing any entry to pick up persisted state.
func NewStageMachine(d dao.DAO, uq UQ, sessionID uuid.UUID, calibrationLimit, uncertaintyLimit int32) *StageMachine {
	return &StageMachine{
		dao:              d,
		uq:               uq,
		sessionID:        sessionID,
		calibrationLimit: calibrationLimit,
		uncertaintyLimit: uncertaintyLimit,
		stage:            StageInitialCalibration,
	}
}

// Stage returns the machine's current stage.
func (m *StageMachine) Stage() Stage { return m.stage }

// BatchCounter returns the number of batches durably processed so far.
func (m *StageMachine) BatchCounter() int32 { return m.batchCounter }

// RestoreSession loads persisted state for crash-safe resume. If no record
// exists yet, it creates one idempotently and leaves the machine at its
// zero state.
func (m *StageMachine) RestoreSession(ctx context.Context) error {
	record, err := m.dao.GetLatestScoresRecord(ctx, m.sessionID)
	if err != nil {
		return errors.Wrapf(err, "restoring session %s", m.sessionID)
	}
	if record == nil {
		return m.dao.CreateScoresRecord(ctx, m.sessionID)
	}

	m.batchCounter = record.BatchsCounter
	m.stage = record.Stage

	if record.Scores != nil {
		m.uq.Restore(bytesToFloat64s(record.Scores), record.Alpha)
	} else {
		m.uq.Restore(nil, record.Alpha)
	}

	m.alphas = append([]float64(nil), record.Alphas...)
	m.uncertainties = append([]float64(nil), record.Uncertainties...)
	m.coverages = append([]float64(nil), record.Coverages...)
	m.setsizes = append([]int32(nil), record.Setsizes...)
	if record.Confidences != nil {
		m.confidences = [][]float64{bytesToFloat64s(record.Confidences)}
	}
	m.correctPreds = record.CorrectPreds
	m.totalSamples = record.TotalSamples
	m.accuracy = record.Accuracy

	logger.Logger.Infow("restored session state",
		"session_id", m.sessionID, "batch_counter", m.batchCounter, "stage", m.stage.String())
	return nil
}

// ProcessEntry runs one batch through the stage appropriate for the
// current batch_counter, then persists the resulting state atomically.
// Callers must skip entries whose BatchIndex is less than BatchCounter();
// ProcessEntry itself does not re-check that invariant.
func (m *StageMachine) ProcessEntry(ctx context.Context, entry Entry) error {
	updates := dao.Updates{
		BatchsCounter: m.batchCounter + 1,
	}

	switch {
	case m.batchCounter <= m.calibrationLimit:
		if err := m.uq.Calibrate(entry.Probs, entry.Labels); err != nil {
			return errors.Wrapf(err, "calibrating session %s batch %d", m.sessionID, entry.BatchIndex)
		}
		scores := m.uq.ConformityScores()
		updates.Scores = float64sToBytes(scores)

		if m.batchCounter == m.calibrationLimit {
			m.transitionTo(StageUncertaintyEstimation)
		}

	case m.batchCounter <= m.uncertaintyLimit:
		u, alpha, err := m.uq.GetUncertaintyOpt(entry.Probs, entry.Labels)
		if err != nil {
			return errors.Wrapf(err, "getUncertaintyOpt session %s batch %d", m.sessionID, entry.BatchIndex)
		}
		if math.IsNaN(alpha) {
			return errors.Newf("getUncertaintyOpt produced NaN alpha for session %s batch %d", m.sessionID, entry.BatchIndex)
		}
		m.alphas = append(m.alphas, alpha)
		m.uncertainties = append(m.uncertainties, u)
		updates.PushAlpha = util.Ptr(alpha)
		updates.Alpha = util.Ptr(alpha)
		updates.PushUncertainty = &u

		if m.batchCounter == m.uncertaintyLimit {
			m.transitionTo(StagePredictionSetConstruction)
		}

	default:
		confidences, correct := computeAccuracyStats(entry.Probs, entry.Labels)
		sets, err := m.uq.BuildPredictionSets(entry.Probs)
		if err != nil {
			return errors.Wrapf(err, "buildPredictionSets session %s batch %d", m.sessionID, entry.BatchIndex)
		}
		m.correctPreds += correct
		m.totalSamples += int32(len(entry.Labels))
		if m.totalSamples > 0 {
			m.accuracy = float64(m.correctPreds) / float64(m.totalSamples)
		}
		coverage := empiricalCoverage(entry.Labels, sets)
		setsize := maxSetSize(sets)

		m.coverages = append(m.coverages, coverage)
		m.setsizes = append(m.setsizes, setsize)
		m.confidences = append(m.confidences, confidences)

		updates.PushConfidences = float64sToBytes(confidences)
		updates.PushCoverage = &coverage
		updates.PushSetsize = &setsize
		accuracy := m.accuracy
		correctPreds := m.correctPreds
		totalSamples := m.totalSamples
		updates.Accuracy = &accuracy
		updates.CorrectPreds = &correctPreds
		updates.TotalSamples = &totalSamples
	}
	updates.Stage = m.stage

	if err := m.dao.UpdateSessionState(ctx, m.sessionID, updates); err != nil {
		return errors.Wrapf(err, "persisting batch state for session %s batch %d", m.sessionID, entry.BatchIndex)
	}
	m.batchCounter++
	return nil
}

// Finish transitions the machine into the terminal FINISHED stage, called
// externally by the worker when the session ends (on EOF and also on
// timeout) rather than as a function of batch_counter.
func (m *StageMachine) Finish() {
	m.transitionTo(StageFinished)
}

func (m *StageMachine) transitionTo(next Stage) {
	logger.Logger.Infow("calibration stage transition",
		"session_id", m.sessionID, "from", m.stage.String(), "to", next.String())
	m.stage = next
}

// GetResults returns the terminal report. Only valid once Stage() ==
// StageFinished.
func (m *StageMachine) GetResults() (Results, error) {
	if m.stage != StageFinished {
		return Results{}, errors.Newf("results requested for session %s before FINISHED (stage=%s)", m.sessionID, m.stage.String())
	}

	var allConfidences []float64
	for _, c := range m.confidences {
		allConfidences = append(allConfidences, c...)
	}

	var maxSetsize int32
	for _, s := range m.setsizes {
		if s > maxSetsize {
			maxSetsize = s
		}
	}

	return Results{
		Accuracy:              m.accuracy,
		ModelUncertaintyUpper: nanMean(m.uncertainties),
		EmpiricalCoverage:     mean(m.coverages),
		MaxSetSize:            maxSetsize,
		Alpha:                 nanMean(m.alphas),
		AlphaStd:              nanStd(m.alphas),
		UncertaintyStd:        nanStd(m.uncertainties),
		Alphas:                append([]float64(nil), m.alphas...),
		Uncertainties:         append([]float64(nil), m.uncertainties...),
		BatchCoverages:        append([]float64(nil), m.coverages...),
		BatchSetsizes:         append([]int32(nil), m.setsizes...),
		Confidences:           allConfidences,
	}, nil
}

// computeAccuracyStats is pure: it must not mutate StageMachine state until
// the caller knows the batch's fallible work (BuildPredictionSets) has
// succeeded, so a failed batch leaves no trace in m.correctPreds/m.totalSamples.
func computeAccuracyStats(probs [][]float32, labels []int32) (confidences []float64, correct int32) {
	confidences = make([]float64, len(probs))
	for i, row := range probs {
		best := 0
		for j, p := range row {
			if p > row[best] {
				best = j
			}
		}
		confidences[i] = float64(row[best])
		if int32(best) == labels[i] {
			correct++
		}
	}
	return confidences, correct
}

func empiricalCoverage(labels []int32, sets [][]bool) float64 {
	if len(labels) == 0 {
		return 0
	}
	covered := 0
	for i, label := range labels {
		if int(label) < len(sets[i]) && sets[i][label] {
			covered++
		}
	}
	return float64(covered) / float64(len(labels))
}

func maxSetSize(sets [][]bool) int32 {
	var max int32
	for _, row := range sets {
		var size int32
		for _, member := range row {
			if member {
				size++
			}
		}
		if size > max {
			max = size
		}
	}
	return max
}

func nanMean(vals []float64) float64 {
	var sum float64
	var n int
	for _, v := range vals {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func nanStd(vals []float64) float64 {
	mean := nanMean(vals)
	if math.IsNaN(mean) {
		return math.NaN()
	}
	var sumSq float64
	var n int
	for _, v := range vals {
		if !math.IsNaN(v) {
			d := v - mean
			sumSq += d * d
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return math.Sqrt(sumSq / float64(n))
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func float64sToBytes(vals []float64) []byte {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		bits := math.Float64bits(v)
		for j := 0; j < 8; j++ {
			b[i*8+j] = byte(bits >> (8 * j))
		}
	}
	return b
}

func bytesToFloat64s(b []byte) []float64 {
	n := len(b) / 8
	vals := make([]float64, n)
	for i := 0; i < n; i++ {
		var bits uint64
		for j := 0; j < 8; j++ {
			bits |= uint64(b[i*8+j]) << (8 * j)
		}
		vals[i] = math.Float64frombits(bits)
	}
	return vals
}
