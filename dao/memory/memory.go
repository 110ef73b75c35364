// Package memory is an in-process fake implementing dao.DAO, used by
// tests that exercise the StageMachine, Pairer, and Worker without a live
// Postgres instance. It applies the same array-append/concat, upsert-by-
// batch_index, and arrival-order retrieval semantics as the Postgres
// implementation, just against plain Go maps instead of server-side SQL
// operators.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/TogetherForABetterAI/calibration-service/dao"
	"github.com/TogetherForABetterAI/calibration-service/errors"
)

// batchBlob carries a write's arrival sequence alongside its payload, so a
// later upsert to the same batch_index keeps its original arrival position
// instead of moving to the end — mirroring the Postgres DAO's ORDER BY
// created_at (set once, on first insert; untouched by ON CONFLICT DO UPDATE).
type batchBlob struct {
	seq  int64
	data []byte
}

// DAO is a single shared in-memory session store.
type DAO struct {
	mu      sync.Mutex
	scores  map[uuid.UUID]*dao.ScoresRecord
	inputs  map[uuid.UUID]map[int32]*batchBlob
	outputs map[uuid.UUID]map[int32]*batchBlob
	seq     int64
}

// New creates an empty in-memory DAO.
func New() *DAO {
	return &DAO{
		scores:  make(map[uuid.UUID]*dao.ScoresRecord),
		inputs:  make(map[uuid.UUID]map[int32]*batchBlob),
		outputs: make(map[uuid.UUID]map[int32]*batchBlob),
	}
}

func (d *DAO) CreateScoresRecord(ctx context.Context, sessionID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.scores[sessionID]; ok {
		return nil
	}
	d.scores[sessionID] = &dao.ScoresRecord{SessionID: sessionID, Stage: dao.StageInitialCalibration}
	return nil
}

func (d *DAO) GetLatestScoresRecord(ctx context.Context, sessionID uuid.UUID) (*dao.ScoresRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.scores[sessionID]
	if !ok {
		return nil, nil
	}
	copy := *record
	return &copy, nil
}

func (d *DAO) UpdateSessionState(ctx context.Context, sessionID uuid.UUID, updates dao.Updates) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.scores[sessionID]
	if !ok {
		return errors.Newf("memory dao: no scores record for session %s", sessionID)
	}

	record.BatchsCounter = updates.BatchsCounter
	record.Stage = updates.Stage

	if updates.PushAlpha != nil {
		record.Alphas = append(record.Alphas, *updates.PushAlpha)
	}
	if updates.PushUncertainty != nil {
		record.Uncertainties = append(record.Uncertainties, *updates.PushUncertainty)
	}
	if updates.PushCoverage != nil {
		record.Coverages = append(record.Coverages, *updates.PushCoverage)
	}
	if updates.PushSetsize != nil {
		record.Setsizes = append(record.Setsizes, *updates.PushSetsize)
	}
	if updates.PushConfidences != nil {
		record.Confidences = append(record.Confidences, updates.PushConfidences...)
	}
	if updates.Accuracy != nil {
		record.Accuracy = *updates.Accuracy
	}
	if updates.CorrectPreds != nil {
		record.CorrectPreds = *updates.CorrectPreds
	}
	if updates.TotalSamples != nil {
		record.TotalSamples = *updates.TotalSamples
	}
	if updates.Alpha != nil {
		record.Alpha = updates.Alpha
	}
	if updates.QHat != nil {
		record.QHat = updates.QHat
	}
	if updates.Scores != nil {
		record.Scores = append([]byte(nil), updates.Scores...)
	}
	return nil
}

func (d *DAO) WriteInputs(ctx context.Context, sessionID uuid.UUID, batchIndex int32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inputs[sessionID] == nil {
		d.inputs[sessionID] = make(map[int32]*batchBlob)
	}
	d.upsert(d.inputs[sessionID], batchIndex, data)
	return nil
}

func (d *DAO) WriteOutputs(ctx context.Context, sessionID uuid.UUID, batchIndex int32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outputs[sessionID] == nil {
		d.outputs[sessionID] = make(map[int32]*batchBlob)
	}
	d.upsert(d.outputs[sessionID], batchIndex, data)
	return nil
}

// upsert replaces the payload for batchIndex in place, preserving its
// original arrival seq if one already exists (caller holds d.mu).
func (d *DAO) upsert(byBatch map[int32]*batchBlob, batchIndex int32, data []byte) {
	if existing, ok := byBatch[batchIndex]; ok {
		existing.data = append([]byte(nil), data...)
		return
	}
	d.seq++
	byBatch[batchIndex] = &batchBlob{seq: d.seq, data: append([]byte(nil), data...)}
}

func (d *DAO) GetInputsFromSession(ctx context.Context, sessionID uuid.UUID) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return orderedBySeq(d.inputs[sessionID]), nil
}

func (d *DAO) GetOutputsFromSession(ctx context.Context, sessionID uuid.UUID) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return orderedBySeq(d.outputs[sessionID]), nil
}

// orderedBySeq returns blobs in arrival order, matching the Postgres DAO's
// ORDER BY created_at contract (insertion order, not batch_index order).
func orderedBySeq(byBatch map[int32]*batchBlob) [][]byte {
	blobs := make([]*batchBlob, 0, len(byBatch))
	for _, b := range byBatch {
		blobs = append(blobs, b)
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].seq < blobs[j].seq })

	out := make([][]byte, len(blobs))
	for i, b := range blobs {
		out[i] = b.data
	}
	return out
}

var _ dao.DAO = (*DAO)(nil)
