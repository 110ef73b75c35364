package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/TogetherForABetterAI/calibration-service/broker"
	"github.com/TogetherForABetterAI/calibration-service/dao"
	"github.com/TogetherForABetterAI/calibration-service/errors"
	"github.com/TogetherForABetterAI/calibration-service/logger"
	"github.com/TogetherForABetterAI/calibration-service/pb"
)

const mlflowRoutingKey = "mlflow.key"

type pairSlot struct {
	inputs *pb.Tensor
	labels []int32
	probs  [][]float32
}

func (s *pairSlot) complete() bool {
	return s.inputs != nil && s.probs != nil && s.labels != nil
}

// Pairer matches inputs and outputs messages by batch_index, drops
// duplicates, feeds complete pairs to a StageMachine, and republishes
// paired envelopes for downstream observability (mlflow_exchange).
type Pairer struct {
	sessionID uuid.UUID
	userID    string
	format    pb.InputsFormat

	dao    dao.DAO
	stage  *StageMachine
	broker broker.Broker

	mu         sync.Mutex
	batches    map[int32]*pairSlot
	inputsEOF  bool
	outputsEOF bool

	onEOF func()
}

// NewPairer constructs a Pairer for one session.
func NewPairer(sessionID uuid.UUID, userID string, format pb.InputsFormat, d dao.DAO, stage *StageMachine, br broker.Broker, onEOF func()) *Pairer {
	return &Pairer{
		sessionID: sessionID,
		userID:    userID,
		format:    format,
		dao:       d,
		stage:     stage,
		broker:    br,
		batches:   make(map[int32]*pairSlot),
		onEOF:     onEOF,
	}
}

// RestoreState replays every persisted input/output blob for this session,
// rebuilding the in-memory pairing map and re-driving the StageMachine for
// any batch not yet reflected in its batch_counter. Lower batch indices are
// skipped since the persisted state already accounts for them.
func (p *Pairer) RestoreState(ctx context.Context) error {
	inputs, err := p.dao.GetInputsFromSession(ctx, p.sessionID)
	if err != nil {
		return errors.Wrapf(err, "restoring inputs for session %s", p.sessionID)
	}
	for _, raw := range inputs {
		msg, err := pb.DecodeInputsMessage(raw)
		if err != nil {
			logger.Logger.Warnw("skipping malformed persisted inputs", "session_id", p.sessionID, "error", err)
			continue
		}
		if err := p.handleInputsMessage(ctx, msg); err != nil {
			return err
		}
	}

	outputs, err := p.dao.GetOutputsFromSession(ctx, p.sessionID)
	if err != nil {
		return errors.Wrapf(err, "restoring outputs for session %s", p.sessionID)
	}
	for _, raw := range outputs {
		msg, err := pb.DecodeOutputsMessage(raw)
		if err != nil {
			logger.Logger.Warnw("skipping malformed persisted outputs", "session_id", p.sessionID, "error", err)
			continue
		}
		if err := p.handleOutputsMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// HandleInputsDelivery decodes and stores one inputs message, persisting
// the raw bytes first for crash recovery.
func (p *Pairer) HandleInputsDelivery(ctx context.Context, body []byte) error {
	msg, err := pb.DecodeInputsMessage(body)
	if err != nil {
		return errors.Wrap(err, "decoding inputs message")
	}
	if err := p.dao.WriteInputs(ctx, p.sessionID, msg.BatchIndex, body); err != nil {
		return errors.Wrapf(err, "persisting inputs for batch %d", msg.BatchIndex)
	}
	return p.handleInputsMessage(ctx, msg)
}

// HandleOutputsDelivery decodes and stores one outputs message, persisting
// the raw bytes first for crash recovery.
func (p *Pairer) HandleOutputsDelivery(ctx context.Context, body []byte) error {
	msg, err := pb.DecodeOutputsMessage(body)
	if err != nil {
		return errors.Wrap(err, "decoding outputs message")
	}
	if err := p.dao.WriteOutputs(ctx, p.sessionID, msg.BatchIndex, body); err != nil {
		return errors.Wrapf(err, "persisting outputs for batch %d", msg.BatchIndex)
	}
	return p.handleOutputsMessage(ctx, msg)
}

func (p *Pairer) handleInputsMessage(ctx context.Context, msg pb.InputsMessage) error {
	tensor, err := pb.DecodeTensor(msg.Data, p.format)
	if err != nil {
		return errors.Wrapf(err, "decoding input tensor for batch %d", msg.BatchIndex)
	}

	p.mu.Lock()
	slot := p.slotFor(msg.BatchIndex)
	if slot.inputs != nil {
		p.mu.Unlock()
		logger.Logger.Warnw("duplicate inputs for batch", "session_id", p.sessionID, "batch_index", msg.BatchIndex)
		return nil
	}
	slot.inputs = &tensor
	slot.labels = msg.Labels
	if msg.IsLastBatch {
		p.inputsEOF = true
	}
	complete := slot.complete()
	bothEOF := p.inputsEOF && p.outputsEOF
	p.mu.Unlock()

	if complete {
		if err := p.dispatchPair(ctx, msg.BatchIndex, slot); err != nil {
			return err
		}
	}
	if bothEOF && p.onEOF != nil {
		p.onEOF()
	}
	return nil
}

func (p *Pairer) handleOutputsMessage(ctx context.Context, msg pb.OutputsMessage) error {
	probs := make([][]float32, len(msg.Pred))
	for i, pred := range msg.Pred {
		probs[i] = pred.Values
	}

	p.mu.Lock()
	slot := p.slotFor(msg.BatchIndex)
	if slot.probs != nil {
		p.mu.Unlock()
		logger.Logger.Warnw("duplicate outputs for batch", "session_id", p.sessionID, "batch_index", msg.BatchIndex)
		return nil
	}
	slot.probs = probs
	if msg.EOF {
		p.outputsEOF = true
	}
	complete := slot.complete()
	bothEOF := p.inputsEOF && p.outputsEOF
	p.mu.Unlock()

	if complete {
		if err := p.dispatchPair(ctx, msg.BatchIndex, slot); err != nil {
			return err
		}
	}
	if bothEOF && p.onEOF != nil {
		p.onEOF()
	}
	return nil
}

// slotFor must be called with p.mu held.
func (p *Pairer) slotFor(batchIndex int32) *pairSlot {
	slot, ok := p.batches[batchIndex]
	if !ok {
		slot = &pairSlot{}
		p.batches[batchIndex] = slot
	}
	return slot
}

func (p *Pairer) dispatchPair(ctx context.Context, batchIndex int32, slot *pairSlot) error {
	if batchIndex < p.stage.BatchCounter() {
		logger.Logger.Debugw("skipping already-processed batch on replay", "session_id", p.sessionID, "batch_index", batchIndex)
	} else {
		if err := p.stage.ProcessEntry(ctx, Entry{BatchIndex: batchIndex, Probs: slot.probs, Labels: slot.labels}); err != nil {
			return err
		}
	}

	envelope := pb.PairedEnvelope{
		BatchIndex: batchIndex,
		UserID:     p.userID,
		SessionID:  p.sessionID.String(),
		Data:       tensorToBytes(*slot.inputs),
		Labels:     slot.labels,
		Pred:       predictionLists(slot.probs),
	}
	body := pb.EncodePairedEnvelope(envelope)
	if err := p.broker.Publish(ctx, "mlflow_exchange", mlflowRoutingKey, body); err != nil {
		logger.Logger.Warnw("publishing paired envelope failed", "session_id", p.sessionID, "batch_index", batchIndex, "error", err)
	}
	return nil
}

func predictionLists(probs [][]float32) []pb.PredictionList {
	out := make([]pb.PredictionList, len(probs))
	for i, row := range probs {
		out[i] = pb.PredictionList{Values: row}
	}
	return out
}

func tensorToBytes(t pb.Tensor) []byte {
	b := make([]byte, 0, len(t.Data)*4)
	for _, v := range t.Data {
		b = pb.AppendFloat32(b, v)
	}
	return b
}
