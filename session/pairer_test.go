package session

import (
	"context"
	"testing"

	"github.com/google/uuid"

	memorybroker "github.com/TogetherForABetterAI/calibration-service/broker/memory"
	memorydao "github.com/TogetherForABetterAI/calibration-service/dao/memory"
	"github.com/TogetherForABetterAI/calibration-service/pb"
)

func flatTensorBytes(vals []float32) []byte {
	var b []byte
	for _, v := range vals {
		b = pb.AppendFloat32(b, v)
	}
	return b
}

func newTestPairer(t *testing.T) (*Pairer, *StageMachine, *memorybroker.Broker) {
	t.Helper()
	d := memorydao.New()
	br := memorybroker.New()
	if err := br.DeclareQueue(context.Background(), "mlflow_queue", true); err != nil {
		t.Fatalf("DeclareQueue: %v", err)
	}
	if err := br.BindQueue(context.Background(), "mlflow_queue", "mlflow_exchange", mlflowRoutingKey); err != nil {
		t.Fatalf("BindQueue: %v", err)
	}

	sessionID := uuid.New()
	format := pb.InputsFormat{Shape: []int{2}}
	stage := NewStageMachine(d, newFakeUQ(0.3), sessionID, 10, 10)
	if err := stage.RestoreSession(context.Background()); err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}

	pairer := NewPairer(sessionID, "user-1", format, d, stage, br, func() {})
	return pairer, stage, br
}

func TestPairer_DispatchesOnComplete(t *testing.T) {
	ctx := context.Background()
	pairer, stage, _ := newTestPairer(t)

	inputsBody := pb.EncodeInputsMessage(pb.InputsMessage{
		BatchIndex: 0,
		Data:       flatTensorBytes([]float32{0.1, 0.2, 0.3, 0.4}),
		Labels:     []int32{1, 0},
	})
	if err := pairer.HandleInputsDelivery(ctx, inputsBody); err != nil {
		t.Fatalf("HandleInputsDelivery: %v", err)
	}
	if stage.BatchCounter() != 0 {
		t.Fatalf("BatchCounter before outputs arrive = %d, want 0", stage.BatchCounter())
	}

	outputsBody := pb.EncodeOutputsMessage(pb.OutputsMessage{
		BatchIndex: 0,
		Pred: []pb.PredictionList{
			{Values: []float32{0.4, 0.6}},
			{Values: []float32{0.7, 0.3}},
		},
	})
	if err := pairer.HandleOutputsDelivery(ctx, outputsBody); err != nil {
		t.Fatalf("HandleOutputsDelivery: %v", err)
	}
	if stage.BatchCounter() != 1 {
		t.Fatalf("BatchCounter after pair completes = %d, want 1", stage.BatchCounter())
	}
}

func TestPairer_DuplicateInputsIgnored(t *testing.T) {
	ctx := context.Background()
	pairer, stage, _ := newTestPairer(t)

	inputsBody := pb.EncodeInputsMessage(pb.InputsMessage{
		BatchIndex: 0,
		Data:       flatTensorBytes([]float32{0.1, 0.2}),
		Labels:     []int32{1},
	})
	if err := pairer.HandleInputsDelivery(ctx, inputsBody); err != nil {
		t.Fatalf("first HandleInputsDelivery: %v", err)
	}
	if err := pairer.HandleInputsDelivery(ctx, inputsBody); err != nil {
		t.Fatalf("duplicate HandleInputsDelivery should not error: %v", err)
	}

	outputsBody := pb.EncodeOutputsMessage(pb.OutputsMessage{
		BatchIndex: 0,
		Pred:       []pb.PredictionList{{Values: []float32{0.9, 0.1}}},
	})
	if err := pairer.HandleOutputsDelivery(ctx, outputsBody); err != nil {
		t.Fatalf("HandleOutputsDelivery: %v", err)
	}
	if stage.BatchCounter() != 1 {
		t.Fatalf("BatchCounter = %d, want 1 (single dispatch despite duplicate input)", stage.BatchCounter())
	}
}

func TestPairer_EOFFiresOnlyWhenBothStreamsDone(t *testing.T) {
	ctx := context.Background()
	d := memorydao.New()
	br := memorybroker.New()
	if err := br.DeclareQueue(ctx, "mlflow_queue", true); err != nil {
		t.Fatalf("DeclareQueue: %v", err)
	}
	if err := br.BindQueue(ctx, "mlflow_queue", "mlflow_exchange", mlflowRoutingKey); err != nil {
		t.Fatalf("BindQueue: %v", err)
	}

	sessionID := uuid.New()
	format := pb.InputsFormat{Shape: []int{2}}
	stage := NewStageMachine(d, newFakeUQ(0.3), sessionID, 10, 10)
	if err := stage.RestoreSession(ctx); err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}

	eofCount := 0
	pairer := NewPairer(sessionID, "user-1", format, d, stage, br, func() { eofCount++ })

	inputsBody := pb.EncodeInputsMessage(pb.InputsMessage{
		BatchIndex:  0,
		Data:        flatTensorBytes([]float32{0.1, 0.2}),
		Labels:      []int32{0},
		IsLastBatch: true,
	})
	if err := pairer.HandleInputsDelivery(ctx, inputsBody); err != nil {
		t.Fatalf("HandleInputsDelivery: %v", err)
	}
	if eofCount != 0 {
		t.Fatalf("eofCount = %d before outputs EOF, want 0", eofCount)
	}

	outputsBody := pb.EncodeOutputsMessage(pb.OutputsMessage{
		BatchIndex: 0,
		Pred:       []pb.PredictionList{{Values: []float32{0.5, 0.5}}},
		EOF:        true,
	})
	if err := pairer.HandleOutputsDelivery(ctx, outputsBody); err != nil {
		t.Fatalf("HandleOutputsDelivery: %v", err)
	}
	if eofCount != 1 {
		t.Fatalf("eofCount = %d after both streams EOF, want 1", eofCount)
	}
}
