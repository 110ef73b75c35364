package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	memorybroker "github.com/TogetherForABetterAI/calibration-service/broker/memory"
	memorydao "github.com/TogetherForABetterAI/calibration-service/dao/memory"
	"github.com/TogetherForABetterAI/calibration-service/pb"
	"github.com/TogetherForABetterAI/calibration-service/reporter"
	"github.com/TogetherForABetterAI/calibration-service/status"
)

type recordingReporter struct {
	mu        sync.Mutex
	generated []reporter.Summary
	sent      []string
}

func (r *recordingReporter) Generate(summary reporter.Summary) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generated = append(r.generated, summary)
	return "report-" + summary.SessionID, nil
}

func (r *recordingReporter) Send(path, recipient string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, path+":"+recipient)
	return nil
}

func newTestWorkerConfig(t *testing.T) (WorkerConfig, *recordingReporter, chan string) {
	t.Helper()
	statusCalls := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		statusCalls <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	statusClient, err := status.New(srv.URL, time.Second, false)
	if err != nil {
		t.Fatalf("status.New: %v", err)
	}

	rep := &recordingReporter{}

	cfg := WorkerConfig{
		DAO:                  memorydao.New(),
		Broker:               memorybroker.New(),
		Status:               statusClient,
		Reporter:             rep,
		NewUQ:                func() UQ { return newFakeUQ(0.3) },
		CalibrationLimit:     1,
		UncertaintyLimit:     2,
		ClientTimeoutSeconds: 5,
		IsProduction:         true,
	}
	return cfg, rep, statusCalls
}

func declareSessionQueues(t *testing.T, br *memorybroker.Broker, sessionID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	for _, q := range []string{inputsQueue(sessionID), outputsQueue(sessionID)} {
		if err := br.DeclareQueue(ctx, q, true); err != nil {
			t.Fatalf("DeclareQueue(%s): %v", q, err)
		}
	}
}

func TestWorker_EOFTriggersReportAndCompletedStatus(t *testing.T) {
	cfg, rep, statusCalls := newTestWorkerConfig(t)
	br := cfg.Broker.(*memorybroker.Broker)

	sessionID := uuid.New()
	declareSessionQueues(t, br, sessionID)

	sess := Session{
		SessionID:      sessionID,
		UserID:         "user-1",
		InputsFormat:   pb.InputsFormat{Shape: []int{2}},
		RecipientEmail: "user@example.com",
		Stage:          StageInitialCalibration,
		Status:         StatusInProgress,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(ctx, sess, cfg)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	inputsBody := pb.EncodeInputsMessage(pb.InputsMessage{
		BatchIndex:  0,
		Data:        flatTensorBytes([]float32{0.1, 0.2}),
		Labels:      []int32{0},
		IsLastBatch: true,
	})
	if err := br.PublishDirect(inputsQueue(sessionID), inputsBody); err != nil {
		t.Fatalf("PublishDirect inputs: %v", err)
	}

	outputsBody := pb.EncodeOutputsMessage(pb.OutputsMessage{
		BatchIndex: 0,
		Pred:       []pb.PredictionList{{Values: []float32{0.6, 0.4}}},
		EOF:        true,
	})
	if err := br.PublishDirect(outputsQueue(sessionID), outputsBody); err != nil {
		t.Fatalf("PublishDirect outputs: %v", err)
	}

	select {
	case sessionIDRemoved := <-w.Removed:
		if sessionIDRemoved != sessionID {
			t.Fatalf("Removed session = %s, want %s", sessionIDRemoved, sessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker to finish")
	}

	select {
	case path := <-statusCalls:
		if path != "/sessions/"+sessionID.String()+"/status/"+status.Completed {
			t.Fatalf("status call path = %q", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status update")
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.generated) != 1 {
		t.Fatalf("generated reports = %d, want 1", len(rep.generated))
	}
	if len(rep.sent) != 1 {
		t.Fatalf("sent reports = %d, want 1", len(rep.sent))
	}
}

func TestWorker_EOFSkipsReportOutsideProduction(t *testing.T) {
	cfg, rep, statusCalls := newTestWorkerConfig(t)
	cfg.IsProduction = false
	br := cfg.Broker.(*memorybroker.Broker)

	sessionID := uuid.New()
	declareSessionQueues(t, br, sessionID)

	sess := Session{
		SessionID:      sessionID,
		UserID:         "user-1",
		InputsFormat:   pb.InputsFormat{Shape: []int{2}},
		RecipientEmail: "user@example.com",
		Stage:          StageInitialCalibration,
		Status:         StatusInProgress,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(ctx, sess, cfg)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	inputsBody := pb.EncodeInputsMessage(pb.InputsMessage{
		BatchIndex:  0,
		Data:        flatTensorBytes([]float32{0.1, 0.2}),
		Labels:      []int32{0},
		IsLastBatch: true,
	})
	if err := br.PublishDirect(inputsQueue(sessionID), inputsBody); err != nil {
		t.Fatalf("PublishDirect inputs: %v", err)
	}

	outputsBody := pb.EncodeOutputsMessage(pb.OutputsMessage{
		BatchIndex: 0,
		Pred:       []pb.PredictionList{{Values: []float32{0.6, 0.4}}},
		EOF:        true,
	})
	if err := br.PublishDirect(outputsQueue(sessionID), outputsBody); err != nil {
		t.Fatalf("PublishDirect outputs: %v", err)
	}

	select {
	case <-w.Removed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker to finish")
	}

	select {
	case <-statusCalls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status update")
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.generated) != 0 || len(rep.sent) != 0 {
		t.Fatalf("report generated outside PRODUCTION: generated=%d sent=%d", len(rep.generated), len(rep.sent))
	}
}

func TestWorker_TimeoutPostsTimeoutStatus(t *testing.T) {
	cfg, _, statusCalls := newTestWorkerConfig(t)
	cfg.ClientTimeoutSeconds = 0
	br := cfg.Broker.(*memorybroker.Broker)

	sessionID := uuid.New()
	declareSessionQueues(t, br, sessionID)

	sess := Session{
		SessionID:    sessionID,
		UserID:       "user-1",
		InputsFormat: pb.InputsFormat{Shape: []int{2}},
		Stage:        StageInitialCalibration,
		Status:       StatusInProgress,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(ctx, sess, cfg)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	select {
	case path := <-statusCalls:
		if path != "/sessions/"+sessionID.String()+"/status/"+status.Timeout {
			t.Fatalf("status call path = %q", path)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for timeout status update")
	}
}
