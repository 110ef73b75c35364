package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	memorybroker "github.com/TogetherForABetterAI/calibration-service/broker/memory"
	memorydao "github.com/TogetherForABetterAI/calibration-service/dao/memory"
	"github.com/TogetherForABetterAI/calibration-service/status"
)

func newTestListener(t *testing.T, maxSessions int) (*Listener, *memorybroker.Broker) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	statusClient, err := status.New(srv.URL, time.Second, false)
	if err != nil {
		t.Fatalf("status.New: %v", err)
	}

	br := memorybroker.New()
	cfg := WorkerConfig{
		DAO:                  memorydao.New(),
		Broker:               br,
		Status:               statusClient,
		Reporter:             &recordingReporter{},
		NewUQ:                func() UQ { return newFakeUQ(0.3) },
		CalibrationLimit:     5,
		UncertaintyLimit:     10,
		ClientTimeoutSeconds: 60,
	}
	return NewListener(br, cfg, maxSessions), br
}

func TestListener_SpawnsWorkerForValidNotification(t *testing.T) {
	listener, br := newTestListener(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	time.Sleep(50 * time.Millisecond) // allow Run to declare topology

	sessionID := "22222222-2222-2222-2222-222222222222"
	// Literal wire payload (not json.Marshal of the Go struct) so this test
	// actually exercises the real `email` key a notification producer sends,
	// per the session-notification contract.
	body := []byte(`{"session_id":"` + sessionID + `","user_id":"user-1","inputs_format":"(2)","email":"user@example.com"}`)
	if err := br.PublishDirect(calibrationConnectionsQueue, body); err != nil {
		t.Fatalf("PublishDirect: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		listener.mu.Lock()
		count := len(listener.active)
		listener.mu.Unlock()
		if count == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for worker to be registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	listener.mu.Lock()
	var gotEmail string
	for _, w := range listener.active {
		gotEmail = w.session.RecipientEmail
	}
	listener.mu.Unlock()
	if gotEmail != "user@example.com" {
		t.Fatalf("worker session RecipientEmail = %q, want %q", gotEmail, "user@example.com")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener to shut down")
	}
}

func TestListener_NacksMalformedNotification(t *testing.T) {
	listener, br := newTestListener(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)

	if err := br.PublishDirect(calibrationConnectionsQueue, []byte(`{"user_id":""}`)); err != nil {
		t.Fatalf("PublishDirect: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	listener.mu.Lock()
	count := len(listener.active)
	listener.mu.Unlock()
	if count != 0 {
		t.Fatalf("active sessions = %d, want 0 for a malformed notification", count)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener to shut down")
	}
}
