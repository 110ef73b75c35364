package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/TogetherForABetterAI/calibration-service/broker"
	"github.com/TogetherForABetterAI/calibration-service/errors"
	"github.com/TogetherForABetterAI/calibration-service/logger"
	"github.com/TogetherForABetterAI/calibration-service/pb"
)

const (
	newConnectionsExchange      = "new_connections_exchange"
	calibrationConnectionsQueue = "calibration_service_connections_queue"

	// memoryPressureThreshold is the system memory used-percent above which
	// the Listener defers new sessions rather than let an already
	// memory-constrained pod accept another concurrent calibration run.
	memoryPressureThreshold = 90.0
)

// Listener is the supervisor: it consumes new-session notifications,
// spawns one Worker per session, and reaps workers as they finish.
// Grounded on the original implementation's listener/_monitor_removals
// pair, adapted from a multiprocessing.Queue hand-off to a buffered Go
// channel drained by a single goroutine. Unlike the original, this
// supervisor does not publish a coordinator-scale signal when the
// concurrent-session ceiling is reached; it simply stops accepting new
// notifications until a slot frees up (see the decision recorded in
// DESIGN.md).
type Listener struct {
	br           broker.Broker
	workerConfig WorkerConfig
	maxSessions  int

	mu      sync.Mutex
	active  map[uuid.UUID]*Worker
	removed chan uuid.UUID
}

// NewListener constructs a Listener bound to br, spawning at most
// maxSessions concurrent Workers built from cfg.
func NewListener(br broker.Broker, cfg WorkerConfig, maxSessions int) *Listener {
	return &Listener{
		br:           br,
		workerConfig: cfg,
		maxSessions:  maxSessions,
		active:       make(map[uuid.UUID]*Worker),
		removed:      make(chan uuid.UUID, maxSessions),
	}
}

// Run declares the new-connections topology and processes notifications
// until ctx is cancelled, at which point every active Worker is stopped
// before Run returns. If the broker connection is lost mid-run (the
// deliveries channel closes without ctx being cancelled), Run reconnects
// with the broker's own backoff, re-declares the topology, and resumes
// consumption in place, per spec.md's listener failure policy.
func (l *Listener) Run(ctx context.Context) error {
	go l.monitorRemovals(ctx)

	for {
		if err := l.declareTopology(ctx); err != nil {
			return err
		}

		deliveries, err := l.br.Consume(ctx, calibrationConnectionsQueue, l.maxSessions)
		if err != nil {
			return errors.Wrap(err, "consuming calibration-connections queue")
		}

		connectionLost := l.consumeUntilClosed(ctx, deliveries)
		if !connectionLost {
			l.shutdown()
			return nil
		}

		logger.Logger.Warnw("new-connections queue delivery channel closed unexpectedly, reconnecting")
		if err := l.reconnect(ctx); err != nil {
			l.shutdown()
			return errors.Wrap(err, "reconnecting to broker")
		}
	}
}

// declareTopology idempotently (re)declares the new-connections exchange
// and the listener's own queue, bound together. Safe to call again after a
// reconnect.
func (l *Listener) declareTopology(ctx context.Context) error {
	if err := l.br.DeclareExchange(ctx, newConnectionsExchange, broker.Fanout, true); err != nil {
		return errors.Wrap(err, "declaring new-connections exchange")
	}
	if err := l.br.DeclareQueue(ctx, calibrationConnectionsQueue, true); err != nil {
		return errors.Wrap(err, "declaring calibration-connections queue")
	}
	if err := l.br.BindQueue(ctx, calibrationConnectionsQueue, newConnectionsExchange, ""); err != nil {
		return errors.Wrap(err, "binding calibration-connections queue")
	}
	return nil
}

// consumeUntilClosed processes notifications until ctx is cancelled (a
// true shutdown, reported as false) or the deliveries channel closes on
// its own (a broker connection loss, reported as true so Run can attempt
// to reconnect).
func (l *Listener) consumeUntilClosed(ctx context.Context, deliveries <-chan broker.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err() == nil
			}
			l.handleNotification(ctx, d)
		}
	}
}

// reconnect asks the broker to redial with its own exponential backoff. A
// broker that doesn't implement Reconnector has no recovery path and the
// loss is treated as fatal.
func (l *Listener) reconnect(ctx context.Context) error {
	reconnector, ok := l.br.(broker.Reconnector)
	if !ok {
		return errors.New("broker connection lost and broker does not support reconnect")
	}
	if err := reconnector.Reconnect(ctx); err != nil {
		return err
	}
	logger.Logger.Infow("broker reconnected, resuming new-connections consumption")
	return nil
}

func (l *Listener) handleNotification(ctx context.Context, d broker.Delivery) {
	var note NewSessionNotification
	if err := json.Unmarshal(d.Body, &note); err != nil {
		logger.Logger.Warnw("malformed session notification", "error", err)
		_ = d.Nack(false)
		return
	}
	if note.SessionID == "" || note.UserID == "" {
		logger.Logger.Warnw("session notification missing required fields", "session_id", note.SessionID, "user_id", note.UserID)
		_ = d.Nack(false)
		return
	}
	sessionID, err := uuid.Parse(note.SessionID)
	if err != nil {
		logger.Logger.Warnw("session notification has invalid session_id", "session_id", note.SessionID, "error", err)
		_ = d.Nack(false)
		return
	}

	format, err := pb.ParseInputsFormat(note.InputsFormat)
	if err != nil {
		logger.Logger.Warnw("session notification has invalid inputs_format", "session_id", note.SessionID, "error", err)
		_ = d.Nack(false)
		return
	}

	l.mu.Lock()
	if _, exists := l.active[sessionID]; exists {
		l.mu.Unlock()
		logger.Logger.Warnw("duplicate session notification", "session_id", sessionID)
		_ = d.Ack()
		return
	}
	full := len(l.active) >= l.maxSessions
	l.mu.Unlock()

	if full {
		logger.Logger.Warnw("at capacity, deferring new session", "session_id", sessionID, "max_sessions", l.maxSessions)
		_ = d.Nack(true)
		return
	}

	if underMemoryPressure() {
		logger.Logger.Warnw("deferring new session under memory pressure", "session_id", sessionID)
		_ = d.Nack(true)
		return
	}

	sess := Session{
		SessionID:      sessionID,
		UserID:         note.UserID,
		InputsFormat:   format,
		RecipientEmail: note.RecipientEmail,
		Stage:          StageInitialCalibration,
		Status:         StatusInProgress,
	}

	worker := NewWorker(ctx, sess, l.workerConfig)
	if err := worker.Start(); err != nil {
		logger.Logger.Errorw("failed to start worker", "session_id", sessionID, "error", err)
		_ = d.Nack(true)
		return
	}

	l.mu.Lock()
	l.active[sessionID] = worker
	l.mu.Unlock()

	go l.forwardRemoval(worker)

	_ = d.Ack()
	logger.Logger.Infow("session started", "session_id", sessionID)
}

// underMemoryPressure reports whether system memory use has crossed
// memoryPressureThreshold. A read failure is treated as "not under
// pressure" — admission control degrading gracefully rather than
// blocking every new session on a metrics-collection bug.
func underMemoryPressure() bool {
	stat, err := mem.VirtualMemory()
	if err != nil {
		logger.Logger.Warnw("reading system memory stats failed", "error", err)
		return false
	}
	return stat.UsedPercent >= memoryPressureThreshold
}

func (l *Listener) forwardRemoval(w *Worker) {
	sessionID := <-w.Removed
	select {
	case l.removed <- sessionID:
	default:
		logger.Logger.Warnw("removal channel full, dropping notification", "session_id", sessionID)
	}
}

// monitorRemovals drains completed sessions from the removal channel and
// evicts them from the active map, mirroring the original supervisor's
// background removal-monitor thread.
func (l *Listener) monitorRemovals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sessionID := <-l.removed:
			l.mu.Lock()
			delete(l.active, sessionID)
			count := len(l.active)
			l.mu.Unlock()
			logger.Logger.Infow("session removed", "session_id", sessionID, "active_sessions", count)
		}
	}
}

func (l *Listener) shutdown() {
	l.mu.Lock()
	workers := make([]*Worker, 0, len(l.active))
	for _, w := range l.active {
		workers = append(workers, w)
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
}
