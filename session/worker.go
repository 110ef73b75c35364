package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TogetherForABetterAI/calibration-service/broker"
	"github.com/TogetherForABetterAI/calibration-service/dao"
	"github.com/TogetherForABetterAI/calibration-service/errors"
	"github.com/TogetherForABetterAI/calibration-service/logger"
	"github.com/TogetherForABetterAI/calibration-service/reporter"
	"github.com/TogetherForABetterAI/calibration-service/status"
)

func inputsQueue(sessionID uuid.UUID) string  { return sessionID.String() + "_inputs_cal_queue" }
func outputsQueue(sessionID uuid.UUID) string { return sessionID.String() + "_outputs_cal_queue" }

// WorkerConfig bundles the session-independent collaborators a Worker
// needs; the Listener holds one and passes it to every Worker it spawns.
type WorkerConfig struct {
	DAO                  dao.DAO
	Broker               broker.Broker
	Status               *status.Client
	Reporter             reporter.Reporter
	NewUQ                func() UQ
	CalibrationLimit     int32
	UncertaintyLimit     int32
	ClientTimeoutSeconds int
	// IsProduction gates report generation per spec invariant I6: the
	// Reporter only runs when the service is deployed as PRODUCTION, never
	// in TEST (the config default).
	IsProduction bool
}

// Worker owns one session end to end: it consumes both of that session's
// queues, feeds deliveries through a Pairer into a StageMachine, watches
// for inactivity, and on EOF (or timeout) finalizes the session and
// reports its terminal status. Grounded on the original implementation's
// per-session worker process and the teacher's context-scoped worker
// pool's Start/Stop/backoff shape, adapted from one pool of N generic
// workers to N independent single-purpose workers, one per session.
//
// Lock order: lastMessageMu and doneMu are both leaves and are never held
// at the same time by the same goroutine; neither nests inside the other.
type Worker struct {
	session Session
	cfg     WorkerConfig

	pairer *Pairer
	stage  *StageMachine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastMessageMu   sync.Mutex
	lastMessageTime time.Time

	doneMu sync.Mutex
	done   bool

	Removed chan uuid.UUID
}

// NewWorker constructs a Worker for one session. Call Start to begin
// consuming; the returned Worker reports its own completion on Removed.
func NewWorker(parent context.Context, sess Session, cfg WorkerConfig) *Worker {
	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		session: sess,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		Removed: make(chan uuid.UUID, 1),
	}
	w.stage = NewStageMachine(cfg.DAO, cfg.NewUQ(), sess.SessionID, cfg.CalibrationLimit, cfg.UncertaintyLimit)
	w.pairer = NewPairer(sess.SessionID, sess.UserID, sess.InputsFormat, cfg.DAO, w.stage, cfg.Broker, w.handleEOF)
	return w
}

// Start restores persisted state, declares and consumes both of this
// session's queues, and runs its timeout watchdog. It returns once setup
// completes; consumption continues on background goroutines until Stop is
// called, the worker's context is cancelled, or the session reaches EOF.
func (w *Worker) Start() error {
	if err := w.stage.RestoreSession(w.ctx); err != nil {
		return errors.Wrapf(err, "starting worker for session %s", w.session.SessionID)
	}
	if err := w.pairer.RestoreState(w.ctx); err != nil {
		return errors.Wrapf(err, "starting worker for session %s", w.session.SessionID)
	}

	inQ, outQ := inputsQueue(w.session.SessionID), outputsQueue(w.session.SessionID)
	for _, q := range []string{inQ, outQ} {
		if err := w.cfg.Broker.DeclareQueue(w.ctx, q, true); err != nil {
			return errors.Wrapf(err, "declaring queue %q", q)
		}
	}

	w.touch()

	w.wg.Add(3)
	go w.consumeLoop(inQ, w.pairer.HandleInputsDelivery)
	go w.consumeLoop(outQ, w.pairer.HandleOutputsDelivery)
	go w.watchdog()

	logger.Logger.Infow("worker started", "session_id", w.session.SessionID)
	return nil
}

// Stop cancels the worker's context and waits for its goroutines to
// drain, mirroring the teacher's bounded-wait shutdown.
func (w *Worker) Stop() {
	w.cancel()
	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(30 * time.Second):
		logger.Logger.Warnw("worker stop timed out waiting for goroutines", "session_id", w.session.SessionID)
	}
}

// consumeLoop owns one of this session's two queues end to end: it
// consumes, drains deliveries, and — if the broker connection is lost
// mid-session (the deliveries channel closes without the worker's context
// being cancelled) — reconnects with the broker's own backoff, re-declares
// the queue, and resumes consumption in place, mirroring the Listener's
// reconnect path and spec.md's "workers ... survive a broker restart".
func (w *Worker) consumeLoop(queue string, handle func(context.Context, []byte) error) {
	defer w.wg.Done()
	errorCount := 0
	for {
		deliveries, err := w.cfg.Broker.Consume(w.ctx, queue, 1)
		if err != nil {
			logger.Logger.Errorw("consuming queue failed", "session_id", w.session.SessionID, "queue", queue, "error", err)
			if !w.reconnectQueue(queue) {
				return
			}
			continue
		}

		connectionLost := w.drain(deliveries, handle, &errorCount)
		if !connectionLost {
			return
		}

		logger.Logger.Warnw("queue delivery channel closed unexpectedly, reconnecting", "session_id", w.session.SessionID, "queue", queue)
		if !w.reconnectQueue(queue) {
			return
		}
	}
}

// drain processes deliveries until the worker's context is cancelled
// (reported as false) or the channel closes on its own (a broker
// connection loss, reported as true).
func (w *Worker) drain(deliveries <-chan broker.Delivery, handle func(context.Context, []byte) error, errorCount *int) bool {
	for {
		select {
		case <-w.ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return w.ctx.Err() == nil
			}
			w.touch()
			if err := handle(w.ctx, d.Body); err != nil {
				*errorCount++
				logger.Logger.Errorw("delivery handling failed", "session_id", w.session.SessionID, "error", err)
				if nackErr := d.Nack(false); nackErr != nil {
					logger.Logger.Warnw("nack failed", "session_id", w.session.SessionID, "error", nackErr)
				}
				if *errorCount >= 5 {
					backoff := time.Duration(*errorCount) * time.Second
					if backoff > 30*time.Second {
						backoff = 30 * time.Second
					}
					time.Sleep(backoff)
				}
				continue
			}
			*errorCount = 0
			if err := d.Ack(); err != nil {
				logger.Logger.Warnw("ack failed", "session_id", w.session.SessionID, "error", err)
			}
		}
	}
}

// reconnectQueue asks the broker to redial with its own exponential
// backoff and re-declares queue. A broker that doesn't implement
// Reconnector has no recovery path and the loss is treated as fatal for
// this consumeLoop.
func (w *Worker) reconnectQueue(queue string) bool {
	reconnector, ok := w.cfg.Broker.(broker.Reconnector)
	if !ok {
		logger.Logger.Errorw("broker connection lost and broker does not support reconnect", "session_id", w.session.SessionID, "queue", queue)
		return false
	}
	if err := reconnector.Reconnect(w.ctx); err != nil {
		logger.Logger.Errorw("reconnect failed", "session_id", w.session.SessionID, "queue", queue, "error", err)
		return false
	}
	if err := w.cfg.Broker.DeclareQueue(w.ctx, queue, true); err != nil {
		logger.Logger.Errorw("redeclaring queue after reconnect failed", "session_id", w.session.SessionID, "queue", queue, "error", err)
		return false
	}
	logger.Logger.Infow("broker reconnected, resuming consumption", "session_id", w.session.SessionID, "queue", queue)
	return true
}

func (w *Worker) watchdog() {
	defer w.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	timeout := time.Duration(w.cfg.ClientTimeoutSeconds) * time.Second

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.lastMessageMu.Lock()
			idle := time.Since(w.lastMessageTime)
			w.lastMessageMu.Unlock()
			w.doneMu.Lock()
			alreadyDone := w.done
			w.doneMu.Unlock()
			if alreadyDone {
				return
			}
			if idle >= timeout {
				logger.Logger.Warnw("session timed out", "session_id", w.session.SessionID, "idle", idle)
				w.finish(status.Timeout)
				return
			}
		}
	}
}

func (w *Worker) touch() {
	w.lastMessageMu.Lock()
	w.lastMessageTime = time.Now()
	w.lastMessageMu.Unlock()
}

func (w *Worker) handleEOF() {
	w.finish(status.Completed)
}

// finish transitions the StageMachine to FINISHED, generates and "sends"
// a report (only for a completed session in production), posts the
// terminal status, and signals the Listener to remove this session. It is safe to call at most once in effect; later
// calls after done is set are no-ops.
func (w *Worker) finish(terminalStatus string) {
	w.doneMu.Lock()
	if w.done {
		w.doneMu.Unlock()
		return
	}
	w.done = true
	w.doneMu.Unlock()

	w.stage.Finish()

	if terminalStatus == status.Completed && w.cfg.IsProduction {
		results, err := w.stage.GetResults()
		if err != nil {
			logger.Logger.Errorw("computing terminal results", "session_id", w.session.SessionID, "error", err)
		} else {
			summary := reporter.Summary{
				SessionID:             w.session.SessionID.String(),
				Accuracy:              results.Accuracy,
				ModelUncertaintyUpper: results.ModelUncertaintyUpper,
				EmpiricalCoverage:     results.EmpiricalCoverage,
				MaxSetSize:            results.MaxSetSize,
				Alpha:                 results.Alpha,
				AlphaStd:              results.AlphaStd,
				UncertaintyStd:        results.UncertaintyStd,
			}
			path, err := w.cfg.Reporter.Generate(summary)
			if err != nil {
				logger.Logger.Errorw("generating report", "session_id", w.session.SessionID, "error", err)
			} else if err := w.cfg.Reporter.Send(path, w.session.RecipientEmail); err != nil {
				logger.Logger.Errorw("sending report", "session_id", w.session.SessionID, "error", err)
			}
		}
	}

	w.cfg.Status.Update(context.Background(), w.session.SessionID.String(), w.session.UserID, terminalStatus)

	select {
	case w.Removed <- w.session.SessionID:
	default:
	}

	go w.Stop()
}
