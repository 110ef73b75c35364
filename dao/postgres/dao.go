package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/TogetherForABetterAI/calibration-service/dao"
	"github.com/TogetherForABetterAI/calibration-service/errors"
)

// DAO implements dao.DAO against a *sql.DB opened with Open/OpenWithMigrations.
type DAO struct {
	db         *sql.DB
	maxRetries int
}

// New wraps an already-open, already-migrated *sql.DB with no transient-
// error retry (equivalent to NewWithRetries(db, 0)).
func New(db *sql.DB) *DAO {
	return NewWithRetries(db, 0)
}

// NewWithRetries wraps db, retrying a transient failure (connection loss,
// serialization conflict, deadlock) up to maxRetries additional times
// before bubbling the error up, per config.TunablesConfig.MaxRetries /
// spec.md §6.6 MAX_RETRIES.
func NewWithRetries(db *sql.DB, maxRetries int) *DAO {
	return &DAO{db: db, maxRetries: maxRetries}
}

func (d *DAO) CreateScoresRecord(ctx context.Context, sessionID uuid.UUID) error {
	err := d.withRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO scores (session_id, alphas, uncertainties, coverages, setsizes, confidences)
			VALUES ($1, '{}', '{}', '{}', '{}', '')
			ON CONFLICT (session_id) DO NOTHING
		`, sessionID)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "creating scores record for session %s", sessionID)
	}
	return nil
}

func (d *DAO) GetLatestScoresRecord(ctx context.Context, sessionID uuid.UUID) (*dao.ScoresRecord, error) {
	var rec dao.ScoresRecord
	var stage int
	var alpha, qHat sql.NullFloat64
	var scores, confidences []byte

	err := d.withRetry(ctx, func() error {
		row := d.db.QueryRowContext(ctx, `
			SELECT session_id, batchs_counter, stage, alpha, q_hat, scores, confidences,
			       alphas, uncertainties, coverages, setsizes, accuracy, correct_preds, total_samples
			FROM scores WHERE session_id = $1
		`, sessionID)
		return row.Scan(
			&rec.SessionID, &rec.BatchsCounter, &stage, &alpha, &qHat, &scores, &confidences,
			&rec.Alphas, &rec.Uncertainties, &rec.Coverages, &rec.Setsizes,
			&rec.Accuracy, &rec.CorrectPreds, &rec.TotalSamples,
		)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading scores record for session %s", sessionID)
	}

	st, err := dao.FromInt(stage)
	if err != nil {
		return nil, errors.Wrapf(err, "session %s has invalid stage", sessionID)
	}
	rec.Stage = st
	rec.Scores = scores
	rec.Confidences = confidences
	if alpha.Valid {
		rec.Alpha = &alpha.Float64
	}
	if qHat.Valid {
		rec.QHat = &qHat.Float64
	}
	return &rec, nil
}

// UpdateSessionState writes BatchsCounter and Stage unconditionally, and
// appends/concatenates every optional field that's set. Each append is a
// single server-side expression so two callers racing on the same
// session_id never lose an update.
func (d *DAO) UpdateSessionState(ctx context.Context, sessionID uuid.UUID, updates dao.Updates) error {
	args := []interface{}{sessionID, updates.BatchsCounter, int(updates.Stage)}
	setClauses := []string{"batchs_counter = $2", "stage = $3", "last_updated = now()"}

	bind := func(clauseFmt string, v interface{}) {
		args = append(args, v)
		setClauses = append(setClauses, strings.Replace(clauseFmt, "?", "$"+strconv.Itoa(len(args)), 1))
	}

	if updates.PushAlpha != nil {
		bind("alphas = array_append(alphas, ?)", *updates.PushAlpha)
	}
	if updates.PushUncertainty != nil {
		bind("uncertainties = array_append(uncertainties, ?)", *updates.PushUncertainty)
	}
	if updates.PushCoverage != nil {
		bind("coverages = array_append(coverages, ?)", *updates.PushCoverage)
	}
	if updates.PushSetsize != nil {
		bind("setsizes = array_append(setsizes, ?)", *updates.PushSetsize)
	}
	if updates.PushConfidences != nil {
		bind("confidences = coalesce(confidences, '') || ?", updates.PushConfidences)
	}
	if updates.Accuracy != nil {
		bind("accuracy = ?", *updates.Accuracy)
	}
	if updates.CorrectPreds != nil {
		bind("correct_preds = ?", *updates.CorrectPreds)
	}
	if updates.TotalSamples != nil {
		bind("total_samples = ?", *updates.TotalSamples)
	}
	if updates.Alpha != nil {
		bind("alpha = ?", *updates.Alpha)
	}
	if updates.QHat != nil {
		bind("q_hat = ?", *updates.QHat)
	}
	if updates.Scores != nil {
		bind("scores = ?", updates.Scores)
	}

	query := "UPDATE scores SET " + strings.Join(setClauses, ", ") + " WHERE session_id = $1"
	err := d.withRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "updating session state for session %s", sessionID)
	}
	return nil
}

func (d *DAO) WriteInputs(ctx context.Context, sessionID uuid.UUID, batchIndex int32, data []byte) error {
	err := d.withRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO model_inputs (session_id, batch_index, inputs) VALUES ($1, $2, $3)
			ON CONFLICT (session_id, batch_index) DO UPDATE SET inputs = EXCLUDED.inputs
		`, sessionID, batchIndex, data)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "writing inputs for session %s batch %d", sessionID, batchIndex)
	}
	return nil
}

func (d *DAO) WriteOutputs(ctx context.Context, sessionID uuid.UUID, batchIndex int32, data []byte) error {
	err := d.withRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO model_outputs (session_id, batch_index, outputs) VALUES ($1, $2, $3)
			ON CONFLICT (session_id, batch_index) DO UPDATE SET outputs = EXCLUDED.outputs
		`, sessionID, batchIndex, data)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "writing outputs for session %s batch %d", sessionID, batchIndex)
	}
	return nil
}

func (d *DAO) GetInputsFromSession(ctx context.Context, sessionID uuid.UUID) ([][]byte, error) {
	var rows *sql.Rows
	err := d.withRetry(ctx, func() error {
		r, err := d.db.QueryContext(ctx, `
			SELECT inputs FROM model_inputs WHERE session_id = $1 ORDER BY created_at ASC
		`, sessionID)
		if err != nil {
			return err
		}
		rows = r
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading inputs for session %s", sessionID)
	}
	defer rows.Close()

	out := [][]byte{}
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, errors.Wrapf(err, "scanning inputs row for session %s", sessionID)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (d *DAO) GetOutputsFromSession(ctx context.Context, sessionID uuid.UUID) ([][]byte, error) {
	var rows *sql.Rows
	err := d.withRetry(ctx, func() error {
		r, err := d.db.QueryContext(ctx, `
			SELECT outputs FROM model_outputs WHERE session_id = $1 ORDER BY created_at ASC
		`, sessionID)
		if err != nil {
			return err
		}
		rows = r
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading outputs for session %s", sessionID)
	}
	defer rows.Close()

	out := [][]byte{}
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, errors.Wrapf(err, "scanning outputs row for session %s", sessionID)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ dao.DAO = (*DAO)(nil)
