package sqliteservice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
)

var (
	ErrBatchClosed      = errors.New("batch is closed")
	ErrWorkerRestricted = errors.New("worker is restricted")
	ErrItemUnavailable  = errors.New("item is not available to this worker")
)

// WorkerAnswer is one answer in a worker's submission.
type WorkerAnswer = service.SubmitAnswer

// Assignable lists the items worker may answer now: the batch is open, the
// worker is not restricted or excluded, has not seen the item before, and
// the item still needs answers. Control items always need answers.
func (s *Service) Assignable(ctx context.Context, batchID, worker string) ([]service.ItemRecord, error) {
	var out []service.ItemRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = assignable(ctx, tx, batchID, worker, s.now())
		return err
	})
	return out, err
}

func assignable(ctx context.Context, q querier, batchID, worker string, now int64) ([]service.ItemRecord, error) {
	var state string
	err := q.QueryRowContext(ctx, `SELECT state FROM batches WHERE id = ?`, batchID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, service.ErrBatchNotFound)
	}
	if err != nil {
		return nil, err
	}
	if service.BatchState(state) != service.BatchOpen {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrBatchClosed)
	}
	if blocked, err := restricted(ctx, q, worker, now); err != nil {
		return nil, err
	} else if blocked {
		return nil, fmt.Errorf("%s: %w", worker, ErrWorkerRestricted)
	}

	items, err := listItems(ctx, q, batchID)
	if err != nil {
		return nil, err
	}
	counts, err := activeCounts(ctx, q, batchID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT p.item_id
		FROM submission_pairs p JOIN submissions s ON s.id = p.submission_id
		WHERE s.batch_id = ? AND s.worker = ?`, batchID, worker)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		seen[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []service.ItemRecord
	for _, it := range items {
		if seen[it.ID] || excluded(it, worker) {
			continue
		}
		if !it.Control() && counts[it.ID] >= it.Target {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func excluded(it service.ItemRecord, worker string) bool {
	for _, w := range it.Excluded {
		if w == worker {
			return true
		}
	}
	return false
}

// Submit records a worker's answers as one submission. startedAt is when
// the worker took the work; the submission time is the service clock.
// The batch closes itself once every item has reached its target.
func (s *Service) Submit(ctx context.Context, batchID, worker string, startedAt time.Time, answers []WorkerAnswer) (task.Submission, error) {
	if len(answers) == 0 {
		return task.Submission{}, fmt.Errorf("empty submission from %s", worker)
	}
	sub := task.Submission{
		ID:          uuid.NewString(),
		BatchID:     batchID,
		Worker:      worker,
		Status:      task.StatusSubmitted,
		CreatedAt:   startedAt.UTC(),
		SubmittedAt: s.clock.Now().UTC(),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		avail, err := assignable(ctx, tx, batchID, worker, s.now())
		if err != nil {
			return err
		}
		byID := make(map[string]service.ItemRecord, len(avail))
		for _, it := range avail {
			byID[it.ID] = it
		}

		sub.Pairs = sub.Pairs[:0]
		for _, a := range answers {
			it, ok := byID[a.ItemID]
			if !ok {
				return fmt.Errorf("item %s: %w", a.ItemID, ErrItemUnavailable)
			}
			delete(byID, a.ItemID)
			answer := a.Answer
			answer.Worker = worker
			sub.Pairs = append(sub.Pairs, task.Pair{Item: it.Item, Answer: answer, Known: it.Known})
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO submissions (id, batch_id, worker, status, created_at, submitted_at)
			VALUES (?, ?, ?, 'submitted', ?, ?)`,
			sub.ID, batchID, worker, sub.CreatedAt.UnixNano(), sub.SubmittedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
		for i, a := range answers {
			body, err := json.Marshal(sub.Pairs[i].Answer)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO submission_pairs (submission_id, idx, item_id, answer) VALUES (?, ?, ?, ?)`,
				sub.ID, i, a.ItemID, string(body)); err != nil {
				return fmt.Errorf("insert answer: %w", err)
			}
		}
		return closeIfComplete(ctx, tx, batchID)
	})
	if err != nil {
		return task.Submission{}, err
	}
	logService("batch %s: %s", batchID, sub)
	return sub, nil
}
