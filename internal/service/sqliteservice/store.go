// Package sqliteservice is a durable, single-process implementation of the
// work-distribution service on sqlite. It backs local runs and tests, hands
// work to simulated or local workers, and is served over HTTP by NewHandler.
package sqliteservice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/crowdloop/internal/db"
	"github.com/banshee-data/crowdloop/internal/monitoring"
	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
	"github.com/banshee-data/crowdloop/internal/timeutil"
)

var logService = monitoring.Tagged("service")

// Options configures a Service.
type Options struct {
	Clock timeutil.Clock
	// PayBonus settles a bonus the first time its operation is polled. An
	// error fails the operation with the error text as diagnostic.
	PayBonus func(service.Bonus) error
}

// Service implements service.Service on a sqlite database.
type Service struct {
	db       *db.DB
	clock    timeutil.Clock
	payBonus func(service.Bonus) error
}

var _ service.Service = (*Service)(nil)

// Open opens or creates the service database at path.
func Open(path string, opts Options) (*Service, error) {
	d, err := db.Open(path, "Crowdloop service", Migrations())
	if err != nil {
		return nil, err
	}
	return New(d, opts), nil
}

// New wraps an already migrated database.
func New(d *db.DB, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Service{db: d, clock: opts.Clock, payBonus: opts.PayBonus}
}

// DB exposes the underlying database, e.g. for admin routes.
func (s *Service) DB() *db.DB { return s.db }

// Close closes the database.
func (s *Service) Close() error { return s.db.Close() }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.RetryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (s *Service) now() int64 { return s.clock.Now().UnixNano() }

func (s *Service) CreateItems(ctx context.Context, batchID string, items []service.NewItem, excl service.Exclusions) error {
	if len(items) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO batches (id, state, created_at) VALUES (?, 'closed', ?)`, batchID, s.now()); err != nil {
			return fmt.Errorf("create batch %s: %w", batchID, err)
		}
		for _, it := range items {
			fields, err := json.Marshal(it.Item.Fields)
			if err != nil {
				return fmt.Errorf("encode item: %w", err)
			}
			var known sql.NullString
			if it.Known != nil {
				b, err := json.Marshal(it.Known)
				if err != nil {
					return fmt.Errorf("encode known answer: %w", err)
				}
				known = sql.NullString{String: string(b), Valid: true}
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO items (batch_id, id, fields, known, target) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (batch_id, id) DO NOTHING`,
				batchID, it.Item.ID(), string(fields), known, it.Target)
			if err != nil {
				return fmt.Errorf("insert item: %w", err)
			}
		}
		for itemID, workers := range excl {
			for _, w := range workers {
				if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO exclusions (batch_id, item_id, worker) VALUES (?, ?, ?)`, batchID, itemID, w); err != nil {
					return fmt.Errorf("exclude %s from %s: %w", w, itemID, err)
				}
			}
		}
		return nil
	})
}

func batchExists(ctx context.Context, q querier, batchID string) error {
	var state string
	err := q.QueryRowContext(ctx, `SELECT state FROM batches WHERE id = ?`, batchID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("batch %s: %w", batchID, service.ErrBatchNotFound)
	}
	return err
}

func (s *Service) ListItems(ctx context.Context, batchID string) ([]service.ItemRecord, error) {
	return listItems(ctx, s.db, batchID)
}

func listItems(ctx context.Context, q querier, batchID string) ([]service.ItemRecord, error) {
	if err := batchExists(ctx, q, batchID); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT id, fields, known, target FROM items WHERE batch_id = ? ORDER BY rowid`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	var out []service.ItemRecord
	index := make(map[string]int)
	for rows.Next() {
		var (
			rec    service.ItemRecord
			fields string
			known  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &fields, &known, &rec.Target); err != nil {
			rows.Close()
			return nil, err
		}
		if err := decodeItem(fields, known, &rec.Item, &rec.Known); err != nil {
			rows.Close()
			return nil, err
		}
		index[rec.ID] = len(out)
		out = append(out, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `SELECT item_id, worker FROM exclusions WHERE batch_id = ? ORDER BY item_id, worker`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list exclusions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var itemID, worker string
		if err := rows.Scan(&itemID, &worker); err != nil {
			return nil, err
		}
		if i, ok := index[itemID]; ok {
			out[i].Excluded = append(out[i].Excluded, worker)
		}
	}
	return out, rows.Err()
}

func decodeItem(fields string, known sql.NullString, item *task.Item, ans **task.Answer) error {
	if err := json.Unmarshal([]byte(fields), &item.Fields); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}
	if known.Valid {
		var a task.Answer
		if err := json.Unmarshal([]byte(known.String), &a); err != nil {
			return fmt.Errorf("decode known answer: %w", err)
		}
		*ans = &a
	}
	return nil
}

func (s *Service) ListSubmissions(ctx context.Context, batchID string, statuses ...task.Status) ([]task.Submission, error) {
	if err := batchExists(ctx, s.db, batchID); err != nil {
		return nil, err
	}
	query := `SELECT id, worker, status, comment, created_at, submitted_at FROM submissions WHERE batch_id = ?`
	args := []any{batchID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY submitted_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	var subs []task.Submission
	index := make(map[string]int)
	for rows.Next() {
		var (
			sub                task.Submission
			status             string
			created, submitted int64
		)
		if err := rows.Scan(&sub.ID, &sub.Worker, &status, &sub.Comment, &created, &submitted); err != nil {
			rows.Close()
			return nil, err
		}
		sub.BatchID = batchID
		sub.Status = task.Status(status)
		sub.CreatedAt = time.Unix(0, created).UTC()
		sub.SubmittedAt = time.Unix(0, submitted).UTC()
		index[sub.ID] = len(subs)
		subs = append(subs, sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT p.submission_id, p.answer, i.fields, i.known
		FROM submission_pairs p
		JOIN submissions s ON s.id = p.submission_id
		JOIN items i ON i.batch_id = s.batch_id AND i.id = p.item_id
		WHERE s.batch_id = ?
		ORDER BY p.submission_id, p.idx`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			subID, answer, fields string
			known                 sql.NullString
			p                     task.Pair
		)
		if err := rows.Scan(&subID, &answer, &fields, &known); err != nil {
			return nil, err
		}
		i, ok := index[subID]
		if !ok {
			continue
		}
		if err := decodeItem(fields, known, &p.Item, &p.Known); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(answer), &p.Answer); err != nil {
			return nil, fmt.Errorf("decode answer: %w", err)
		}
		subs[i].Pairs = append(subs[i].Pairs, p)
	}
	return subs, rows.Err()
}

func (s *Service) SetReplicationTarget(ctx context.Context, batchID, itemID string, n int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE items SET target = ? WHERE batch_id = ? AND id = ?`, n, batchID, itemID)
		if err != nil {
			return fmt.Errorf("set target: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("item %s in batch %s: %w", itemID, batchID, service.ErrItemNotFound)
		}
		return nil
	})
}

func (s *Service) SetSubmissionStatus(ctx context.Context, submissionID string, status task.Status, comment string) error {
	if status != task.StatusAccepted && status != task.StatusRejected {
		return fmt.Errorf("cannot set status %q", status)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT status FROM submissions WHERE id = ?`, submissionID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("submission %s: %w", submissionID, service.ErrSubmissionNotFound)
		}
		if err != nil {
			return err
		}
		if !task.Status(cur).CanTransition(status) {
			return fmt.Errorf("submission %s is %s: %w", submissionID, cur, service.ErrStatusConflict)
		}
		_, err = tx.ExecContext(ctx, `UPDATE submissions SET status = ?, comment = ? WHERE id = ?`, string(status), comment, submissionID)
		return err
	})
}

func (s *Service) RestrictWorker(ctx context.Context, r service.Restriction) error {
	if r.Key == "" {
		r.Key = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO restrictions (key, worker, scope, duration_ns, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Key, r.Worker, string(r.Scope), int64(r.Duration), r.Comment, s.now())
	if err != nil {
		return fmt.Errorf("restrict worker %s: %w", r.Worker, err)
	}
	return nil
}

// Restrictions lists the restrictions recorded for worker, oldest first.
func (s *Service) Restrictions(ctx context.Context, worker string) ([]service.Restriction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, scope, duration_ns, comment FROM restrictions WHERE worker = ? ORDER BY created_at, key`, worker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []service.Restriction
	for rows.Next() {
		r := service.Restriction{Worker: worker}
		var scope string
		var dur int64
		if err := rows.Scan(&r.Key, &scope, &dur, &r.Comment); err != nil {
			return nil, err
		}
		r.Scope = service.Scope(scope)
		r.Duration = time.Duration(dur)
		out = append(out, r)
	}
	return out, rows.Err()
}

func restricted(ctx context.Context, q querier, worker string, now int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM restrictions
		WHERE worker = ? AND (duration_ns = 0 OR created_at + duration_ns > ?)`, worker, now).Scan(&n)
	return n > 0, err
}

func (s *Service) GrantBonus(ctx context.Context, b service.Bonus) (service.OperationHandle, error) {
	var handle string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT handle FROM bonuses WHERE key = ?`, b.Key).Scan(&handle)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		handle = uuid.NewString()
		key := b.Key
		if key == "" {
			key = handle
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bonuses (key, handle, worker, submission_id, amount, comment, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key, handle, b.Worker, b.SubmissionID, b.Amount, b.Comment, s.now())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("grant bonus to %s: %w", b.Worker, err)
	}
	return service.OperationHandle(handle), nil
}

// Bonuses lists every bonus with its settlement state.
func (s *Service) Bonuses(ctx context.Context) ([]service.Bonus, []service.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, handle, worker, submission_id, amount, comment, state, diagnostic FROM bonuses ORDER BY created_at, key`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var bonuses []service.Bonus
	var ops []service.Operation
	for rows.Next() {
		var b service.Bonus
		var op service.Operation
		var state string
		if err := rows.Scan(&b.Key, &op.Handle, &b.Worker, &b.SubmissionID, &b.Amount, &b.Comment, &state, &op.Diagnostic); err != nil {
			return nil, nil, err
		}
		op.State = service.OperationState(state)
		bonuses = append(bonuses, b)
		ops = append(ops, op)
	}
	return bonuses, ops, rows.Err()
}

func (s *Service) OperationStatus(ctx context.Context, h service.OperationHandle) (service.Operation, error) {
	op := service.Operation{Handle: h}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			b     service.Bonus
			state string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT key, worker, submission_id, amount, comment, state, diagnostic
			FROM bonuses WHERE handle = ?`, string(h)).
			Scan(&b.Key, &b.Worker, &b.SubmissionID, &b.Amount, &b.Comment, &state, &op.Diagnostic)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("operation %s: %w", h, service.ErrOperationNotFound)
		}
		if err != nil {
			return err
		}
		op.State = service.OperationState(state)
		if op.State != service.OperationPending {
			return nil
		}

		op.State = service.OperationSuccess
		if s.payBonus != nil {
			if perr := s.payBonus(b); perr != nil {
				op.State = service.OperationFailed
				op.Diagnostic = perr.Error()
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE bonuses SET state = ?, diagnostic = ? WHERE handle = ?`, string(op.State), op.Diagnostic, string(h))
		return err
	})
	if err != nil {
		return service.Operation{}, err
	}
	return op, nil
}

func (s *Service) OpenBatch(ctx context.Context, batchID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, state, created_at) VALUES (?, 'open', ?)
			ON CONFLICT (id) DO UPDATE SET state = 'open'`, batchID, s.now())
		if err != nil {
			return fmt.Errorf("open batch %s: %w", batchID, err)
		}
		return closeIfComplete(ctx, tx, batchID)
	})
}

func (s *Service) CloseBatch(ctx context.Context, batchID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE batches SET state = 'closed' WHERE id = ?`, batchID)
	if err != nil {
		return fmt.Errorf("close batch %s: %w", batchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s: %w", batchID, service.ErrBatchNotFound)
	}
	return nil
}

func (s *Service) BatchState(ctx context.Context, batchID string) (service.BatchState, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM batches WHERE id = ?`, batchID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("batch %s: %w", batchID, service.ErrBatchNotFound)
	}
	if err != nil {
		return "", err
	}
	return service.BatchState(state), nil
}

// activeCounts returns the number of submitted or accepted answers per item.
func activeCounts(ctx context.Context, q querier, batchID string) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.item_id, COUNT(*)
		FROM submission_pairs p JOIN submissions s ON s.id = p.submission_id
		WHERE s.batch_id = ? AND s.status IN ('submitted', 'accepted')
		GROUP BY p.item_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("count answers: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// closeIfComplete closes the batch once every non-control item has as many
// live answers as its target.
func closeIfComplete(ctx context.Context, q querier, batchID string) error {
	counts, err := activeCounts(ctx, q, batchID)
	if err != nil {
		return err
	}
	rows, err := q.QueryContext(ctx, `SELECT id, target FROM items WHERE batch_id = ? AND known IS NULL`, batchID)
	if err != nil {
		return err
	}
	complete := true
	for rows.Next() {
		var id string
		var target int
		if err := rows.Scan(&id, &target); err != nil {
			rows.Close()
			return err
		}
		if counts[id] < target {
			complete = false
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if !complete {
		return nil
	}
	if _, err := q.ExecContext(ctx, `UPDATE batches SET state = 'closed' WHERE id = ?`, batchID); err != nil {
		return err
	}
	logService("batch %s complete, closed", batchID)
	return nil
}
