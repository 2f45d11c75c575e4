package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// ActionFilter narrows ListActions. Zero fields match everything.
type ActionFilter struct {
	Statuses []model.Status
	Scope    string
	Limit    int
}

const actionColumns = `id, seq, scope, kind, target, body, status, attempts, last_error,
	enqueued_at, last_attempt_at, next_attempt_at, synced_at`

// InsertAction appends a to the log with the next sequence number.
// Uses ON CONFLICT(id) DO NOTHING: when the id already exists nothing is
// written and inserted is false. The stored action (with Seq) is returned.
func (t *Tx) InsertAction(a model.QueuedAction) (stored model.QueuedAction, inserted bool, err error) {
	targetJSON, err := json.Marshal(a.Payload.Target)
	if err != nil {
		return model.QueuedAction{}, false, fmt.Errorf("insert action: marshal target: %w", err)
	}

	var seq int64
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM queued_actions`).Scan(&seq); err != nil {
		return model.QueuedAction{}, false, fmt.Errorf("insert action: next seq: %w", err)
	}

	result, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO queued_actions
		(id, seq, scope, kind, target, body, status, attempts, last_error,
		 enqueued_at, last_attempt_at, next_attempt_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		a.ID,
		seq,
		a.Scope,
		a.Kind.String(),
		string(targetJSON),
		[]byte(a.Payload.Body),
		string(a.Status),
		a.Attempts,
		a.LastError,
		toNanos(a.EnqueuedAt),
		toNanos(a.LastAttemptAt),
		toNanos(a.NextAttemptAt),
		toNanos(a.SyncedAt),
	)
	if err != nil {
		return model.QueuedAction{}, false, fmt.Errorf("insert action: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return model.QueuedAction{}, false, fmt.Errorf("insert action: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.QueuedAction{}, false, nil
	}

	a.Seq = seq
	return a, true, nil
}

// GetAction returns the action with the given id, or ErrNotFound.
func (t *Tx) GetAction(id string) (model.QueuedAction, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+actionColumns+` FROM queued_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueuedAction{}, fmt.Errorf("action %q: %w", id, ErrNotFound)
	}
	return a, err
}

// UpdateAction persists the mutable delivery fields of a.
func (t *Tx) UpdateAction(a model.QueuedAction) error {
	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE queued_actions
		SET status = ?, attempts = ?, last_error = ?,
		    last_attempt_at = ?, next_attempt_at = ?, synced_at = ?
		WHERE id = ?
	`,
		string(a.Status),
		a.Attempts,
		a.LastError,
		toNanos(a.LastAttemptAt),
		toNanos(a.NextAttemptAt),
		toNanos(a.SyncedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update action: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update action %q: %w", a.ID, ErrNotFound)
	}
	return nil
}

// ListActions returns actions matching f in seq order.
// Returns an empty slice (not nil) if nothing matches.
func (t *Tx) ListActions(f ActionFilter) ([]model.QueuedAction, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, f.Scope)
	}

	query := `SELECT ` + actionColumns + ` FROM queued_actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	actions := []model.QueuedAction{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}

	return actions, nil
}

// DeleteAction removes the action with the given id. Returns false if absent.
func (t *Tx) DeleteAction(id string) (bool, error) {
	result, err := t.tx.ExecContext(t.ctx, `DELETE FROM queued_actions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete action: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete action: rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteSyncedBefore removes synced actions whose synced_at is before cutoff.
func (t *Tx) DeleteSyncedBefore(cutoff time.Time) (int64, error) {
	result, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM queued_actions
		WHERE status = ? AND synced_at < ?
	`, string(model.StatusSynced), toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete synced: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete synced: rows affected: %w", err)
	}
	return n, nil
}

// NextAttemptAfter returns the earliest retry time later than after among
// pending actions. The boolean is false when no pending action is backing
// off past after.
func (t *Tx) NextAttemptAfter(after time.Time) (time.Time, bool, error) {
	var next sql.NullInt64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT MIN(next_attempt_at) FROM queued_actions
		WHERE status = ? AND next_attempt_at > ?
	`, string(model.StatusPending), toNanos(after)).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next attempt: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

// CountActions returns the number of actions per status.
// Every status is present in the map, possibly with 0.
func (t *Tx) CountActions() (map[model.Status]int, error) {
	counts := map[model.Status]int{
		model.StatusPending:  0,
		model.StatusInFlight: 0,
		model.StatusSynced:   0,
		model.StatusFailed:   0,
	}

	rows, err := t.tx.QueryContext(t.ctx, `SELECT status, COUNT(*) FROM queued_actions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count actions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan action count: %w", err)
		}
		counts[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action counts: %w", err)
	}

	return counts, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(r rowScanner) (model.QueuedAction, error) {
	var (
		a                                       model.QueuedAction
		kind, targetJSON, status                string
		body                                    []byte
		enqueued, lastAttempt, nextAttempt, syn int64
	)

	if err := r.Scan(
		&a.ID, &a.Seq, &a.Scope, &kind, &targetJSON, &body, &status, &a.Attempts, &a.LastError,
		&enqueued, &lastAttempt, &nextAttempt, &syn,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.QueuedAction{}, err
		}
		return model.QueuedAction{}, fmt.Errorf("scan action: %w", err)
	}

	k, err := model.ParseOperationKind(kind)
	if err != nil {
		return model.QueuedAction{}, fmt.Errorf("%w: action %q: %w", ErrStorageCorruption, a.ID, err)
	}
	a.Kind = k

	if err := json.Unmarshal([]byte(targetJSON), &a.Payload.Target); err != nil {
		return model.QueuedAction{}, fmt.Errorf("%w: action %q target: %w", ErrStorageCorruption, a.ID, err)
	}
	if len(body) > 0 {
		a.Payload.Body = json.RawMessage(body)
	}

	a.Status = model.Status(status)
	a.EnqueuedAt = fromNanos(enqueued)
	a.LastAttemptAt = fromNanos(lastAttempt)
	a.NextAttemptAt = fromNanos(nextAttempt)
	a.SyncedAt = fromNanos(syn)

	return a, nil
}
