package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/matteram/ensemble/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *WorkflowRun) error {
	metadata, err := marshalMapOrNil(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	status := run.Status
	if status == "" {
		status = schema.RunStatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, chat_id, room_key, request, result, status, metadata, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.ChatID), nullStr(run.RoomKey), run.Request, nullStr(run.Result),
		string(status), metadata, timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.FinishedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	var chatID, roomKey, result, metadata sql.NullString
	var startedAt, finishedAt sql.NullTime
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, room_key, request, result, status, metadata, created_at, started_at, finished_at
		 FROM workflow_runs WHERE id = ?`, id,
	).Scan(&run.ID, &chatID, &roomKey, &run.Request, &result, &status, &metadata,
		&run.CreatedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow run", id)
	}
	if err != nil {
		return nil, err
	}
	run.ChatID = chatID.String
	run.RoomKey = roomKey.String
	run.Result = result.String
	run.Status = schema.RunStatus(status)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal run metadata: %w", err)
		}
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *update.Result)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflow_runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	query := `SELECT id, chat_id, room_key, request, result, status, metadata, created_at, started_at, finished_at
		 FROM workflow_runs`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.RoomKey != "" {
		conds = append(conds, "room_key = ?")
		args = append(args, filter.RoomKey)
	}
	if filter.ChatID != "" {
		conds = append(conds, "chat_id = ?")
		args = append(args, filter.ChatID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		run := &WorkflowRun{}
		var chatID, roomKey, result, metadata sql.NullString
		var startedAt, finishedAt sql.NullTime
		var status string
		if err := rows.Scan(&run.ID, &chatID, &roomKey, &run.Request, &result, &status, &metadata,
			&run.CreatedAt, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		run.ChatID = chatID.String
		run.RoomKey = roomKey.String
		run.Result = result.String
		run.Status = schema.RunStatus(status)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &run.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal run metadata: %w", err)
			}
		}
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRunsBefore removes finished runs older than the cutoff, together with
// their steps and events. Returns the number of runs removed.
func (s *LibSQLStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention tx: %w", err)
	}
	defer tx.Rollback()

	terminal := `('completed', 'failed', 'cancelled', 'timed_out')`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_steps WHERE workflow_id IN
		 (SELECT id FROM workflow_runs WHERE created_at < ? AND status IN `+terminal+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete old steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE workflow_id IN
		 (SELECT id FROM workflow_runs WHERE created_at < ? AND status IN `+terminal+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_runs WHERE created_at < ? AND status IN `+terminal, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// --- Steps ---

func (s *LibSQLStore) SaveStep(ctx context.Context, step *schema.WorkflowStep) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (id, workflow_id, type, title, description, status, step_number, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, description=excluded.description, completed_at=excluded.completed_at`,
		step.ID, step.WorkflowID, string(step.Type), step.Title, nullStr(step.Description),
		string(step.Status), step.StepNumber, timeOrNow(step.CreatedAt), nullTime(step.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) ListSteps(ctx context.Context, workflowID string) ([]*schema.WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, type, title, description, status, step_number, created_at, completed_at
		 FROM workflow_steps WHERE workflow_id = ? ORDER BY step_number ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*schema.WorkflowStep
	for rows.Next() {
		step := &schema.WorkflowStep{}
		var description sql.NullString
		var completedAt sql.NullTime
		var stepType, status string
		if err := rows.Scan(&step.ID, &step.WorkflowID, &stepType, &step.Title, &description,
			&status, &step.StepNumber, &step.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		step.Type = schema.StepType(stepType)
		step.Status = schema.StepStatus(status)
		step.Description = description.String
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// PersistStep lets the store serve as the executor's step persister.
func (s *LibSQLStore) PersistStep(ctx context.Context, step *schema.WorkflowStep) error {
	return s.SaveStep(ctx, step)
}

// --- Chat transcript ---

func (s *LibSQLStore) SaveMessage(ctx context.Context, msg *ChatMessage) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, message_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ChatID, nullStr(msg.MessageID), msg.Role, msg.Content, timeOrNow(msg.CreatedAt),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		msg.ID = id
	}
	return nil
}

// ListMessages returns the newest messages of a chat in chronological order.
func (s *LibSQLStore) ListMessages(ctx context.Context, chatID string, limit int) ([]*ChatMessage, error) {
	query := `SELECT id, chat_id, message_id, role, content, created_at FROM messages WHERE chat_id = ? ORDER BY id DESC`
	args := []any{chatID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*ChatMessage
	for rows.Next() {
		msg := &ChatMessage{}
		var messageID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ChatID, &messageID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.MessageID = messageID.String
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse newest-first into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// historyTurns bounds how many prior messages feed an agent invocation.
const historyTurns = 10

// LoadHistory lets the store serve as the executor's history loader: the
// newest messages of the chat in chronological order, excluding the message
// that triggered the current workflow.
func (s *LibSQLStore) LoadHistory(ctx context.Context, chatID, excludeMessageID string) ([]schema.Message, error) {
	msgs, err := s.ListMessages(ctx, chatID, historyTurns+1)
	if err != nil {
		return nil, err
	}
	history := make([]schema.Message, 0, len(msgs))
	for _, m := range msgs {
		if excludeMessageID != "" && m.MessageID == excludeMessageID {
			continue
		}
		history = append(history, schema.Message{Role: m.Role, Content: m.Content})
	}
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	return history, nil
}

// --- Events ---

// AppendEvent inserts an event with a caller-assigned sequence. Most callers
// should go through EventLog.AppendEvent, which assigns the sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (workflow_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?)`,
		event.WorkflowID, event.Type, nullRaw(event.Payload), event.Timestamp, event.Sequence,
	)
	return err
}

// GetEvents returns events for a workflow with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrNil(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
