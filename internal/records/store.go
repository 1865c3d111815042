package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/storage"
)

const commandColumns = `id, device_id, issuer_id, kind, payload, status, result, error_message, dedupe_key,
  created_at, updated_at, executed_at`

const eventColumns = `seq, id, device_id, kind, subtype, correlation_id, content, metadata, created_at`

// Store persists commands and device events in one SQL database.
type Store struct {
	db      *sql.DB
	dialect storage.Dialect

	mu   sync.Mutex
	last time.Time
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(db *sql.DB, dialect storage.Dialect) *Store {
	if dialect == "" {
		dialect = storage.DialectSQLite
	}
	return &Store{db: db, dialect: dialect}
}

// Now reads the database clock. Every timestamp the store writes comes from
// it, so writers on different hosts order their rows against one clock.
func (s *Store) Now(ctx context.Context) (time.Time, error) {
	return s.dbNow(ctx, s.db)
}

func (s *Store) dbNow(ctx context.Context, q queryer) (time.Time, error) {
	var raw string
	if err := q.QueryRowContext(ctx, s.dialect.NowQuery()).Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("read database clock: %w", err)
	}
	return storage.ParseTime(raw)
}

// stamp returns the database clock, bumped so that two rows written by this
// process never share a timestamp even when the clock resolution is coarse.
func (s *Store) stamp(ctx context.Context, q queryer) (time.Time, error) {
	t, err := s.dbNow(ctx, q)
	if err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t, nil
}

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

// InsertCommand writes a pending command and returns the stored row.
func (s *Store) InsertCommand(ctx context.Context, nc NewCommand) (Command, error) {
	if nc.DeviceID == "" {
		return Command{}, fmt.Errorf("device_id is empty")
	}
	if nc.Kind == "" {
		return Command{}, fmt.Errorf("kind is empty")
	}
	payload := nc.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	c := Command{
		ID:        uuid.NewString(),
		DeviceID:  nc.DeviceID,
		IssuerID:  nc.IssuerID,
		Kind:      nc.Kind,
		Payload:   payload,
		Status:    command.StatusPending,
		DedupeKey: nc.DedupeKey,
	}
	ts, err := s.stamp(ctx, s.db)
	if err != nil {
		return Command{}, err
	}
	c.CreatedAt = ts
	c.UpdatedAt = ts

	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO commands(
  id, device_id, issuer_id, kind, payload, status, dedupe_key, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`), c.ID, c.DeviceID, c.IssuerID, string(c.Kind), string(payload), string(c.Status), nullString(c.DedupeKey),
		storage.FormatTime(ts), storage.FormatTime(ts))
	if err != nil {
		return Command{}, fmt.Errorf("insert command: %w", err)
	}
	return c, nil
}

// QueryCommandStatus re-reads a command row.
func (s *Store) QueryCommandStatus(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+commandColumns+` FROM commands WHERE id = ?;`), id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query command %s: %w", id, err)
	}
	return c, nil
}

// UpdateCommandStatus applies an agent status report, refusing regressions.
func (s *Store) UpdateCommandStatus(ctx context.Context, id string, upd StatusUpdate) (*Command, error) {
	if !upd.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", upd.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, s.q(`SELECT status FROM commands WHERE id = ?;`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load command status: %w", err)
	}
	from := command.Status(current)
	if !command.CanTransition(from, upd.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, from, upd.Status)
	}

	stamp, err := s.stamp(ctx, tx)
	if err != nil {
		return nil, err
	}
	now := storage.FormatTime(stamp)
	var executedAt any
	if upd.Status != command.StatusPending {
		executedAt = now
	}
	var result any
	if len(upd.Result) > 0 {
		result = string(upd.Result)
	}

	_, err = tx.ExecContext(ctx, s.q(`
UPDATE commands
SET status = ?,
    updated_at = ?,
    executed_at = COALESCE(executed_at, ?),
    result = COALESCE(?, result),
    error_message = COALESCE(?, error_message)
WHERE id = ?;
`), string(upd.Status), now, executedAt, result, nullString(upd.ErrorMessage), id)
	if err != nil {
		return nil, fmt.Errorf("update command status: %w", err)
	}

	c, err := scanCommand(tx.QueryRowContext(ctx, s.q(`SELECT `+commandColumns+` FROM commands WHERE id = ?;`), id))
	if err != nil {
		return nil, fmt.Errorf("reload command: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return c, nil
}

// ListCommands returns commands oldest first.
func (s *Store) ListCommands(ctx context.Context, f CommandFilter) ([]Command, error) {
	var (
		where []string
		args  []any
	)
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, storage.FormatTime(f.Since))
	}

	query := `SELECT ` + commandColumns + ` FROM commands`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return out, nil
}

// FindInFlight returns the newest non-terminal command for deviceID with the
// given dedupe key created within the last window, measured on the database
// clock.
func (s *Store) FindInFlight(ctx context.Context, deviceID, dedupeKey string, window time.Duration) (*Command, error) {
	now, err := s.Now(ctx)
	if err != nil {
		return nil, err
	}
	since := now.Add(-window)
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT `+commandColumns+`
FROM commands
WHERE device_id = ? AND dedupe_key = ? AND status IN (?, ?) AND created_at > ?
ORDER BY created_at DESC
LIMIT 1;
`), deviceID, dedupeKey, string(command.StatusPending), string(command.StatusExecuting), storage.FormatTime(since))
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find in-flight command: %w", err)
	}
	return c, nil
}

// AppendEvent writes an agent event.
func (s *Store) AppendEvent(ctx context.Context, ne NewEvent) (Event, error) {
	if ne.DeviceID == "" {
		return Event{}, fmt.Errorf("device_id is empty")
	}
	if ne.Kind == "" {
		return Event{}, fmt.Errorf("event kind is empty")
	}
	meta := ne.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	var tags struct {
		Subtype       string `json:"subtype"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(meta, &tags); err != nil {
		return Event{}, fmt.Errorf("decode event metadata: %w", err)
	}

	e := Event{
		ID:            uuid.NewString(),
		DeviceID:      ne.DeviceID,
		Kind:          ne.Kind,
		Subtype:       tags.Subtype,
		CorrelationID: tags.CorrelationID,
		Content:       ne.Content,
		Metadata:      meta,
	}
	ts, err := s.stamp(ctx, s.db)
	if err != nil {
		return Event{}, err
	}
	e.CreatedAt = ts

	err = s.db.QueryRowContext(ctx, s.q(`
INSERT INTO device_events(id, device_id, kind, subtype, correlation_id, content, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
RETURNING seq;
`), e.ID, e.DeviceID, e.Kind, e.Subtype, e.CorrelationID, e.Content, string(meta), storage.FormatTime(e.CreatedAt)).Scan(&e.Seq)
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	return e, nil
}

// QueryLatestEvent returns the newest event matching q.
func (s *Store) QueryLatestEvent(ctx context.Context, q EventQuery) (*Event, error) {
	if q.DeviceID == "" || q.Kind == "" {
		return nil, fmt.Errorf("event query needs device and kind")
	}
	where := []string{"device_id = ?", "kind = ?"}
	args := []any{q.DeviceID, q.Kind}
	if q.Subtype != "" {
		where = append(where, "subtype = ?")
		args = append(args, q.Subtype)
	}
	if !q.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, storage.FormatTime(q.CreatedAfter))
	}
	switch {
	case q.CorrelationID != "" && q.RequireCorrelationID:
		where = append(where, "correlation_id = ?")
		args = append(args, q.CorrelationID)
	case q.CorrelationID != "":
		where = append(where, "(correlation_id = ? OR correlation_id = '')")
		args = append(args, q.CorrelationID)
	}

	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+eventColumns+` FROM device_events WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at DESC, seq DESC LIMIT 1;`), args...)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest event: %w", err)
	}
	return e, nil
}

// ListEvents returns events matching f, newest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	if f.DeviceID == "" {
		return nil, fmt.Errorf("event filter needs a device")
	}
	where := []string{"device_id = ?"}
	args := []any{f.DeviceID}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Subtype != "" {
		where = append(where, "subtype = ?")
		args = append(args, f.Subtype)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, storage.FormatTime(f.Since))
	}

	query := `SELECT ` + eventColumns + ` FROM device_events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// LastEventAt returns when deviceID last wrote any event.
func (s *Store) LastEventAt(ctx context.Context, deviceID string) (time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT MAX(created_at) FROM device_events WHERE device_id = ?;`), deviceID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("last event for %s: %w", deviceID, err)
	}
	if !ts.Valid {
		return time.Time{}, ErrNotFound
	}
	return storage.ParseTime(ts.String)
}

// PruneCommands deletes terminal commands created before olderThan.
func (s *Store) PruneCommands(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM commands WHERE status IN (?, ?) AND created_at < ?;`),
		string(command.StatusCompleted), string(command.StatusFailed), storage.FormatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	return res.RowsAffected()
}

// PruneEvents deletes events created before olderThan.
func (s *Store) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM device_events WHERE created_at < ?;`), storage.FormatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*Command, error) {
	var (
		c                    Command
		kind, status         string
		payload              string
		result, errMsg, dkey sql.NullString
		createdAt, updatedAt string
		executedAt           sql.NullString
	)
	if err := row.Scan(&c.ID, &c.DeviceID, &c.IssuerID, &kind, &payload, &status, &result, &errMsg, &dkey,
		&createdAt, &updatedAt, &executedAt); err != nil {
		return nil, err
	}
	c.Kind = command.Kind(kind)
	c.Status = command.Status(status)
	c.Payload = json.RawMessage(payload)
	if result.Valid {
		c.Result = json.RawMessage(result.String)
	}
	c.ErrorMessage = errMsg.String
	c.DedupeKey = dkey.String

	var err error
	if c.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if executedAt.Valid {
		t, err := storage.ParseTime(executedAt.String)
		if err != nil {
			return nil, err
		}
		c.ExecutedAt = &t
	}
	return &c, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e         Event
		metadata  string
		createdAt string
	)
	if err := row.Scan(&e.Seq, &e.ID, &e.DeviceID, &e.Kind, &e.Subtype, &e.CorrelationID, &e.Content, &metadata, &createdAt); err != nil {
		return nil, err
	}
	e.Metadata = json.RawMessage(metadata)
	t, err := storage.ParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = t
	return &e, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
