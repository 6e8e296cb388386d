package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	UpdateSessionState(ctx context.Context, id, taskID, state, errorMsg string) error
	UpdateSessionFaces(ctx context.Context, id string, facesDetected int) error
	DiscardSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error

	SaveFrameRecord(ctx context.Context, rec *FrameRecord, progress int) error
	ListFrameRecords(ctx context.Context, sessionID string) ([]*FrameRecord, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const sessionColumns = `id, video_path, task_id, state, total_frames, sample_interval, frame_rate,
	progress, processed_frames, failed_frames, faces_detected, error, created_at, updated_at`

func (r *SQLiteRepository) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, video_path, task_id, state, total_frames, sample_interval, frame_rate, progress, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.VideoPath, nullString(s.TaskID), s.State, s.TotalFrames, s.SampleInterval, s.FrameRate,
		s.Progress, nullString(s.Error), s.CreatedAt.Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var taskID, errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&s.ID, &s.VideoPath, &taskID, &s.State, &s.TotalFrames, &s.SampleInterval, &s.FrameRate,
		&s.Progress, &s.ProcessedFrames, &s.FailedFrames, &s.FacesDetected, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.TaskID = taskID.String
	s.Error = errMsg.String
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &s, nil
}

func (r *SQLiteRepository) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *SQLiteRepository) UpdateSessionState(ctx context.Context, id, taskID, state, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET task_id = COALESCE(?, task_id), state = ?, error = ?, updated_at = ? WHERE id = ?
	`, nullString(taskID), state, nullString(errorMsg), now(), id)
	return err
}

func (r *SQLiteRepository) UpdateSessionFaces(ctx context.Context, id string, facesDetected int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET faces_detected = ?, updated_at = ? WHERE id = ?
	`, facesDetected, now(), id)
	return err
}

// DiscardSession marks a session replaced before its task finished. Finished
// sessions keep their state.
func (r *SQLiteRepository) DiscardSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, updated_at = ? WHERE id = ? AND state NOT IN ('completed', 'error')
	`, StateDiscarded, now(), id)
	return err
}

func (r *SQLiteRepository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	return err
}

// SaveFrameRecord upserts rec and refreshes the session's progress and frame
// counts in one transaction.
func (r *SQLiteRepository) SaveFrameRecord(ctx context.Context, rec *FrameRecord, progress int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO frame_records (session_id, frame_index, processed, status, progress, error, archive_key, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, frame_index) DO UPDATE SET
			processed = excluded.processed,
			status = excluded.status,
			progress = excluded.progress,
			error = excluded.error,
			archive_key = excluded.archive_key,
			updated_at = excluded.updated_at
	`, rec.SessionID, rec.FrameIndex, boolToInt(rec.Processed), nullString(rec.Status), rec.Progress,
		nullString(rec.Error), nullString(rec.ArchiveKey), rec.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert frame record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET
			progress = ?,
			processed_frames = (SELECT COUNT(*) FROM frame_records WHERE session_id = ? AND processed = 1),
			failed_frames = (SELECT COUNT(*) FROM frame_records WHERE session_id = ? AND processed = 0),
			updated_at = ?
		WHERE id = ?
	`, progress, rec.SessionID, rec.SessionID, now(), rec.SessionID)
	if err != nil {
		return fmt.Errorf("update session progress: %w", err)
	}
	return tx.Commit()
}

func (r *SQLiteRepository) ListFrameRecords(ctx context.Context, sessionID string) ([]*FrameRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, frame_index, processed, status, progress, error, archive_key, updated_at
		FROM frame_records WHERE session_id = ? ORDER BY frame_index
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var processed int
		var status, errMsg, archiveKey sql.NullString
		var progress sql.NullFloat64
		var updatedAt string

		if err := rows.Scan(&rec.SessionID, &rec.FrameIndex, &processed, &status, &progress, &errMsg, &archiveKey, &updatedAt); err != nil {
			return nil, err
		}
		rec.Processed = processed == 1
		rec.Status = status.String
		rec.Progress = progress.Float64
		rec.Error = errMsg.String
		rec.ArchiveKey = archiveKey.String
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
