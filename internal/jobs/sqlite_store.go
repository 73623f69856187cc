package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/snapscribe/snapscribe/internal/common"
	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		image_path TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		temperature REAL NOT NULL,
		prompt_style TEXT NOT NULL,
		prompt_override TEXT,
		callback_url TEXT,
		metadata_json TEXT,
		stage TEXT NOT NULL,
		failure_kind TEXT,
		error_message TEXT,
		result_text TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateJob(job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	meta := ""
	if job.Metadata != nil {
		b, err := json.Marshal(job.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	var cb *string
	if job.CallbackURL != nil && *job.CallbackURL != "" {
		cb = job.CallbackURL
	}
	var override *string
	if job.PromptOverride != nil && *job.PromptOverride != "" {
		override = job.PromptOverride
	}

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, image_path, mime_type, temperature, prompt_style, prompt_override, callback_url, metadata_json, stage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ImagePath, job.MimeType, job.Temperature, job.PromptStyle, override, cb, meta, string(job.Stage), job.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStage(id string, stage Stage, startedAt *time.Time) error {
	var started *string
	if startedAt != nil {
		ts := startedAt.UTC().Format(time.RFC3339Nano)
		started = &ts
	}
	// Update stage and optionally started_at (only set when provided).
	if started != nil {
		_, err := s.db.Exec(`UPDATE jobs SET stage = ?, started_at = ? WHERE id = ?`, string(stage), *started, id)
		if err != nil {
			return fmt.Errorf("update stage: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`UPDATE jobs SET stage = ? WHERE id = ?`, string(stage), id)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveResult(id string, text string, completedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs
		SET result_text = ?, stage = ?, failure_kind = NULL, error_message = NULL, completed_at = ?
		WHERE id = ?`,
		text, string(StageCompleted), completedAt.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveError(id string, failureKind, errMsg string, completedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs
		SET failure_kind = ?, error_message = ?, stage = ?, completed_at = ?
		WHERE id = ?`,
		failureKind, errMsg, string(StageFailed), completedAt.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("save error: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT id, image_path, mime_type, temperature, prompt_style, prompt_override, callback_url,
		metadata_json, stage, failure_kind, error_message, result_text, created_at, started_at, completed_at
		FROM jobs WHERE id = ?`, id)

	var job Job
	var override, cb, meta, failKind, errMsg, text, created, started, completed sql.NullString
	var stage string

	if err := row.Scan(
		&job.ID,
		&job.ImagePath,
		&job.MimeType,
		&job.Temperature,
		&job.PromptStyle,
		&override,
		&cb,
		&meta,
		&stage,
		&failKind,
		&errMsg,
		&text,
		&created,
		&started,
		&completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job not found")
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if override.Valid {
		v := override.String
		job.PromptOverride = &v
	}
	if cb.Valid {
		v := cb.String
		job.CallbackURL = &v
	}
	if meta.Valid && meta.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(meta.String), &m); err == nil {
			job.Metadata = m
		} else {
			// Leave Metadata nil on error; do not fail retrieval.
			job.Metadata = nil
		}
	}
	if failKind.Valid {
		v := failKind.String
		job.FailureKind = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		job.ErrorMessage = &v
	}
	if text.Valid {
		v := text.String
		job.ResultText = &v
	}
	if created.Valid {
		if t, err := time.Parse(time.RFC3339Nano, created.String); err == nil {
			job.CreatedAt = t
		}
	}
	if started.Valid {
		if t, err := time.Parse(time.RFC3339Nano, started.String); err == nil {
			job.StartedAt = &t
		}
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			job.CompletedAt = &t
		}
	}
	job.Stage = Stage(stage)

	return &job, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
