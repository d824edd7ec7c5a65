package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/logrelay-dev/logrelay/internal/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_logs (
	id         BIGSERIAL PRIMARY KEY,
	job_id     TEXT        NOT NULL,
	worker_id  TEXT        NOT NULL DEFAULT '',
	level      TEXT        NOT NULL DEFAULT 'INFO',
	source     TEXT        NOT NULL DEFAULT 'stdout',
	message    TEXT        NOT NULL,
	logged_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS job_logs_job_id_idx ON job_logs (job_id, logged_at);
`

type logRow struct {
	JobID    string    `db:"job_id"`
	WorkerID string    `db:"worker_id"`
	Level    string    `db:"level"`
	Source   string    `db:"source"`
	Message  string    `db:"message"`
	LoggedAt time.Time `db:"logged_at"`
}

// PGWriter stores finalized log batches in Postgres.
type PGWriter struct {
	db *sqlx.DB
}

func NewPGWriter(dsn string) (*PGWriter, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: connect: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: ensure schema: %w", err)
	}
	return &PGWriter{db: db}, nil
}

func (w *PGWriter) WriteBatch(ctx context.Context, jobID string, records []record.LogRecord) error {
	rows := make([]logRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, logRow{
			JobID:    jobID,
			WorkerID: r.WorkerID,
			Level:    string(r.Level),
			Source:   string(r.Source),
			Message:  r.Message,
			LoggedAt: r.Timestamp,
		})
	}

	_, err := w.db.NamedExecContext(ctx, `
		INSERT INTO job_logs (job_id, worker_id, level, source, message, logged_at)
		VALUES (:job_id, :worker_id, :level, :source, :message, :logged_at)`, rows)
	if err != nil {
		return fmt.Errorf("persist: insert %d rows for %s: %w", len(rows), jobID, err)
	}
	return nil
}

func (w *PGWriter) Close() error { return w.db.Close() }
