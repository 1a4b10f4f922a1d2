package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/db"
)

// FileLog keeps fallback records as a single JSON array in a file. The file
// is rewritten atomically on every append.
type FileLog struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger
}

// NewFileLog creates a FileLog writing to path.
func NewFileLog(path string, logger zerolog.Logger) *FileLog {
	return &FileLog{path: path, logger: logger}
}

// Append adds rec to the end of the array. A file that does not hold a JSON
// array is moved aside to path+".corrupt" and a new array is started.
func (l *FileLog) Append(_ context.Context, rec FallbackRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readLocked()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode fallback record: %w", err)
	}
	records = append(records, raw)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fallback log: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create fallback log dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".fallback-*.json")
	if err != nil {
		return fmt.Errorf("create temp fallback log: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write fallback log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close fallback log: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("replace fallback log: %w", err)
	}
	return nil
}

func (l *FileLog) readLocked() ([]json.RawMessage, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fallback log: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	// Existing entries are carried over verbatim, never interpreted.
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		aside := l.path + ".corrupt"
		l.logger.Warn().Err(err).Str("moved_to", aside).Msg("fallback log unreadable, starting a new one")
		if rerr := os.Rename(l.path, aside); rerr != nil {
			return nil, fmt.Errorf("move corrupt fallback log: %w", rerr)
		}
		return nil, nil
	}
	return records, nil
}

// ---------------------------------------------------------------------------
// Postgres
// ---------------------------------------------------------------------------

const fallbackSchema = `CREATE TABLE IF NOT EXISTS fallback_notifications (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	message        TEXT NOT NULL,
	type           TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	is_read        BOOLEAN NOT NULL DEFAULT FALSE,
	appointment_id TEXT
)`

const insertFallback = `INSERT INTO fallback_notifications
	(id, title, message, type, created_at, is_read, appointment_id)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	ON CONFLICT (id) DO NOTHING`

// PgLog stores fallback records in the fallback_notifications table.
type PgLog struct {
	db db.Execer
}

// NewPgLog creates a PgLog on conn, typically a *pgxpool.Pool.
func NewPgLog(conn db.Execer) *PgLog {
	return &PgLog{db: conn}
}

// EnsureSchema creates the table when it does not exist.
func (l *PgLog) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, fallbackSchema); err != nil {
		return fmt.Errorf("create fallback_notifications: %w", err)
	}
	return nil
}

// Append inserts rec. Re-appending the same id is a no-op.
func (l *PgLog) Append(ctx context.Context, rec FallbackRecord) error {
	_, err := l.db.Exec(ctx, insertFallback,
		rec.ID, rec.Title, rec.Message, rec.Type, rec.Timestamp, rec.IsRead, rec.AppointmentID)
	if err != nil {
		return fmt.Errorf("insert fallback notification: %w", err)
	}
	return nil
}
