package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/accessms/doorlink/internal/ble/crypto"
)

const (
	keyPairedDevice = "paired_device"
	keyCredential   = "credential"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	sealed     INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS work_logs (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_logs_created ON work_logs (created_at);
`

// SQLite is a Store backed by a single sqlite file.
type SQLite struct {
	db      *sql.DB
	sealKey []byte
	log     *slog.Logger
}

// Open opens (creating if needed) the database at path. When sealSecret is
// non-empty the credential record is encrypted at rest with a key derived
// from it.
func Open(path string, sealSecret []byte, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One writer keeps sqlite free of SQLITE_BUSY under concurrent callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	s := &SQLite{db: db, log: logger}
	if len(sealSecret) > 0 {
		key, err := crypto.DeriveSealKey(sealSecret)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("store: derive seal key: %w", err)
		}
		s.sealKey = key
	}
	logger.Debug("[STORE] opened", "path", path, "sealed", s.sealKey != nil)
	return s, nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// PairedDevice returns the bound controller or ErrNotFound.
func (s *SQLite) PairedDevice(ctx context.Context) (PairedDevice, error) {
	var d PairedDevice
	err := s.get(ctx, keyPairedDevice, &d)
	return d, err
}

// SavePairedDevice binds d, replacing any previous device.
func (s *SQLite) SavePairedDevice(ctx context.Context, d PairedDevice) error {
	if d.ID == "" {
		return errors.New("store: paired device has no ID")
	}
	if err := s.put(ctx, keyPairedDevice, d, false); err != nil {
		return err
	}
	s.log.Info("[STORE] paired device saved", "id", d.ID, "name", d.Name)
	return nil
}

// DeletePairedDevice unbinds the controller. Deleting nothing is not an error.
func (s *SQLite) DeletePairedDevice(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, keyPairedDevice); err != nil {
		return fmt.Errorf("store: delete paired device: %w", err)
	}
	s.log.Info("[STORE] paired device deleted")
	return nil
}

// Credential returns the user's profile or ErrNotFound.
func (s *SQLite) Credential(ctx context.Context) (Credential, error) {
	var c Credential
	err := s.get(ctx, keyCredential, &c)
	return c, err
}

// SaveCredential stores c, sealed when a seal secret was configured.
func (s *SQLite) SaveCredential(ctx context.Context, c Credential) error {
	if c.CardID == "" {
		return errors.New("store: credential has no card ID")
	}
	return s.put(ctx, keyCredential, c, s.sealKey != nil)
}

// AddWorkLog records w.
func (s *SQLite) AddWorkLog(ctx context.Context, w WorkLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO work_logs (id, content, created_at) VALUES (?, ?, ?)`,
		w.ID.String(), w.Content, w.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: add work log: %w", err)
	}
	s.log.Info("[STORE] work log added", "id", w.ID, "content", w.Content)
	return nil
}

// WorkLogs returns up to limit entries, newest first. limit <= 0 returns all.
func (s *SQLite) WorkLogs(ctx context.Context, limit int) ([]WorkLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at FROM work_logs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list work logs: %w", err)
	}
	defer rows.Close()

	var out []WorkLog
	for rows.Next() {
		var (
			id      string
			w       WorkLog
			created int64
		)
		if err := rows.Scan(&id, &w.Content, &created); err != nil {
			return nil, fmt.Errorf("store: scan work log: %w", err)
		}
		if w.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("store: work log id %q: %w", id, err)
		}
		w.CreatedAt = time.Unix(0, created)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLite) get(ctx context.Context, key string, v any) error {
	var (
		blob   []byte
		sealed bool
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, sealed FROM records WHERE key = ?`, key).Scan(&blob, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", key, err)
	}
	if sealed {
		if s.sealKey == nil {
			return fmt.Errorf("store: %s is sealed and no seal secret is configured", key)
		}
		if blob, err = crypto.Open(s.sealKey, blob); err != nil {
			return fmt.Errorf("store: unseal %s: %w", key, err)
		}
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) put(ctx context.Context, key string, v any, seal bool) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	if seal {
		if blob, err = crypto.Seal(s.sealKey, blob); err != nil {
			return fmt.Errorf("store: seal %s: %w", key, err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (key, value, sealed, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, sealed = excluded.sealed, updated_at = excluded.updated_at`,
		key, blob, seal, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	return nil
}
