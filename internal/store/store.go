package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one row in the debug translation log.
type Record struct {
	SessionID      string
	ClientID       string
	SourceText     string
	TranslatedText string
	SourceLanguage string
	TargetLanguage string
	Reason         string
	AppVersion     string
}

const (
	retentionMinutes = 45
	maxRows          = 500
	maxTextLen       = 1000
	// Usage increments above this are clamped to prevent inflation.
	maxUsagePerRequest = 10000
)

// Store is the append-only debug log and usage counter sink. All failures
// are non-fatal; callers fire and forget.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time; limit pool to 1 connection
	// to avoid SQLITE_BUSY under concurrent session writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS translation_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			source_text TEXT NOT NULL,
			translated_text TEXT NOT NULL,
			source_language TEXT NOT NULL,
			target_language TEXT NOT NULL,
			reason TEXT NOT NULL,
			app_version TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);
		CREATE INDEX IF NOT EXISTS idx_translation_log_created ON translation_log(created_at);
		CREATE TABLE IF NOT EXISTS usage_counters (
			session_id TEXT NOT NULL,
			day TEXT NOT NULL,
			characters INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, day)
		);
	`)
	return err
}

// Append writes one translation row, then runs the lazy cleanup: rows older
// than 45 minutes go first, then the total is capped at 500.
func (s *Store) Append(rec Record) {
	_, err := s.db.Exec(`
		INSERT INTO translation_log
			(session_id, client_id, source_text, translated_text, source_language, target_language, reason, app_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.ClientID,
		truncate(rec.SourceText, maxTextLen), truncate(rec.TranslatedText, maxTextLen),
		rec.SourceLanguage, rec.TargetLanguage, rec.Reason, rec.AppVersion,
	)
	if err != nil {
		slog.Warn("translation log append failed", "err", err)
		return
	}
	s.cleanup()
}

func (s *Store) cleanup() {
	if _, err := s.db.Exec(
		`DELETE FROM translation_log WHERE created_at < datetime('now', ?)`,
		fmt.Sprintf("-%d minutes", retentionMinutes),
	); err != nil {
		slog.Warn("translation log retention sweep failed", "err", err)
	}
	if _, err := s.db.Exec(`
		DELETE FROM translation_log WHERE id NOT IN (
			SELECT id FROM translation_log ORDER BY id DESC LIMIT ?
		)`, maxRows,
	); err != nil {
		slog.Warn("translation log cap sweep failed", "err", err)
	}
}

// RecentCount reports rows currently retained.
func (s *Store) RecentCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM translation_log`).Scan(&n)
	return n, err
}

// AddUsage accumulates translated characters per (session, day). Values are
// capped per request.
func (s *Store) AddUsage(sessionID string, day string, characters int) {
	if characters <= 0 {
		return
	}
	if characters > maxUsagePerRequest {
		characters = maxUsagePerRequest
	}
	_, err := s.db.Exec(`
		INSERT INTO usage_counters (session_id, day, characters) VALUES (?, ?, ?)
		ON CONFLICT(session_id, day) DO UPDATE SET characters = characters + excluded.characters`,
		sessionID, day, characters,
	)
	if err != nil {
		slog.Warn("usage counter write failed", "err", err)
	}
}

// Usage reads a counter, mainly for tests.
func (s *Store) Usage(sessionID, day string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT characters FROM usage_counters WHERE session_id = ? AND day = ?`, sessionID, day).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
