package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry kinds.
const (
	KindChat  = "chat"
	KindStage = "stage"
)

// Entry is one priced model call.
type Entry struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	StreamID     string    `json:"stream_id"`
	Kind         string    `json:"kind"`
	Stage        string    `json:"stage,omitempty"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostZAR      float64   `json:"cost_zar"`
	Estimated    bool      `json:"estimated"`
	CreatedAt    time.Time `json:"created_at"`
}

// Totals aggregates the entries of one session.
type Totals struct {
	SessionID    string  `json:"session_id"`
	Entries      int     `json:"entries"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostZAR      float64 `json:"cost_zar"`
}

// Sink accepts ledger entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Ledger is a SQLite backed Sink.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the database at dsn and applies migrations.
func Open(dsn string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := l.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Record appends e. A zero CreatedAt is set to now.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.SessionID == "" {
		return fmt.Errorf("record usage: empty session id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO usage_entries
		(session_id, stream_id, kind, stage, model, input_tokens, output_tokens, cost_zar, estimated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.StreamID, e.Kind, e.Stage, e.Model,
		e.InputTokens, e.OutputTokens, e.CostZAR, boolToInt(e.Estimated),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// SessionTotals sums every entry of the session.
func (l *Ledger) SessionTotals(ctx context.Context, sessionID string) (Totals, error) {
	t := Totals{SessionID: sessionID}
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(input_tokens), 0),
		COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_zar), 0)
		FROM usage_entries WHERE session_id = ?`, sessionID).
		Scan(&t.Entries, &t.InputTokens, &t.OutputTokens, &t.CostZAR)
	if err != nil {
		return Totals{}, fmt.Errorf("session totals: %w", err)
	}
	return t, nil
}

// List returns the newest entries of the session first. limit <= 0 means 100.
func (l *Ledger) List(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `SELECT id, session_id, stream_id, kind, stage, model,
		input_tokens, output_tokens, cost_zar, estimated, created_at
		FROM usage_entries WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			estimated int
			created   string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.StreamID, &e.Kind, &e.Stage, &e.Model,
			&e.InputTokens, &e.OutputTokens, &e.CostZAR, &estimated, &created); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		e.Estimated = estimated != 0
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
