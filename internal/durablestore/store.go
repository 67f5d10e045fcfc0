// Package durablestore is a SQLite-backed implementation of
// oplog.Store: the append-only, per-worker operation log the replay
// cursor indexes. It never mutates an entry once written; appends are
// the only write path, matching spec.md's "the cursor never writes
// through this interface" contract.
package durablestore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/golemrt/durable/internal/oplog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements oplog.Store over a modernc.org/sqlite handle
// (pure Go, no cgo), following the migration-embed, WAL-mode pattern of
// the teacher's internal/store.Store.
type SQLiteStore struct {
	db    *sql.DB
	seal  *sealer // nil when at-rest encryption is disabled
	watch *GrowthWatcher
	log   *slog.Logger
}

// Open opens (creating if necessary) a SQLite-backed oplog store at dsn
// and applies any pending migrations.
func Open(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open oplog db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate oplog db: %w", err)
	}
	return s, nil
}

// Option configures an SQLiteStore at Open time.
type Option func(*SQLiteStore)

// WithSealer enables AES-256-GCM at-rest encryption of payload blobs.
func WithSealer(s *sealer) Option {
	return func(st *SQLiteStore) { st.seal = s }
}

// WithGrowthWatcher attaches a GrowthWatcher so Append can signal it
// after a successful write.
func WithGrowthWatcher(w *GrowthWatcher) Option {
	return func(st *SQLiteStore) { st.watch = w }
}

// WithLogger attaches a structured logger for migration and store
// diagnostics. Defaults to slog.Default() when unset.
func WithLogger(log *slog.Logger) Option {
	return func(st *SQLiteStore) { st.log = log }
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for operator tooling.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		s.log.Error("durablestore: create migrations table failed", "error", err)
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		s.log.Error("durablestore: read migrations dir failed", "error", err)
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, f := range files {
		var alreadyApplied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&alreadyApplied); err != nil {
			s.log.Error("durablestore: check migration failed", "migration", f, "error", err)
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if alreadyApplied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			s.log.Error("durablestore: read migration failed", "migration", f, "error", err)
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			s.log.Error("durablestore: begin migration tx failed", "migration", f, "error", err)
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			s.log.Error("durablestore: exec migration failed", "migration", f, "error", err)
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			s.log.Error("durablestore: record migration failed", "migration", f, "error", err)
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			s.log.Error("durablestore: commit migration failed", "migration", f, "error", err)
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
		s.log.Info("durablestore: applied migration", "migration", f)
		applied++
	}
	if applied == 0 {
		s.log.Debug("durablestore: schema up to date", "migrations", len(files))
	}
	return nil
}

// Read implements oplog.Store.
func (s *SQLiteStore) Read(ctx context.Context, worker oplog.WorkerID, start oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, kind, function_name, idempotency_key, trace_id, trace_states,
		       span_parent_id, has_payload, payload_ref, persist_level,
		       target_version, log_level, log_context, log_message
		FROM oplog_entries
		WHERE namespace = ? AND worker_id = ? AND idx >= ?
		ORDER BY idx ASC
		LIMIT ?`, worker.Namespace, worker.ID, uint64(start), n)
	if err != nil {
		return nil, fmt.Errorf("query oplog range from %s: %w", start, err)
	}
	defer rows.Close()

	var out []oplog.IndexedEntry
	for rows.Next() {
		row, err := scanEntryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan oplog row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate oplog range from %s: %w", start, err)
	}
	return out, nil
}

// GetPayloadOfEntry implements oplog.Store.
func (s *SQLiteStore) GetPayloadOfEntry(ctx context.Context, worker oplog.WorkerID, entry oplog.Entry) ([]byte, bool, error) {
	if !entry.HasPayload {
		return nil, false, nil
	}

	var sealed int
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT sealed, body FROM oplog_payloads
		WHERE namespace = ? AND worker_id = ? AND payload_ref = ?`,
		worker.Namespace, worker.ID, entry.PayloadRef).Scan(&sealed, &body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read payload %s: %w", entry.PayloadRef, err)
	}

	if sealed == 0 || s.seal == nil {
		return body, true, nil
	}
	plain, err := s.seal.open(body)
	if err != nil {
		return nil, false, fmt.Errorf("unseal payload %s: %w", entry.PayloadRef, err)
	}
	return plain, true, nil
}

// Append writes a new entry (and its optional payload) at idx, the only
// write path this store exposes — the cursor itself never calls it; an
// executor appending newly-performed live host calls does.
func (s *SQLiteStore) Append(ctx context.Context, worker oplog.WorkerID, idx oplog.Index, entry oplog.Entry, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEntryRow(ctx, tx, worker, idx, entry); err != nil {
		return fmt.Errorf("insert oplog entry %s: %w", idx, err)
	}

	if entry.HasPayload {
		body := payload
		sealed := 0
		if s.seal != nil {
			sealedBody, err := s.seal.seal(payload)
			if err != nil {
				return fmt.Errorf("seal payload for %s: %w", idx, err)
			}
			body, sealed = sealedBody, 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO oplog_payloads (namespace, worker_id, payload_ref, sealed, body)
			VALUES (?, ?, ?, ?, ?)`,
			worker.Namespace, worker.ID, entry.PayloadRef, sealed, body); err != nil {
			return fmt.Errorf("insert payload for %s: %w", idx, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	if s.watch != nil {
		s.watch.notify(worker)
	}
	return nil
}
