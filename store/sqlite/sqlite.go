/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements document.Store (the local mirror of ledger documents) and the
  reconcile run log using SQLite.

INTERFACES IMPLEMENTED:
  document.Store: Documents, lookups, conditional update
  RunStore:       Poll run history (used by the scheduler)

KEY TABLES:
  documents:              One row per (type, id); full document as JSON plus
                          the columns the lookups filter on
  document_storage_keys:  Routing keys, one row per key
  reconcile_runs:         Outcome of each scheduled or manual poll

INDEXES:
  - PRIMARY KEY (type, id)
  - idx_documents_reference: UNIQUE (type, reference_id) once set. A second
    Create for the same ledger document fails here and maps to ErrConflict,
    which ingestion treats as "already present".
  - idx_documents_contract: usages/settlements of a contract (hot path)
  - idx_storage_keys_key: signature target lookup

CONDITIONAL UPDATE:
  Read, check, ApplyPatch and write happen in one SQL transaction under the
  store mutex. The UPDATE repeats the match on (id, type, state, version)
  so the row is only written if nobody moved it in between.

CONCURRENCY:
  Uses sync.RWMutex plus a single open connection. SQLite serialises writers
  anyway; the mutex keeps check-then-write sequences atomic.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := reconcile.New(store, adapter, opts)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - document/store.go: Interface definition
  - document/patch.go: Invariants applied on every update
  - document/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/contract-ledger/document"
)

// timeLayout sorts lexically in time order (fixed width, always UTC).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var _ document.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Documents (local mirror of the ledger)
	CREATE TABLE IF NOT EXISTS documents (
		type TEXT NOT NULL,
		id TEXT NOT NULL,
		state TEXT NOT NULL,
		reference_id TEXT,
		contract_id TEXT,
		version INTEGER NOT NULL,
		exchanged_at TEXT NOT NULL,
		doc_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (type, id)
	);

	-- CRITICAL: one local document per ledger document
	CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_reference
		ON documents(type, reference_id) WHERE reference_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_documents_contract
		ON documents(type, contract_id, state) WHERE contract_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_documents_type_created
		ON documents(type, created_at);

	-- Routing keys
	CREATE TABLE IF NOT EXISTS document_storage_keys (
		type TEXT NOT NULL,
		id TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		PRIMARY KEY (type, id, storage_key),
		FOREIGN KEY (type, id) REFERENCES documents(type, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_storage_keys_key
		ON document_storage_keys(storage_key);

	-- Reconcile runs (for scheduled polling)
	CREATE TABLE IF NOT EXISTS reconcile_runs (
		id TEXT PRIMARY KEY,
		triggered_by TEXT NOT NULL,
		status TEXT NOT NULL,
		listed INTEGER DEFAULT 0,
		stored INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		cleanup_failed INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconcile_runs_started
		ON reconcile_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// DOCUMENT STORE (document.Store interface)
// =============================================================================

// Create inserts a new document with version 1.
func (s *Store) Create(ctx context.Context, doc document.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := doc.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Version = 1

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := insertDocument(ctx, sqlTx, stored); err != nil {
		return err
	}
	if err := replaceStorageKeys(ctx, sqlTx, stored); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func insertDocument(ctx context.Context, db execer, doc document.Document) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	query := `
		INSERT INTO documents
		(type, id, state, reference_id, contract_id, version, exchanged_at, doc_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		doc.Type,
		doc.ID,
		doc.State,
		nullString(string(doc.ReferenceID)),
		nullString(doc.ContractID()),
		doc.Version,
		formatTime(doc.ExchangedAt()),
		string(docJSON),
		formatTime(doc.CreatedAt),
		formatTime(doc.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%s %s: %w", doc.Type, doc.ID, document.ErrConflict)
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func replaceStorageKeys(ctx context.Context, db execer, doc document.Document) error {
	if _, err := db.ExecContext(ctx,
		"DELETE FROM document_storage_keys WHERE type = ? AND id = ?", doc.Type, doc.ID); err != nil {
		return fmt.Errorf("failed to clear storage keys: %w", err)
	}
	for _, key := range doc.StorageKeys {
		if _, err := db.ExecContext(ctx,
			"INSERT OR IGNORE INTO document_storage_keys (type, id, storage_key) VALUES (?, ?, ?)",
			doc.Type, doc.ID, key); err != nil {
			return fmt.Errorf("failed to insert storage key: %w", err)
		}
	}
	return nil
}

// Get returns a document by local id.
func (s *Store) Get(ctx context.Context, typ document.Type, id string) (document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getDocument(ctx, s.db, typ, id)
}

func getDocument(ctx context.Context, db querier, typ document.Type, id string) (document.Document, error) {
	var docJSON string
	err := db.QueryRowContext(ctx,
		"SELECT doc_json FROM documents WHERE type = ? AND id = ?", typ, id,
	).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return document.Document{}, document.ErrNotFound
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("failed to get document: %w", err)
	}
	return decodeDocument(docJSON)
}

// FindByReferenceID returns the document carrying a ledger reference id.
func (s *Store) FindByReferenceID(ctx context.Context, typ document.Type, ref document.ReferenceID) (document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT doc_json FROM documents WHERE type = ? AND reference_id = ?", typ, ref,
	).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return document.Document{}, document.ErrNotFound
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("failed to find document: %w", err)
	}
	return decodeDocument(docJSON)
}

// ExistsByReferenceID checks the unique index without decoding the row.
func (s *Store) ExistsByReferenceID(ctx context.Context, typ document.Type, ref document.ReferenceID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE type = ? AND reference_id = ?", typ, ref,
	).Scan(&count)

	return count > 0, err
}

// FindByStorageKey returns documents carrying key, optionally restricted to
// some types and states.
func (s *Store) FindByStorageKey(ctx context.Context, key string, types []document.Type, states []document.State) ([]document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT d.doc_json
		FROM documents d
		JOIN document_storage_keys k ON k.type = d.type AND k.id = d.id
		WHERE k.storage_key = ?
	`
	args := []any{key}
	if len(types) > 0 {
		query += " AND d.type IN (" + placeholders(len(types)) + ")"
		for _, t := range types {
			args = append(args, t)
		}
	}
	if len(states) > 0 {
		query += " AND d.state IN (" + placeholders(len(states)) + ")"
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += " ORDER BY d.created_at ASC, d.id ASC"

	return s.queryDocuments(ctx, query, args...)
}

// ListByContract returns usages or settlements of a contract, oldest first.
func (s *Store) ListByContract(ctx context.Context, typ document.Type, contractID string) ([]document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT doc_json FROM documents
		WHERE type = ? AND contract_id = ?
		ORDER BY created_at ASC, id ASC
	`
	return s.queryDocuments(ctx, query, typ, contractID)
}

// LatestByContract returns the document of typ in state under the contract
// with the most recent exchange time.
func (s *Store) LatestByContract(ctx context.Context, typ document.Type, contractID string, state document.State) (document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_json FROM documents
		WHERE type = ? AND contract_id = ? AND state = ?
		ORDER BY exchanged_at DESC, created_at DESC
		LIMIT 1
	`, typ, contractID, state).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return document.Document{}, document.ErrNotFound
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("failed to get latest document: %w", err)
	}
	return decodeDocument(docJSON)
}

// List returns all documents of a type, oldest first.
func (s *Store) List(ctx context.Context, typ document.Type) ([]document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryDocuments(ctx,
		"SELECT doc_json FROM documents WHERE type = ? ORDER BY created_at ASC, id ASC", typ)
}

// ConditionalUpdate applies patch if the stored row matches.
func (s *Store) ConditionalUpdate(ctx context.Context, match document.Match, patch document.Patch) (document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return document.Document{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	cur, err := getDocument(ctx, sqlTx, match.Type, match.ID)
	if err != nil {
		return document.Document{}, err
	}
	if err := match.Check(cur); err != nil {
		return document.Document{}, err
	}

	next, err := document.ApplyPatch(cur, patch, s.now())
	if err != nil {
		return document.Document{}, err
	}
	docJSON, err := json.Marshal(next)
	if err != nil {
		return document.Document{}, fmt.Errorf("failed to encode document: %w", err)
	}

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE documents
		SET state = ?, reference_id = ?, contract_id = ?, version = ?, exchanged_at = ?,
		    doc_json = ?, updated_at = ?
		WHERE type = ? AND id = ? AND state = ? AND version = ?
	`,
		next.State,
		nullString(string(next.ReferenceID)),
		nullString(next.ContractID()),
		next.Version,
		formatTime(next.ExchangedAt()),
		string(docJSON),
		formatTime(next.UpdatedAt),
		cur.Type, cur.ID, cur.State, cur.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return document.Document{}, fmt.Errorf("%s %s: reference %s taken: %w",
				next.Type, next.ID, next.ReferenceID, document.ErrConflict)
		}
		return document.Document{}, fmt.Errorf("failed to update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return document.Document{}, fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return document.Document{}, &document.MatchError{ID: match.ID, Type: match.Type,
			ExpectedState: match.State, ActualState: cur.State,
			ExpectedVersion: cur.Version, ActualVersion: cur.Version + 1}
	}

	if patch.StorageKeys != nil {
		if err := replaceStorageKeys(ctx, sqlTx, next); err != nil {
			return document.Document{}, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return document.Document{}, fmt.Errorf("failed to commit update: %w", err)
	}
	return next, nil
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]document.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []document.Document
	for rows.Next() {
		var docJSON string
		if err := rows.Scan(&docJSON); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := decodeDocument(docJSON)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

func decodeDocument(docJSON string) (document.Document, error) {
	var doc document.Document
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return document.Document{}, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// =============================================================================
// RECONCILE RUNS
// =============================================================================

// RunRecord is one poll of the ledger, started by the scheduler or by hand.
type RunRecord struct {
	ID            string     `json:"id"`
	Trigger       string     `json:"trigger"` // scheduler, manual
	Status        string     `json:"status"`  // running, completed, failed
	Listed        int        `json:"listed"`
	Stored        int        `json:"stored"`
	Failed        int        `json:"failed"`
	CleanupFailed int        `json:"cleanupFailed"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// SaveRun inserts or replaces a run record.
func (s *Store) SaveRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*r.CompletedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reconcile_runs
		(id, triggered_by, status, listed, stored, failed, cleanup_failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Trigger, r.Status, r.Listed, r.Stored, r.Failed, r.CleanupFailed,
		nullString(r.Error), formatTime(r.StartedAt), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, triggered_by, status, listed, stored, failed, cleanup_failed, error, started_at, completed_at
		FROM reconcile_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r           RunRecord
			errText     sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Status, &r.Listed, &r.Stored, &r.Failed,
			&r.CleanupFailed, &errText, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Error = errText.String
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// Reset clears all data. Used by tests and the dev server.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM document_storage_keys;
		DELETE FROM documents;
		DELETE FROM reconcile_runs;
	`)
	return err
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
