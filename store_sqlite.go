package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// LocalStoreConfig configures the durable on-device store backing the offline
// action queue and the adaptive cache.
type LocalStoreConfig struct {
	// Path to the SQLite database file
	Path string `json:"path" yaml:"path"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int `json:"busy_timeout" yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
}

// DefaultLocalStoreConfig returns default configuration.
func DefaultLocalStoreConfig() LocalStoreConfig {
	return LocalStoreConfig{
		Path:           "fieldsync.db",
		JournalMode:    "WAL",
		BusyTimeout:    5000,
		MaxConnections: 4,
	}
}

// SQLiteStore is the durable local store. It survives process restarts and
// serializes all mutating statements through database/sql, so single-row
// updates are atomic.
type SQLiteStore struct {
	db     *sql.DB
	config LocalStoreConfig
	mu     sync.RWMutex
	closed bool

	insertAction   *sql.Stmt
	selectPending  *sql.Stmt
	updateStatus   *sql.Stmt
	bumpRetry      *sql.Stmt
	insertEntry    *sql.Stmt
	selectEntry    *sql.Stmt
	deleteEntry    *sql.Stmt
	upsertState    *sql.Stmt
	selectState    *sql.Stmt
}

// OpenSQLiteStore opens (creating if needed) the local store at the
// configured path.
func OpenSQLiteStore(config LocalStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "fieldsync.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{db: db, config: config}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init local store schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare local store statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Pending local mutations awaiting remote application
		CREATE TABLE IF NOT EXISTS sync_actions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			operation TEXT NOT NULL,
			collection TEXT NOT NULL,
			record_id TEXT NOT NULL,
			payload TEXT,  -- JSON encoded field map
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			status TEXT NOT NULL DEFAULT 'pending',
			last_attempt_at INTEGER,
			last_error TEXT
		);

		-- Cached remote reads
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			encrypted INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			size INTEGER NOT NULL
		);

		-- Engine bookkeeping (last sync time, checkpoints)
		CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_actions_status_order
			ON sync_actions(status, enqueued_at, seq);
		CREATE INDEX IF NOT EXISTS idx_actions_record
			ON sync_actions(collection, record_id);
		CREATE INDEX IF NOT EXISTS idx_cache_priority_created
			ON cache_entries(priority, created_at);
		CREATE INDEX IF NOT EXISTS idx_cache_expires
			ON cache_entries(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertAction, err = s.db.Prepare(`
		INSERT INTO sync_actions
			(id, operation, collection, record_id, payload, enqueued_at, retry_count, max_retries, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.selectPending, err = s.db.Prepare(`
		SELECT id, operation, collection, record_id, payload, enqueued_at,
		       retry_count, max_retries, status, last_attempt_at, last_error
		FROM sync_actions
		WHERE status = 'pending'
		ORDER BY enqueued_at ASC, seq ASC
	`)
	if err != nil {
		return err
	}

	s.updateStatus, err = s.db.Prepare(`
		UPDATE sync_actions SET status = ?, last_attempt_at = ?, last_error = ? WHERE id = ?
	`)
	if err != nil {
		return err
	}

	s.bumpRetry, err = s.db.Prepare(`
		UPDATE sync_actions
		SET retry_count = retry_count + 1,
		    last_attempt_at = ?,
		    last_error = ?,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE status END
		WHERE id = ? AND retry_count < max_retries
	`)
	if err != nil {
		return err
	}

	s.insertEntry, err = s.db.Prepare(`
		INSERT OR REPLACE INTO cache_entries
			(key, payload, compressed, encrypted, priority, created_at, expires_at, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.selectEntry, err = s.db.Prepare(`
		SELECT key, payload, compressed, encrypted, priority, created_at, expires_at, size
		FROM cache_entries WHERE key = ?
	`)
	if err != nil {
		return err
	}

	s.deleteEntry, err = s.db.Prepare(`DELETE FROM cache_entries WHERE key = ?`)
	if err != nil {
		return err
	}

	s.upsertState, err = s.db.Prepare(`
		INSERT OR REPLACE INTO sync_state (key, value) VALUES (?, ?)
	`)
	if err != nil {
		return err
	}

	s.selectState, err = s.db.Prepare(`SELECT value FROM sync_state WHERE key = ?`)
	if err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("local store is closed")
	}
	return nil
}

// --- Action persistence ---

// InsertAction persists a new offline action.
func (s *SQLiteStore) InsertAction(ctx context.Context, a *OfflineAction) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.insertAction.ExecContext(ctx,
		a.ID, a.Operation.String(), a.Collection, a.RecordID, string(payload),
		a.EnqueuedAt.UnixNano(), a.RetryCount, a.MaxRetries, a.Status.String())
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// PendingActions returns all pending actions in enqueue order.
func (s *SQLiteStore) PendingActions(ctx context.Context) ([]*OfflineAction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.selectPending.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("select pending actions: %w", err)
	}
	defer rows.Close()

	var actions []*OfflineAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func scanAction(rows *sql.Rows) (*OfflineAction, error) {
	var (
		a           OfflineAction
		op, status  string
		payload     sql.NullString
		enqueuedAt  int64
		lastAttempt sql.NullInt64
		lastError   sql.NullString
	)
	err := rows.Scan(&a.ID, &op, &a.Collection, &a.RecordID, &payload,
		&enqueuedAt, &a.RetryCount, &a.MaxRetries, &status, &lastAttempt, &lastError)
	if err != nil {
		return nil, fmt.Errorf("scan action: %w", err)
	}

	a.Operation = parseActionOp(op)
	a.Status = parseActionStatus(status)
	a.EnqueuedAt = time.Unix(0, enqueuedAt)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &a.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if lastAttempt.Valid {
		t := time.Unix(0, lastAttempt.Int64)
		a.LastAttemptAt = &t
	}
	if lastError.Valid {
		a.LastError = lastError.String
	}
	return &a, nil
}

// UpdateActionStatus sets an action's status in a single statement.
func (s *SQLiteStore) UpdateActionStatus(ctx context.Context, id string, status ActionStatus, lastError string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.updateStatus.ExecContext(ctx, status.String(), time.Now().UnixNano(), nullIfEmpty(lastError), id)
	if err != nil {
		return fmt.Errorf("update action status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementActionRetry bumps the retry counter and flips the action to failed
// once the budget is exhausted. The whole transition is one SQL statement, so
// concurrent callers cannot push retry_count past max_retries.
func (s *SQLiteStore) IncrementActionRetry(ctx context.Context, id string, lastError string) (*OfflineAction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := s.bumpRetry.ExecContext(ctx, time.Now().UnixNano(), nullIfEmpty(lastError), id); err != nil {
		return nil, fmt.Errorf("increment retry: %w", err)
	}
	return s.GetAction(ctx, id)
}

// GetAction returns a single action by id.
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*OfflineAction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, collection, record_id, payload, enqueued_at,
		       retry_count, max_retries, status, last_attempt_at, last_error
		FROM sync_actions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("select action: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return scanAction(rows)
}

// CountActions returns the number of actions with the given status.
func (s *SQLiteStore) CountActions(ctx context.Context, status ActionStatus) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_actions WHERE status = ?`, status.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return count, nil
}

// DeleteSyncedBefore removes synced actions older than the cutoff. Failed
// actions are never touched here; they stay visible until cleared explicitly.
func (s *SQLiteStore) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_actions WHERE status = 'synced' AND enqueued_at < ?`,
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete synced actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetFailedAction re-arms a failed action for another round of retries.
func (s *SQLiteStore) ResetFailedAction(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_actions SET status = 'pending', retry_count = 0, last_error = NULL
		WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("reset failed action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed action %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Cache persistence ---

// PutEntry writes or replaces a cache entry.
func (s *SQLiteStore) PutEntry(ctx context.Context, e *CacheEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.insertEntry.ExecContext(ctx,
		e.Key, e.Payload, boolToInt(e.Compressed), boolToInt(e.Encrypted),
		int(e.Priority), e.CreatedAt.UnixNano(), e.ExpiresAt.UnixNano(), e.SizeBytes)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// GetEntry returns a cache entry or ErrNotFound.
func (s *SQLiteStore) GetEntry(ctx context.Context, key string) (*CacheEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var (
		e                     CacheEntry
		compressed, encrypted int
		createdAt, expiresAt  int64
		priority              int
	)
	err := s.selectEntry.QueryRowContext(ctx, key).Scan(
		&e.Key, &e.Payload, &compressed, &encrypted, &priority,
		&createdAt, &expiresAt, &e.SizeBytes)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cache entry %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	e.Compressed = compressed != 0
	e.Encrypted = encrypted != 0
	e.Priority = CachePriority(priority)
	e.CreatedAt = time.Unix(0, createdAt)
	e.ExpiresAt = time.Unix(0, expiresAt)
	return &e, nil
}

// DeleteEntry removes a cache entry.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.deleteEntry.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// DeleteExpiredEntries removes all entries past their expiry.
func (s *SQLiteStore) DeleteExpiredEntries(ctx context.Context, now time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CacheSize returns the total stored payload bytes.
func (s *SQLiteStore) CacheSize(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var size sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM cache_entries`).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("cache size: %w", err)
	}
	return size.Int64, nil
}

// CacheEntryCount returns the number of stored entries.
func (s *SQLiteStore) CacheEntryCount(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("cache entry count: %w", err)
	}
	return count, nil
}

// OldestEntriesByPriority returns entries of the given priority ordered by
// created_at ascending, for size-pressure eviction.
func (s *SQLiteStore) OldestEntriesByPriority(ctx context.Context, p CachePriority, limit int) ([]*CacheEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, payload, compressed, encrypted, priority, created_at, expires_at, size
		FROM cache_entries WHERE priority = ?
		ORDER BY created_at ASC LIMIT ?`, int(p), limit)
	if err != nil {
		return nil, fmt.Errorf("select entries by priority: %w", err)
	}
	defer rows.Close()

	var entries []*CacheEntry
	for rows.Next() {
		var (
			e                     CacheEntry
			compressed, encrypted int
			createdAt, expiresAt  int64
			priority              int
		)
		if err := rows.Scan(&e.Key, &e.Payload, &compressed, &encrypted, &priority,
			&createdAt, &expiresAt, &e.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		e.Compressed = compressed != 0
		e.Encrypted = encrypted != 0
		e.Priority = CachePriority(priority)
		e.CreatedAt = time.Unix(0, createdAt)
		e.ExpiresAt = time.Unix(0, expiresAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Engine bookkeeping ---

// SetState stores a bookkeeping value.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.upsertState.ExecContext(ctx, key, value); err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// GetState returns a bookkeeping value, or "" when unset.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var value string
	err := s.selectState.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state: %w", err)
	}
	return value, nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.insertAction, s.selectPending, s.updateStatus, s.bumpRetry,
		s.insertEntry, s.selectEntry, s.deleteEntry, s.upsertState, s.selectState,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
