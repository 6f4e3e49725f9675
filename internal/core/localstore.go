// Encrypted local store for the CLI.
//
// A single SQLCipher database under the config directory holds the
// credentials fallback payload and the pending-sync queue. The database
// file and its key file are owner-only; the key is random, generated on
// first use, and never logged.
//
// INVARIANTS:
// - Credentials payload is replaced in one transaction (no partial state)
// - Pending-sync queue is append-only until drained
// - A wrong or missing key fails open as "unavailable", never crashes
package core

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/cyberwave-os/cyberwave-cli/internal/model"
)

const (
	storeFileName = "store.db"
	keyFileName   = "store.key"
)

// LocalStore wraps the SQLCipher-encrypted database.
type LocalStore struct {
	db   *sql.DB
	path string
}

// OpenLocalStore opens (creating if needed) the encrypted store under dir.
func OpenLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &StorageError{Op: "create store dir", Err: err}
	}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, storeFileName)
	dsn := fmt.Sprintf("file:%s?_pragma_key=%s&_journal_mode=WAL&_synchronous=NORMAL",
		dbPath, url.QueryEscape(key))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open store", Err: err}
	}

	// Fails here if the key does not match an existing database.
	var version string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&version); err != nil {
		db.Close()
		return nil, &StorageError{Op: "unlock store", Err: err}
	}

	s := &LocalStore{db: db, path: dbPath}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	os.Chmod(dbPath, 0o600)
	return s, nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

func (s *LocalStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			id         INTEGER PRIMARY KEY CHECK(id = 1),
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS pending_sync (
			record_id  TEXT PRIMARY KEY,
			node_id    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			state      TEXT NOT NULL DEFAULT 'queued'
			           CHECK(state IN ('queued', 'synced')),
			created_at TEXT NOT NULL,
			synced_at  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_pending_sync_state ON pending_sync(state);
	`)
	if err != nil {
		return &StorageError{Op: "initialize store schema", Err: err}
	}
	return nil
}

// loadOrCreateKey reads the store key, generating a random one on first
// use. O_EXCL arbitrates concurrent first runs the same way the identity
// record does.
func loadOrCreateKey(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", &StorageError{Op: "generate store key", Err: err}
	}
	key := hex.EncodeToString(buf)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			data, rerr := os.ReadFile(path)
			if rerr != nil || len(data) == 0 {
				return "", &StorageError{Op: "read store key after race", Err: err}
			}
			return string(data), nil
		}
		return "", &StorageError{Op: "create store key", Err: err}
	}
	defer f.Close()
	if _, err := f.WriteString(key); err != nil {
		return "", &StorageError{Op: "write store key", Err: err}
	}
	return key, nil
}

// --- credentials fallback ---

// SaveCredentials replaces the stored credentials payload in one statement.
func (s *LocalStore) SaveCredentials(ctx context.Context, creds *model.Credentials) error {
	payload, err := json.Marshal(creds)
	if err != nil {
		return &StorageError{Op: "encode credentials", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, payload, updated_at)
		VALUES (1, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload,
		                              updated_at = excluded.updated_at
	`, string(payload))
	if err != nil {
		return &StorageError{Op: "save credentials", Err: err}
	}
	return nil
}

// LoadCredentials returns the stored credentials, or nil if absent or
// undecodable (treated as absent, per the vault contract).
func (s *LocalStore) LoadCredentials(ctx context.Context) (*model.Credentials, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM credentials WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "load credentials", Err: err}
	}
	var creds model.Credentials
	if err := json.Unmarshal([]byte(payload), &creds); err != nil {
		return nil, nil
	}
	if creds.AccessToken == "" {
		return nil, nil
	}
	return &creds, nil
}

// ClearCredentials removes the stored payload. Idempotent.
func (s *LocalStore) ClearCredentials(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = 1`); err != nil {
		return &StorageError{Op: "clear credentials", Err: err}
	}
	return nil
}

// --- pending-sync queue ---

// EnqueuePending appends a record to the pending-sync queue. The record id
// is generated here so the server can deduplicate replays.
func (s *LocalStore) EnqueuePending(ctx context.Context, nodeID, kind, payload string) (*model.PendingRecord, error) {
	if payload == "" {
		payload = "{}"
	}
	rec := &model.PendingRecord{
		RecordID:  uuid.NewString(),
		NodeID:    nodeID,
		Kind:      kind,
		Payload:   payload,
		State:     model.PendingStateQueued,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_sync (record_id, node_id, kind, payload, state, created_at)
		VALUES (?, ?, ?, ?, 'queued', ?)
	`, rec.RecordID, rec.NodeID, rec.Kind, rec.Payload, rec.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, &StorageError{Op: "enqueue pending record", Err: err}
	}
	return rec, nil
}

// ListPending returns queued records in insertion order.
func (s *LocalStore) ListPending(ctx context.Context) ([]*model.PendingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, node_id, kind, payload, state, created_at, synced_at
		FROM pending_sync
		WHERE state = 'queued'
		ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, &StorageError{Op: "list pending records", Err: err}
	}
	defer rows.Close()
	return scanPending(rows)
}

// CountPending returns the number of queued records.
func (s *LocalStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_sync WHERE state = 'queued'`).Scan(&n)
	if err != nil {
		return 0, &StorageError{Op: "count pending records", Err: err}
	}
	return n, nil
}

// MarkSynced flips a record to synced after a successful replay.
func (s *LocalStore) MarkSynced(ctx context.Context, recordID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_sync SET state = 'synced', synced_at = datetime('now')
		WHERE record_id = ?
	`, recordID)
	if err != nil {
		return &StorageError{Op: "mark record synced", Err: err}
	}
	return nil
}

func scanPending(rows *sql.Rows) ([]*model.PendingRecord, error) {
	var records []*model.PendingRecord
	for rows.Next() {
		var rec model.PendingRecord
		var createdAt string
		var syncedAt sql.NullString
		err := rows.Scan(&rec.RecordID, &rec.NodeID, &rec.Kind, &rec.Payload,
			&rec.State, &createdAt, &syncedAt)
		if err != nil {
			return nil, &StorageError{Op: "scan pending record", Err: err}
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if syncedAt.Valid {
			t, _ := time.Parse(time.RFC3339, syncedAt.String)
			rec.SyncedAt = &t
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
