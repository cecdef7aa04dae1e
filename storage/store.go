// Package storage is the durable layer: group state, key package bundles,
// conversation records, and the processed-welcome index, all in one SQLite
// database. Group state and bundle blobs are encrypted at rest with the
// caller's key; everything else is bookkeeping.
package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Conversation states as persisted.
const (
	ConvoInitializing = "initializing"
	ConvoActive       = "active"
	ConvoFailed       = "failed"
)

// ConversationRecord mirrors one row of the conversations table.
type ConversationRecord struct {
	ConvoID   string
	GroupID   string
	Identity  string
	State     string
	Failure   string
	UpdatedAt time.Time
}

// Store is the SQLite-backed durable store. Safe for concurrent use; the
// connection pool is capped because SQLite serializes writers anyway.
type Store struct {
	db     *sql.DB
	encKey []byte
	dbPath string
}

// Open creates or opens the store under basePath. encKey must be 32 bytes
// and encrypts group state and bundle blobs at rest.
func Open(basePath string, encKey []byte) (*Store, error) {
	if len(encKey) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(encKey))
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "groupsync.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writers poorly; keep the pool small.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"db_path":  dbPath,
	}).Debug("Storage opened")

	return &Store{
		db:     db,
		encKey: append([]byte(nil), encKey...),
		dbPath: dbPath,
	}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// DBPath returns the database file path.
func (s *Store) DBPath() string { return s.dbPath }

// SaveGroup upserts the encrypted serialized state for one group owned by
// identity.
func (s *Store) SaveGroup(ctx context.Context, identity, groupID string, epoch uint64, state []byte) error {
	blob, err := s.encrypt(state)
	if err != nil {
		return fmt.Errorf("encrypt group state: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO groups (group_id, identity, epoch, state, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (group_id, identity) DO UPDATE SET
		   epoch = excluded.epoch,
		   state = excluded.state,
		   updated_at = excluded.updated_at`,
		groupID, identity, int64(epoch), blob, now)
	if err != nil {
		return fmt.Errorf("save group: %w", err)
	}
	return nil
}

// LoadGroup returns the decrypted serialized state for one group.
func (s *Store) LoadGroup(ctx context.Context, identity, groupID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM groups WHERE group_id = ? AND identity = ?`,
		groupID, identity).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}
	state, err := s.decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt group state: %w", err)
	}
	return state, nil
}

// DeleteGroup removes one group's durable state.
func (s *Store) DeleteGroup(ctx context.Context, identity, groupID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM groups WHERE group_id = ? AND identity = ?`, groupID, identity)
	return err
}

// ListGroupIDs returns the IDs of all groups owned by identity.
func (s *Store) ListGroupIDs(ctx context.Context, identity string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id FROM groups WHERE identity = ?`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasGroups reports whether any durable group state exists for identity.
// Recovery uses this to distinguish a reinstall from a first run.
func (s *Store) HasGroups(ctx context.Context, identity string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM groups WHERE identity = ?`, identity).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveBundle stores one key package bundle blob under its hash ref. The
// blob is encrypted at rest; it holds private key material.
func (s *Store) SaveBundle(ctx context.Context, identity, ref string, bundle []byte) error {
	blob, err := s.encrypt(bundle)
	if err != nil {
		return fmt.Errorf("encrypt bundle: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO key_package_bundles (ref, identity, bundle, consumed, created_at)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT (ref) DO NOTHING`,
		ref, identity, blob, now)
	if err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}
	return nil
}

// LoadBundle returns the decrypted bundle blob for ref, consumed or not.
func (s *Store) LoadBundle(ctx context.Context, ref string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT bundle FROM key_package_bundles WHERE ref = ?`, ref).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}
	bundle, err := s.decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt bundle: %w", err)
	}
	return bundle, nil
}

// MarkBundleConsumed flags a bundle as used by a join. The row is kept so
// a redelivered Welcome can still find it.
func (s *Store) MarkBundleConsumed(ctx context.Context, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE key_package_bundles SET consumed = 1 WHERE ref = ?`, ref)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBundle discards one bundle.
func (s *Store) DeleteBundle(ctx context.Context, ref string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM key_package_bundles WHERE ref = ?`, ref)
	return err
}

// AvailableBundleRefs returns refs of unconsumed bundles for identity.
func (s *Store) AvailableBundleRefs(ctx context.Context, identity string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref FROM key_package_bundles WHERE identity = ? AND consumed = 0`,
		identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// UpsertConversation writes one conversation record.
func (s *Store) UpsertConversation(ctx context.Context, rec ConversationRecord) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (convo_id, group_id, identity, state, failure, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (convo_id) DO UPDATE SET
		   group_id = excluded.group_id,
		   state = excluded.state,
		   failure = excluded.failure,
		   updated_at = excluded.updated_at`,
		rec.ConvoID, rec.GroupID, rec.Identity, rec.State, rec.Failure, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// GetConversation returns one conversation record.
func (s *Store) GetConversation(ctx context.Context, convoID string) (*ConversationRecord, error) {
	var rec ConversationRecord
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT convo_id, group_id, identity, state, failure, updated_at
		 FROM conversations WHERE convo_id = ?`, convoID).
		Scan(&rec.ConvoID, &rec.GroupID, &rec.Identity, &rec.State, &rec.Failure, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

// ListConversations returns all conversation records for identity.
func (s *Store) ListConversations(ctx context.Context, identity string) ([]ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT convo_id, group_id, identity, state, failure, updated_at
		 FROM conversations WHERE identity = ?`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationRecord
	for rows.Next() {
		var rec ConversationRecord
		var updatedAt string
		if err := rows.Scan(&rec.ConvoID, &rec.GroupID, &rec.Identity, &rec.State, &rec.Failure, &updatedAt); err != nil {
			return nil, err
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkWelcomeProcessed records a Welcome hash in the durable dedup index.
// Returns false when the hash was already recorded.
func (s *Store) MarkWelcomeProcessed(ctx context.Context, welcomeHash, groupID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_welcomes (welcome_hash, group_id, processed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (welcome_hash) DO NOTHING`,
		welcomeHash, groupID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ProcessedWelcomeGroup returns the group ID a processed Welcome joined,
// or ErrNotFound if the hash is unknown.
func (s *Store) ProcessedWelcomeGroup(ctx context.Context, welcomeHash string) (string, error) {
	var groupID string
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id FROM processed_welcomes WHERE welcome_hash = ?`,
		welcomeHash).Scan(&groupID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return groupID, nil
}

// encrypt seals data with AES-256-GCM under the store key, nonce first.
func (s *Store) encrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, gcm.Seal(nil, nonce, data, nil)...), nil
}

// decrypt reverses encrypt.
func (s *Store) decrypt(blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("blob too short")
	}
	return gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], nil)
}
