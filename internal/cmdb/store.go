// Package cmdb implements the persistent configuration-management database:
// configuration items with parent/child relationships, an encrypted
// credential table, and the keyring that wraps the credential data key.
//
// The store is backed by an embedded SQLite database in WAL mode. All writes
// run inside transactions; concurrent readers observe either the pre- or
// post-state of a transaction, never a partial one.
package cmdb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"opendiscovery/internal/keystore"
	"opendiscovery/pkg/logging"
)

// ErrNotFound is returned when a CI or credential does not exist.
var ErrNotFound = errors.New("not found")

// flushInterval is how often the background writer checkpoints the WAL.
const flushInterval = 30 * time.Second

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ci_items (
	key        TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	parent_key TEXT REFERENCES ci_items(key) ON DELETE SET NULL,
	attributes TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ci_items_type ON ci_items(type);
CREATE INDEX IF NOT EXISTS idx_ci_items_parent ON ci_items(parent_key);

CREATE TABLE IF NOT EXISTS ci_relationships (
	parent_key        TEXT NOT NULL REFERENCES ci_items(key) ON DELETE CASCADE,
	child_key         TEXT NOT NULL REFERENCES ci_items(key) ON DELETE CASCADE,
	relationship_type TEXT NOT NULL,
	created_at        TIMESTAMP NOT NULL,
	PRIMARY KEY (parent_key, child_key, relationship_type)
);

CREATE TABLE IF NOT EXISTS credentials (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	iv         BLOB NOT NULL,
	tag        BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS keyring (
	id                 INTEGER PRIMARY KEY CHECK (id = 1),
	wrapped_master_key BLOB NOT NULL
);
`

// Item is a configuration item. Attributes hold arbitrary discovered data.
type Item struct {
	Key        string         `json:"key"`
	Type       string         `json:"type"`
	ParentKey  *string        `json:"parentKey,omitempty"`
	Attributes map[string]any `json:"attributes"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Relationship links two configuration items.
type Relationship struct {
	ParentKey        string    `db:"parent_key" json:"parentKey"`
	ChildKey         string    `db:"child_key" json:"childKey"`
	RelationshipType string    `db:"relationship_type" json:"relationshipType"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}

// Stats summarizes store contents for memory_stats and the health endpoint.
type Stats struct {
	Items         int            `json:"items"`
	ItemsByType   map[string]int `json:"itemsByType"`
	Relationships int            `json:"relationships"`
	Credentials   int            `json:"credentials"`
}

// Store is the CMDB. All methods are safe for concurrent use.
type Store struct {
	db      *sqlx.DB
	keyPath string

	// keyMu guards the keystore chain during key rotation. Credential reads
	// take it shared so rotation observes a quiesced credential table.
	keyMu   sync.RWMutex
	master  *keystore.Keystore
	dataKey *keystore.Keystore

	stopFlush chan struct{}
	flushDone chan struct{}
	closeOnce sync.Once
}

type itemRow struct {
	Key        string         `db:"key"`
	Type       string         `db:"type"`
	ParentKey  sql.NullString `db:"parent_key"`
	Attributes string         `db:"attributes"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r *itemRow) toItem() (*Item, error) {
	item := &Item{
		Key:       r.Key,
		Type:      r.Type,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.ParentKey.Valid {
		item.ParentKey = &r.ParentKey.String
	}
	if err := json.Unmarshal([]byte(r.Attributes), &item.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes for %s: %w", r.Key, err)
	}
	return item, nil
}

// Open opens (creating if necessary) the CMDB at dbPath, loading the master
// key from keyFile. The background WAL writer starts immediately; callers
// MUST Close the store to stop it and flush pending pages.
func Open(ctx context.Context, dbPath, keyFile string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cmdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	master, err := keystore.LoadOrCreate(keyFile)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load master key: %w", err)
	}

	s := &Store{
		db:        db,
		keyPath:   keyFile,
		master:    master,
		stopFlush: make(chan struct{}),
		flushDone: make(chan struct{}),
	}

	if err := s.loadDataKey(ctx); err != nil {
		db.Close()
		return nil, err
	}

	go s.flushLoop()
	logging.Info("CMDB", "Opened store at %s", dbPath)
	return s, nil
}

// loadDataKey unwraps the credential data key from the keyring, generating
// and wrapping a fresh one on first open.
func (s *Store) loadDataKey(ctx context.Context) error {
	var wrapped []byte
	err := s.db.GetContext(ctx, &wrapped, `SELECT wrapped_master_key FROM keyring WHERE id = 1`)
	switch {
	case err == nil:
		raw, err := unwrapKey(s.master, wrapped)
		if err != nil {
			return fmt.Errorf("unwrap data key: %w", err)
		}
		defer keystore.Zero(raw)
		s.dataKey, err = keystore.New(raw)
		return err
	case errors.Is(err, sql.ErrNoRows):
		raw := make([]byte, keystore.KeySize)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generate data key: %w", err)
		}
		defer keystore.Zero(raw)
		wrapped, err := wrapKey(s.master, raw)
		if err != nil {
			return fmt.Errorf("wrap data key: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO keyring (id, wrapped_master_key) VALUES (1, ?)`, wrapped); err != nil {
			return fmt.Errorf("store data key: %w", err)
		}
		s.dataKey, err = keystore.New(raw)
		return err
	default:
		return fmt.Errorf("read keyring: %w", err)
	}
}

// wrapKey seals a raw key as nonce || tag || ciphertext in a single blob.
func wrapKey(ks *keystore.Keystore, raw []byte) ([]byte, error) {
	ct, nonce, tag, err := ks.Encrypt(raw)
	if err != nil {
		return nil, err
	}
	wrapped := make([]byte, 0, len(nonce)+len(tag)+len(ct))
	wrapped = append(wrapped, nonce...)
	wrapped = append(wrapped, tag...)
	wrapped = append(wrapped, ct...)
	return wrapped, nil
}

func unwrapKey(ks *keystore.Keystore, wrapped []byte) ([]byte, error) {
	if len(wrapped) < keystore.NonceSize+keystore.TagSize {
		return nil, errors.New("wrapped key too short")
	}
	nonce := wrapped[:keystore.NonceSize]
	tag := wrapped[keystore.NonceSize : keystore.NonceSize+keystore.TagSize]
	ct := wrapped[keystore.NonceSize+keystore.TagSize:]
	return ks.Decrypt(ct, nonce, tag)
}

// Get returns the configuration item with the given key.
func (s *Store) Get(ctx context.Context, key string) (*Item, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row, `SELECT key, type, parent_key, attributes, created_at, updated_at FROM ci_items WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ci %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return row.toItem()
}

// Set upserts a configuration item. On update the created_at timestamp is
// preserved and updated_at never moves backwards.
func (s *Store) Set(ctx context.Context, item *Item) error {
	if item.Key == "" {
		return errors.New("ci key cannot be empty")
	}
	attrs, err := json.Marshal(orEmpty(item.Attributes))
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	now := time.Now().UTC()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var existing itemRow
		err := tx.GetContext(ctx, &existing, `SELECT created_at, updated_at FROM ci_items WHERE key = ?`, item.Key)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			createdAt := item.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			updatedAt := item.UpdatedAt
			if updatedAt.Before(createdAt) {
				updatedAt = createdAt
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO ci_items (key, type, parent_key, attributes, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
				item.Key, item.Type, nullable(item.ParentKey), string(attrs), createdAt, updatedAt)
			return err
		case err != nil:
			return err
		default:
			updatedAt := now
			if updatedAt.Before(existing.UpdatedAt) {
				updatedAt = existing.UpdatedAt
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE ci_items SET type = ?, parent_key = ?, attributes = ?, updated_at = ? WHERE key = ?`,
				item.Type, nullable(item.ParentKey), string(attrs), updatedAt, item.Key)
			return err
		}
	})
}

// Merge shallow-merges partial attributes into an existing item, creating it
// with type "generic" when absent. Returns the post-merge item.
func (s *Store) Merge(ctx context.Context, key string, partial map[string]any) (*Item, error) {
	if key == "" {
		return nil, errors.New("ci key cannot be empty")
	}
	now := time.Now().UTC()

	var merged *Item
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row itemRow
		err := tx.GetContext(ctx, &row, `SELECT key, type, parent_key, attributes, created_at, updated_at FROM ci_items WHERE key = ?`, key)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			attrs, err := json.Marshal(orEmpty(partial))
			if err != nil {
				return fmt.Errorf("encode attributes: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ci_items (key, type, parent_key, attributes, created_at, updated_at) VALUES (?, 'generic', NULL, ?, ?, ?)`,
				key, string(attrs), now, now); err != nil {
				return err
			}
			merged = &Item{Key: key, Type: "generic", Attributes: orEmpty(partial), CreatedAt: now, UpdatedAt: now}
			return nil
		case err != nil:
			return err
		}

		item, err := row.toItem()
		if err != nil {
			return err
		}
		if item.Attributes == nil {
			item.Attributes = map[string]any{}
		}
		for k, v := range partial {
			item.Attributes[k] = v
		}
		attrs, err := json.Marshal(item.Attributes)
		if err != nil {
			return fmt.Errorf("encode attributes: %w", err)
		}
		updatedAt := now
		if updatedAt.Before(item.UpdatedAt) {
			updatedAt = item.UpdatedAt
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE ci_items SET attributes = ?, updated_at = ? WHERE key = ?`,
			string(attrs), updatedAt, key); err != nil {
			return err
		}
		item.UpdatedAt = updatedAt
		merged = item
		return nil
	})
	return merged, err
}

// Query returns items whose key matches a glob pattern. "*" matches any run
// of characters, "?" matches a single character.
func (s *Store) Query(ctx context.Context, pattern string) ([]*Item, error) {
	like := globToLike(pattern)
	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT key, type, parent_key, attributes, created_at, updated_at FROM ci_items WHERE key LIKE ? ESCAPE '\' ORDER BY key`, like)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", pattern, err)
	}
	items := make([]*Item, 0, len(rows))
	for i := range rows {
		item, err := rows[i].toItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Delete removes a configuration item and its relationships.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ci_items WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("ci %s: %w", key, ErrNotFound)
	}
	return nil
}

// Clear removes all configuration items and relationships. Credentials and
// the keyring survive a clear.
func (s *Store) Clear(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ci_relationships`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM ci_items`)
		return err
	})
}

// AddRelationship records a typed relationship between two existing items.
func (s *Store) AddRelationship(ctx context.Context, parentKey, childKey, relationshipType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ci_relationships (parent_key, child_key, relationship_type, created_at) VALUES (?, ?, ?, ?)`,
		parentKey, childKey, relationshipType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add relationship %s -> %s: %w", parentKey, childKey, err)
	}
	return nil
}

// RelationshipsFor returns every relationship where the item is parent or child.
func (s *Store) RelationshipsFor(ctx context.Context, key string) ([]Relationship, error) {
	var rels []Relationship
	err := s.db.SelectContext(ctx, &rels,
		`SELECT parent_key, child_key, relationship_type, created_at FROM ci_relationships WHERE parent_key = ? OR child_key = ? ORDER BY created_at`, key, key)
	if err != nil {
		return nil, fmt.Errorf("relationships for %s: %w", key, err)
	}
	return rels, nil
}

// Stats returns item, relationship and credential counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ItemsByType: map[string]int{}}
	if err := s.db.GetContext(ctx, &stats.Items, `SELECT COUNT(*) FROM ci_items`); err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &stats.Relationships, `SELECT COUNT(*) FROM ci_relationships`); err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &stats.Credentials, `SELECT COUNT(*) FROM credentials`); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, `SELECT type, COUNT(*) FROM ci_items GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		stats.ItemsByType[typ] = count
	}
	return stats, rows.Err()
}

// Save forces a WAL checkpoint so all committed state reaches the main
// database file.
func (s *Store) Save(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Close stops the background writer, flushes, and closes the database.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopFlush)
		<-s.flushDone
		if ferr := s.Save(ctx); ferr != nil {
			logging.Warn("CMDB", "Final flush failed: %v", ferr)
		}
		err = s.db.Close()
	})
	return err
}

func (s *Store) flushLoop() {
	defer close(s.flushDone)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Save(ctx); err != nil {
				logging.Warn("CMDB", "Background flush failed: %v", err)
			}
			cancel()
		case <-s.stopFlush:
			return
		}
	}
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.Warn("CMDB", "Rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// globToLike translates a key glob into a SQL LIKE pattern.
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
