package cmdb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"opendiscovery/internal/keystore"
	"opendiscovery/pkg/logging"
)

// CredentialKind enumerates the supported credential categories.
type CredentialKind string

const (
	CredentialPassword    CredentialKind = "password"
	CredentialAPIKey      CredentialKind = "apiKey"
	CredentialSSHKey      CredentialKind = "sshKey"
	CredentialOAuthToken  CredentialKind = "oauthToken"
	CredentialCertificate CredentialKind = "certificate"
	CredentialCustom      CredentialKind = "custom"
)

// ValidCredentialKind reports whether kind is one of the supported values.
func ValidCredentialKind(kind CredentialKind) bool {
	switch kind {
	case CredentialPassword, CredentialAPIKey, CredentialSSHKey,
		CredentialOAuthToken, CredentialCertificate, CredentialCustom:
		return true
	}
	return false
}

// Credential is the decrypted form of a stored credential. Fields only exist
// in memory; on disk they are a single AEAD blob.
type Credential struct {
	ID        string            `json:"id"`
	Kind      CredentialKind    `json:"kind"`
	Fields    map[string]string `json:"fields"`
	CreatedAt time.Time         `json:"createdAt"`
}

// CredentialInfo is the listing form: everything except the secret fields.
type CredentialInfo struct {
	ID        string         `json:"id"`
	Kind      CredentialKind `json:"kind"`
	CreatedAt time.Time      `json:"createdAt"`
}

type credentialRow struct {
	ID         string    `db:"id"`
	Kind       string    `db:"kind"`
	Ciphertext []byte    `db:"ciphertext"`
	IV         []byte    `db:"iv"`
	Tag        []byte    `db:"tag"`
	CreatedAt  time.Time `db:"created_at"`
}

// AddCredential encrypts and stores a credential. An existing credential
// with the same id is replaced.
func (s *Store) AddCredential(ctx context.Context, cred *Credential) error {
	if cred.ID == "" {
		return errors.New("credential id cannot be empty")
	}
	if !ValidCredentialKind(cred.Kind) {
		return fmt.Errorf("unsupported credential kind %q", cred.Kind)
	}

	plaintext, err := json.Marshal(cred.Fields)
	if err != nil {
		return fmt.Errorf("encode credential fields: %w", err)
	}
	defer keystore.Zero(plaintext)

	s.keyMu.RLock()
	ciphertext, iv, tag, err := s.dataKey.Encrypt(plaintext)
	s.keyMu.RUnlock()
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, kind, ciphertext, iv, tag, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, ciphertext = excluded.ciphertext,
		 iv = excluded.iv, tag = excluded.tag`,
		cred.ID, string(cred.Kind), ciphertext, iv, tag, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	logging.Audit(logging.AuditEvent{Action: "credential_add", Outcome: "success", Target: cred.ID})
	return nil
}

// GetCredential decrypts and returns a stored credential.
func (s *Store) GetCredential(ctx context.Context, id string) (*Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, `SELECT id, kind, ciphertext, iv, tag, created_at FROM credentials WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", id, err)
	}

	s.keyMu.RLock()
	plaintext, err := s.dataKey.Decrypt(row.Ciphertext, row.IV, row.Tag)
	s.keyMu.RUnlock()
	if err != nil {
		logging.Audit(logging.AuditEvent{Action: "credential_read", Outcome: "failure", Target: id, Error: err.Error()})
		return nil, fmt.Errorf("decrypt credential %s: %w", id, err)
	}
	defer keystore.Zero(plaintext)

	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", id, err)
	}

	logging.Audit(logging.AuditEvent{Action: "credential_read", Outcome: "success", Target: id})
	return &Credential{
		ID:        row.ID,
		Kind:      CredentialKind(row.Kind),
		Fields:    fields,
		CreatedAt: row.CreatedAt,
	}, nil
}

// ListCredentials returns metadata for all stored credentials. Secret fields
// are never included.
func (s *Store) ListCredentials(ctx context.Context) ([]CredentialInfo, error) {
	var rows []credentialRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, kind, ciphertext, iv, tag, created_at FROM credentials ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	infos := make([]CredentialInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, CredentialInfo{ID: row.ID, Kind: CredentialKind(row.Kind), CreatedAt: row.CreatedAt})
	}
	return infos, nil
}

// RemoveCredential deletes a stored credential.
func (s *Store) RemoveCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove credential %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	logging.Audit(logging.AuditEvent{Action: "credential_remove", Outcome: "success", Target: id})
	return nil
}

// RotateKey re-keys the credential store under a master key derived from the
// given passphrase. Every credential is decrypted with the current data key
// and re-encrypted with a fresh one inside a single transaction, the new
// data key is wrapped under the new master key, and the key file is
// rewritten. Old ciphertext does not survive the rotation.
func (s *Store) RotateKey(ctx context.Context, passphrase string) error {
	if passphrase == "" {
		return errors.New("new key cannot be empty")
	}

	newMasterRaw := keystore.DeriveKey(passphrase)
	newMaster, err := keystore.New(newMasterRaw)
	if err != nil {
		return err
	}
	newDataRaw := make([]byte, keystore.KeySize)
	if _, err := rand.Read(newDataRaw); err != nil {
		return fmt.Errorf("generate data key: %w", err)
	}
	defer keystore.Zero(newDataRaw)
	newData, err := keystore.New(newDataRaw)
	if err != nil {
		return err
	}
	wrapped, err := wrapKey(newMaster, newDataRaw)
	if err != nil {
		return fmt.Errorf("wrap data key: %w", err)
	}

	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []credentialRow
		if err := tx.SelectContext(ctx, &rows, `SELECT id, kind, ciphertext, iv, tag, created_at FROM credentials`); err != nil {
			return err
		}
		for _, row := range rows {
			plaintext, err := s.dataKey.Decrypt(row.Ciphertext, row.IV, row.Tag)
			if err != nil {
				return fmt.Errorf("decrypt credential %s during rotation: %w", row.ID, err)
			}
			ciphertext, iv, tag, err := newData.Encrypt(plaintext)
			keystore.Zero(plaintext)
			if err != nil {
				return fmt.Errorf("re-encrypt credential %s: %w", row.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE credentials SET ciphertext = ?, iv = ?, tag = ? WHERE id = ?`,
				ciphertext, iv, tag, row.ID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE keyring SET wrapped_master_key = ? WHERE id = 1`, wrapped)
		return err
	})
	if err != nil {
		logging.Audit(logging.AuditEvent{Action: "key_rotation", Outcome: "failure", Error: err.Error()})
		return err
	}

	if err := os.WriteFile(s.keyPath, newMasterRaw, 0o600); err != nil {
		// The database already references the new key; a stale key file
		// would make the store unreadable on restart.
		logging.Audit(logging.AuditEvent{Action: "key_rotation", Outcome: "failure", Error: err.Error()})
		return fmt.Errorf("write rotated key file: %w", err)
	}

	s.master = newMaster
	s.dataKey = newData
	logging.Audit(logging.AuditEvent{Action: "key_rotation", Outcome: "success", Target: "cmdb"})
	return nil
}
