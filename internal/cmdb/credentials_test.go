package cmdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cred := &Credential{
		ID:   "proxmox-root",
		Kind: CredentialPassword,
		Fields: map[string]string{
			"username": "root@pam",
			"password": "sup3rs3cretvalue",
		},
	}
	require.NoError(t, store.AddCredential(ctx, cred))

	got, err := store.GetCredential(ctx, "proxmox-root")
	require.NoError(t, err)
	assert.Equal(t, cred.Fields, got.Fields)
	assert.Equal(t, CredentialPassword, got.Kind)
}

func TestCredentialKindValidation(t *testing.T) {
	store := openTestStore(t)
	err := store.AddCredential(context.Background(), &Credential{
		ID: "x", Kind: "voodoo", Fields: map[string]string{"a": "b"},
	})
	assert.Error(t, err)
}

func TestCredentialCiphertextSecrecy(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	secret := "correct-horse-battery-staple"
	require.NoError(t, store.AddCredential(ctx, &Credential{
		ID: "s", Kind: CredentialPassword, Fields: map[string]string{"password": secret},
	}))

	var rows []credentialRow
	require.NoError(t, store.db.SelectContext(ctx, &rows, `SELECT id, kind, ciphertext, iv, tag, created_at FROM credentials`))
	require.Len(t, rows, 1)

	// No 8-byte window of the plaintext may appear in the stored blob.
	blob := string(rows[0].Ciphertext)
	for i := 0; i+8 <= len(secret); i++ {
		assert.NotContains(t, blob, secret[i:i+8])
	}
}

func TestCredentialListAndRemove(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddCredential(ctx, &Credential{
		ID: "a", Kind: CredentialAPIKey, Fields: map[string]string{"key": "k1"},
	}))
	require.NoError(t, store.AddCredential(ctx, &Credential{
		ID: "b", Kind: CredentialSSHKey, Fields: map[string]string{"private": "k2"},
	}))

	infos, err := store.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)

	require.NoError(t, store.RemoveCredential(ctx, "a"))
	_, err = store.GetCredential(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.RemoveCredential(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotateKey(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cmdb.db")
	keyPath := filepath.Join(dir, "cmdb_key")
	ctx := context.Background()

	store, err := Open(ctx, dbPath, keyPath)
	require.NoError(t, err)
	defer store.Close(ctx)

	require.NoError(t, store.AddCredential(ctx, &Credential{
		ID: "x", Kind: CredentialPassword, Fields: map[string]string{"username": "u", "password": "p"},
	}))

	before := readCredentialBlob(t, store.db)
	require.NoError(t, store.RotateKey(ctx, "a-new-master-passphrase"))
	after := readCredentialBlob(t, store.db)

	assert.NotEqual(t, before, after, "old ciphertext must not survive rotation")

	got, err := store.GetCredential(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"username": "u", "password": "p"}, got.Fields)
}

func TestRotateKeySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cmdb.db")
	keyPath := filepath.Join(dir, "cmdb_key")
	ctx := context.Background()

	store, err := Open(ctx, dbPath, keyPath)
	require.NoError(t, err)
	require.NoError(t, store.AddCredential(ctx, &Credential{
		ID: "x", Kind: CredentialPassword, Fields: map[string]string{"password": "p"},
	}))
	require.NoError(t, store.RotateKey(ctx, "rotated-passphrase"))
	require.NoError(t, store.Close(ctx))

	// The rewritten key file must open the rotated store.
	reopened, err := Open(ctx, dbPath, keyPath)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	got, err := reopened.GetCredential(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "p", got.Fields["password"])
}

func TestRotateKeyRejectsEmpty(t *testing.T) {
	store := openTestStore(t)
	assert.Error(t, store.RotateKey(context.Background(), ""))
}

func readCredentialBlob(t *testing.T, db *sqlx.DB) []byte {
	t.Helper()
	var blob []byte
	require.NoError(t, db.Get(&blob, `SELECT ciphertext FROM credentials WHERE id = 'x'`))
	return blob
}
