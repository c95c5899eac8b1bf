package session

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
	_ "modernc.org/sqlite"
)

// Storage keys for the two durable credential values.
const (
	KeyAuthToken = "auth_token"
	KeySessionID = "session_id"
)

// sealedPrefix marks values that were encrypted before being written.
const sealedPrefix = "v1:"

// DB is the durable key-value medium backing the credential store: a small
// SQLite file scoped to the application installation. The store layer above
// it knows nothing about encryption; when an encryption secret is
// configured, this medium seals values at rest with NaCl secretbox.
type DB struct {
	db      *sql.DB
	path    string
	sealKey *[32]byte // nil means values are stored in the clear
}

// OpenDB opens (or creates) the credential database at path and ensures the
// table exists. If encryptionSecret is non-empty, values are sealed at rest
// with a key derived from it.
func OpenDB(path, encryptionSecret string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS credentials (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}

	d := &DB{db: db, path: path}
	if encryptionSecret != "" {
		d.sealKey = deriveSealKey(encryptionSecret)
	}
	return d, nil
}

// Path returns the filesystem path of the backing database file.
func (d *DB) Path() string { return d.path }

// Close closes the underlying database handle.
func (d *DB) Close() error { return d.db.Close() }

// Get reads a value by key. The second return is false when the key is
// absent.
func (d *DB) Get(key string) (string, bool, error) {
	var stored string
	err := d.db.QueryRow(`SELECT value FROM credentials WHERE key = ?`, key).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	val, err := d.open(stored)
	if err != nil {
		return "", false, fmt.Errorf("unseal %s: %w", key, err)
	}
	return val, true, nil
}

// Put inserts or replaces a value.
func (d *DB) Put(key, value string) error {
	stored, err := d.seal(value)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	_, err = d.db.Exec(`INSERT OR REPLACE INTO credentials (key, value, updated_at) VALUES (?,?,?)`,
		key, stored, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes a value. Deleting an absent key is not an error.
func (d *DB) Delete(key string) error {
	if _, err := d.db.Exec(`DELETE FROM credentials WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// deriveSealKey stretches the configured secret into a 32-byte secretbox key.
func deriveSealKey(secret string) *[32]byte {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("echo-core credential store"))
	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		// hkdf.Read cannot fail for a 32-byte draw from sha256
		panic(err)
	}
	return &key
}

func (d *DB) seal(value string) (string, error) {
	if d.sealKey == nil {
		return value, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	box := secretbox.Seal(nonce[:], []byte(value), &nonce, d.sealKey)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

func (d *DB) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		// Plaintext row, written before encryption was enabled.
		return stored, nil
	}
	if d.sealKey == nil {
		return "", errors.New("value is sealed but no encryption secret is configured")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", err
	}
	if len(raw) < 24 {
		return "", errors.New("sealed value too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, d.sealKey)
	if !ok {
		return "", errors.New("sealed value failed authentication")
	}
	return string(plain), nil
}
