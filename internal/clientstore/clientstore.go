// Package clientstore persists the client's pairing and connection-hint
// state to a local SQLite database, so a remote-access client can recall
// its pairing material and last-known transport across restarts without
// repeating the pairing flow.
package clientstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotSet is returned by accessors for an optional value that has never
// been written.
var ErrNotSet = errors.New("clientstore: value not set")

const schema = `
CREATE TABLE IF NOT EXISTS client_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const (
	keyServerPublicKey    = "server_public_key"
	keyPairingDirectURLs  = "pairing_direct_urls"
	keyPairingDeviceID    = "pairing_device_id"
	keyPairingDeviceToken = "pairing_device_token"
	keyPairingMediaToken  = "pairing_media_token"
	keyPairingCertFP      = "pairing_cert_fingerprint"
	keyInstanceID         = "instance_id"
	keyConnectionLastType = "connection_last_type"
	keyConnectionLastURL  = "connection_last_url"
)

// Store wraps a SQLite-backed key-value table holding everything the
// client must remember about one paired server.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("clientstore: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("clientstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// set performs a durable upsert; SQLite's default synchronous mode fsyncs
// before the INSERT/UPDATE returns, which is what makes a subsequent Get in
// a later process see the write.
func (s *Store) set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO client_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("clientstore: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM client_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotSet
	}
	if err != nil {
		return "", fmt.Errorf("clientstore: get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetServerPublicKey(b64 string) error { return s.set(keyServerPublicKey, b64) }
func (s *Store) ServerPublicKey() (string, error)    { return s.get(keyServerPublicKey) }

func (s *Store) SetPairingDirectURLs(urls []string) error {
	data, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("clientstore: marshal direct urls: %w", err)
	}
	return s.set(keyPairingDirectURLs, string(data))
}

func (s *Store) PairingDirectURLs() ([]string, error) {
	raw, err := s.get(keyPairingDirectURLs)
	if errors.Is(err, ErrNotSet) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var urls []string
	if err := json.Unmarshal([]byte(raw), &urls); err != nil {
		return nil, fmt.Errorf("clientstore: unmarshal direct urls: %w", err)
	}
	return urls, nil
}

func (s *Store) SetPairingDeviceID(id string) error   { return s.set(keyPairingDeviceID, id) }
func (s *Store) PairingDeviceID() (string, error)     { return s.get(keyPairingDeviceID) }
func (s *Store) SetPairingDeviceToken(t string) error { return s.set(keyPairingDeviceToken, t) }
func (s *Store) PairingDeviceToken() (string, error)  { return s.get(keyPairingDeviceToken) }
func (s *Store) SetPairingMediaToken(t string) error  { return s.set(keyPairingMediaToken, t) }
func (s *Store) PairingMediaToken() (string, error)   { return s.get(keyPairingMediaToken) }

func (s *Store) SetPairingCertFingerprint(fp string) error { return s.set(keyPairingCertFP, fp) }
func (s *Store) PairingCertFingerprint() (string, error)   { return s.get(keyPairingCertFP) }

func (s *Store) SetInstanceID(id string) error { return s.set(keyInstanceID, id) }
func (s *Store) InstanceID() (string, error)   { return s.get(keyInstanceID) }

func (s *Store) SetConnectionLastHint(transportType, url string) error {
	if err := s.set(keyConnectionLastType, transportType); err != nil {
		return err
	}
	return s.set(keyConnectionLastURL, url)
}

func (s *Store) ConnectionLastHint() (transportType, url string, err error) {
	transportType, err = s.get(keyConnectionLastType)
	if errors.Is(err, ErrNotSet) {
		transportType, err = "", nil
	}
	if err != nil {
		return "", "", err
	}
	url, err = s.get(keyConnectionLastURL)
	if errors.Is(err, ErrNotSet) {
		url, err = "", nil
	}
	return transportType, url, err
}
