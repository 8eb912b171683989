// Package devices implements the device registry (spec component C2): the
// Postgres-backed record of paired devices, their static public keys, and
// their hashed bearer tokens.
package devices

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var logger = log.New(os.Stdout, "[DEVICES] ", log.Ldate|log.Ltime|log.LUTC)

// Sentinel errors. The pairing/reconnect/token layers translate these into
// the wire-facing Reason constants; this package never speaks wire strings.
var (
	ErrDuplicateDevice = errors.New("devices: static public key already registered")
	ErrNotFound        = errors.New("devices: device not found")
)

// Device is a paired client device.
type Device struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Name       string
	Platform   string
	StaticPub  [32]byte
	TokenHash  string
	CreatedAt  time.Time
	LastSeenAt time.Time
	RevokedAt  sql.NullTime
}

// Revoked reports whether the device has been revoked.
func (d Device) Revoked() bool {
	return d.RevokedAt.Valid
}

// Registry is the Postgres-backed device store.
type Registry struct {
	db *sql.DB
}

// NewRegistry wraps an already-open *sql.DB. The caller owns the connection
// lifecycle (pooling, Close).
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// GenerateDeviceToken returns a fresh random opaque bearer token. Plaintext
// is returned once to the caller and then only its argon2 hash is persisted.
func GenerateDeviceToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("devices: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Create inserts a new device row. tokenPlain is hashed with argon2id and
// never persisted in the clear. A duplicate static_pub returns
// ErrDuplicateDevice.
func (r *Registry) Create(userID uuid.UUID, name, platform string, staticPub [32]byte, tokenPlain string) (Device, error) {
	return r.createTx(r.db, userID, name, platform, staticPub, tokenPlain)
}

// CreateTx is Create run against an existing transaction, for callers (the
// pairing channel's claim_code handler) that must commit the device row,
// the claim consumption, and the token issuance atomically.
func (r *Registry) CreateTx(tx *sql.Tx, userID uuid.UUID, name, platform string, staticPub [32]byte, tokenPlain string) (Device, error) {
	return r.createTx(tx, userID, name, platform, staticPub, tokenPlain)
}

type execQueryRower interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (r *Registry) createTx(q execQueryRower, userID uuid.UUID, name, platform string, staticPub [32]byte, tokenPlain string) (Device, error) {
	tokenHash, err := hashToken(tokenPlain)
	if err != nil {
		return Device{}, err
	}

	id := uuid.New()
	now := time.Now().UTC()

	row := q.QueryRow(`
		INSERT INTO devices (id, user_id, name, platform, static_pub, token_hash, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id, user_id, name, platform, static_pub, token_hash, created_at, last_seen_at, revoked_at
	`, id, userID, name, platform, staticPub[:], tokenHash, now)

	dev, err := scanDevice(row)
	if isUniqueViolation(err) {
		return Device{}, ErrDuplicateDevice
	}
	if err != nil {
		return Device{}, fmt.Errorf("devices: create: %w", err)
	}
	return dev, nil
}

// Get loads a device by id.
func (r *Registry) Get(id uuid.UUID) (Device, error) {
	row := r.db.QueryRow(`
		SELECT id, user_id, name, platform, static_pub, token_hash, created_at, last_seen_at, revoked_at
		FROM devices WHERE id = $1
	`, id)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("devices: get: %w", err)
	}
	return dev, nil
}

// GetByPublicKey loads a device by its static public key. Per the spec's
// enumeration-resistance requirement, callers on the reconnect path MUST
// treat a revoked device identically to ErrNotFound (see VerifyForReconnect).
func (r *Registry) GetByPublicKey(pub [32]byte) (Device, error) {
	row := r.db.QueryRow(`
		SELECT id, user_id, name, platform, static_pub, token_hash, created_at, last_seen_at, revoked_at
		FROM devices WHERE static_pub = $1
	`, pub[:])
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("devices: get_by_public_key: %w", err)
	}
	return dev, nil
}

// VerifyForReconnect loads a device by static public key and verifies
// tokenPlain against its stored hash, returning ErrNotFound uniformly for
// "no such device" and "device is revoked" so the wire cannot distinguish
// them.
func (r *Registry) VerifyForReconnect(pub [32]byte, tokenPlain string) (Device, error) {
	dev, err := r.GetByPublicKey(pub)
	if err != nil {
		return Device{}, err
	}
	if dev.Revoked() {
		return Device{}, ErrNotFound
	}

	ok, err := verifyToken(tokenPlain, dev.TokenHash)
	if err != nil {
		return Device{}, fmt.Errorf("devices: verify token: %w", err)
	}
	if !ok {
		return Device{}, ErrInvalidToken
	}
	return dev, nil
}

// ErrInvalidToken is returned by VerifyForReconnect when the device exists
// but the bearer token fails argon2 verification.
var ErrInvalidToken = errors.New("devices: invalid device token")

// Revoke sets revoked_at if not already set. Idempotent: revoking an
// already-revoked device is a no-op, not an error.
func (r *Registry) Revoke(id uuid.UUID) error {
	_, err := r.db.Exec(`UPDATE devices SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("devices: revoke: %w", err)
	}
	logger.Printf("device %s revoked", id)
	return nil
}

// TouchLastSeen updates last_seen_at to now.
func (r *Registry) TouchLastSeen(id uuid.UUID) error {
	_, err := r.db.Exec(`UPDATE devices SET last_seen_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("devices: touch_last_seen: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (Device, error) {
	var d Device
	var pub []byte
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Platform, &pub, &d.TokenHash, &d.CreatedAt, &d.LastSeenAt, &d.RevokedAt); err != nil {
		return Device{}, err
	}
	if len(pub) != 32 {
		return Device{}, fmt.Errorf("devices: stored static_pub has length %d, want 32", len(pub))
	}
	copy(d.StaticPub[:], pub)
	return d, nil
}

// isUniqueViolation reports whether err is Postgres error code 23505
// (unique_violation), the code raised when static_pub collides.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Schema is the DDL for the devices table, applied by the server's startup
// migration step (see cmd/mydia-server).
const Schema = `
CREATE TABLE IF NOT EXISTS devices (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	name TEXT NOT NULL,
	platform TEXT NOT NULL,
	static_pub BYTEA NOT NULL UNIQUE,
	token_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at TIMESTAMPTZ
);
`
