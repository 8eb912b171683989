// Package claim implements the claim-code issuer (spec component C3): the
// one-time codes a freshly-installed client exchanges for a paired device
// identity.
package claim

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var logger = log.New(os.Stdout, "[CLAIM] ", log.Ldate|log.Ltime|log.LUTC)

const (
	codeLength   = 10
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // printable, excludes ambiguous glyphs
	maxRetries   = 5
)

var (
	ErrExpired     = errors.New("claim: code expired")
	ErrAlreadyUsed = errors.New("claim: code already used")
	ErrNotFound    = errors.New("claim: code not found")
)

// Code is a one-time pairing claim code.
type Code struct {
	ID        uuid.UUID
	Code      string
	UserID    uuid.UUID
	DeviceID  uuid.NullUUID
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    sql.NullTime
}

// Issuer issues and consumes claim codes against Postgres.
type Issuer struct {
	db *sql.DB
}

func NewIssuer(db *sql.DB) *Issuer {
	return &Issuer{db: db}
}

// Issue creates a fresh claim code for userID, valid for ttl. On the rare
// random collision with an existing code, it retries up to maxRetries times.
func (iss *Issuer) Issue(userID uuid.UUID, ttl time.Duration) (Code, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		code, err := randomCode()
		if err != nil {
			return Code{}, fmt.Errorf("claim: generate code: %w", err)
		}

		now := time.Now().UTC()
		id := uuid.New()
		expiresAt := now.Add(ttl)

		_, err = iss.db.Exec(`
			INSERT INTO claim_codes (id, code, user_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
		`, id, code, userID, now, expiresAt)
		if err != nil {
			if isUniqueViolation(err) {
				lastErr = err
				continue
			}
			return Code{}, fmt.Errorf("claim: issue: %w", err)
		}

		return Code{
			ID:        id,
			Code:      code,
			UserID:    userID,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}, nil
	}
	return Code{}, fmt.Errorf("claim: issue: exhausted retries: %w", lastErr)
}

// Lookup returns the claim code row, or ErrNotFound.
func (iss *Issuer) Lookup(code string) (Code, error) {
	return iss.lookup(iss.db, code)
}

// LookupTx is Lookup run against an existing transaction.
func (iss *Issuer) LookupTx(tx *sql.Tx, code string) (Code, error) {
	return iss.lookup(tx, code)
}

func (iss *Issuer) lookup(q execQueryRower, code string) (Code, error) {
	return scanClaim(q.QueryRow(`
		SELECT id, code, user_id, device_id, created_at, expires_at, used_at
		FROM claim_codes WHERE code = $1
	`, code))
}

// Consume atomically marks a claim code used and binds it to deviceID, but
// only if it is currently unused and unexpired. It returns ErrNotFound,
// ErrExpired, or ErrAlreadyUsed on failure, and never creates a device as a
// side effect — that is the caller's responsibility once Consume succeeds.
//
// Callers that must commit the claim consumption together with device
// creation and token issuance (the pairing channel's claim_code handler)
// should use ConsumeTx against a shared transaction instead.
func (iss *Issuer) Consume(code string, deviceID uuid.UUID) (Code, error) {
	return iss.consume(iss.db, code, deviceID)
}

// ConsumeTx is Consume run against an existing transaction.
func (iss *Issuer) ConsumeTx(tx *sql.Tx, code string, deviceID uuid.UUID) (Code, error) {
	return iss.consume(tx, code, deviceID)
}

type execQueryRower interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (iss *Issuer) consume(q execQueryRower, code string, deviceID uuid.UUID) (Code, error) {
	existing, err := scanClaim(q.QueryRow(`
		SELECT id, code, user_id, device_id, created_at, expires_at, used_at
		FROM claim_codes WHERE code = $1
	`, code))
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrNotFound) {
		return Code{}, ErrNotFound
	}
	if err != nil {
		return Code{}, fmt.Errorf("claim: consume lookup: %w", err)
	}

	if existing.UsedAt.Valid {
		return Code{}, ErrAlreadyUsed
	}
	if time.Now().UTC().After(existing.ExpiresAt) {
		return Code{}, ErrExpired
	}

	now := time.Now().UTC()
	row := q.QueryRow(`
		UPDATE claim_codes SET used_at = $2, device_id = $3
		WHERE id = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING id, code, user_id, device_id, created_at, expires_at, used_at
	`, existing.ID, now, deviceID)

	updated, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race: someone else consumed or it expired between the
		// lookup and the conditional update above.
		return Code{}, ErrAlreadyUsed
	}
	if err != nil {
		return Code{}, fmt.Errorf("claim: consume update: %w", err)
	}

	logger.Printf("claim code %s consumed by device %s", code, deviceID)
	return updated, nil
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

func scanClaim(row *sql.Row) (Code, error) {
	var c Code
	if err := row.Scan(&c.ID, &c.Code, &c.UserID, &c.DeviceID, &c.CreatedAt, &c.ExpiresAt, &c.UsedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Code{}, ErrNotFound
		}
		return Code{}, err
	}
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Schema is the DDL for the claim_codes table.
const Schema = `
CREATE TABLE IF NOT EXISTS claim_codes (
	id UUID PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	user_id UUID NOT NULL,
	device_id UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL,
	used_at TIMESTAMPTZ
);
`
