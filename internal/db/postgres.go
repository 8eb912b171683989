// Package db provides the server's Postgres connection and the persisted
// server keypair store (sealed private key at rest).
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mydia/remoteaccess/internal/crypto"
)

// PostgresDB wraps the server's database connection pool.
type PostgresDB struct {
	db *sql.DB
}

// NewPostgresDB opens a connection pool to connStr and verifies
// connectivity before returning.
func NewPostgresDB(connStr string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// DB returns the underlying *sql.DB, for packages (devices, claim) that
// manage their own schema and queries directly.
func (p *PostgresDB) DB() *sql.DB {
	return p.db
}

// ServerKeyPairSchema creates the single-row table holding the server's
// static keypair, sealed at rest under the app secret.
const ServerKeyPairSchema = `
CREATE TABLE IF NOT EXISTS server_keypair (
	id               INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	public_key       BYTEA NOT NULL,
	sealed_private    BYTEA NOT NULL,
	sealed_nonce      BYTEA NOT NULL,
	sealed_mac        BYTEA NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ErrNoServerKeyPair is returned by LoadServerKeyPair when the table is
// empty (first boot).
var ErrNoServerKeyPair = errors.New("db: no server keypair persisted yet")

// LoadServerKeyPair reads and unseals the server's static keypair.
func (p *PostgresDB) LoadServerKeyPair(appSecret []byte) (crypto.KeyPair, error) {
	var pub, sealedPriv, sealedNonce, sealedMAC []byte
	err := p.db.QueryRow(
		`SELECT public_key, sealed_private, sealed_nonce, sealed_mac FROM server_keypair WHERE id = 1`,
	).Scan(&pub, &sealedPriv, &sealedNonce, &sealedMAC)
	if errors.Is(err, sql.ErrNoRows) {
		return crypto.KeyPair{}, ErrNoServerKeyPair
	}
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("db: load server keypair: %w", err)
	}

	if len(pub) != crypto.KeySize || len(sealedNonce) != crypto.NonceSize || len(sealedMAC) != crypto.MACSize {
		return crypto.KeyPair{}, fmt.Errorf("db: stored server keypair has unexpected field sizes")
	}

	sealed := crypto.Sealed{Ciphertext: sealedPriv}
	copy(sealed.Nonce[:], sealedNonce)
	copy(sealed.MAC[:], sealedMAC)

	priv, err := crypto.UnsealPrivate(sealed, appSecret)
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("db: unseal server private key: %w", err)
	}

	var keyPair crypto.KeyPair
	copy(keyPair.Private[:], priv[:])
	copy(keyPair.Public[:], pub)
	return keyPair, nil
}

// SaveServerKeyPair seals kp.Private under appSecret and persists the
// single server-keypair row, replacing any prior one.
func (p *PostgresDB) SaveServerKeyPair(kp crypto.KeyPair, appSecret []byte) error {
	sealed, err := crypto.SealPrivate(kp.Private, appSecret)
	if err != nil {
		return fmt.Errorf("db: seal server private key: %w", err)
	}

	_, err = p.db.Exec(
		`INSERT INTO server_keypair (id, public_key, sealed_private, sealed_nonce, sealed_mac)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   public_key = excluded.public_key,
		   sealed_private = excluded.sealed_private,
		   sealed_nonce = excluded.sealed_nonce,
		   sealed_mac = excluded.sealed_mac`,
		kp.Public[:], sealed.Ciphertext, sealed.Nonce[:], sealed.MAC[:],
	)
	if err != nil {
		return fmt.Errorf("db: save server keypair: %w", err)
	}
	return nil
}

// LoadOrGenerateServerKeyPair loads the persisted server keypair, or
// generates and persists a fresh one on first boot.
func LoadOrGenerateServerKeyPair(p *PostgresDB, appSecret []byte) (crypto.KeyPair, error) {
	kp, err := p.LoadServerKeyPair(appSecret)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, ErrNoServerKeyPair) {
		return crypto.KeyPair{}, err
	}

	kp, err = crypto.GenerateKeypair()
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("db: generate server keypair: %w", err)
	}
	if err := p.SaveServerKeyPair(kp, appSecret); err != nil {
		return crypto.KeyPair{}, err
	}
	return kp, nil
}
