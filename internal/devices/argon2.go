package devices

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2Params are the tuning parameters for device-token hashing. Time=1,
// memory=64MB, threads=4 matches OWASP's interactive-login recommendation.
type argon2Params struct {
	Time      uint32
	Memory    uint32
	Threads   uint8
	KeyLength uint32
	SaltLen   uint32
}

func defaultArgon2Params() argon2Params {
	return argon2Params{
		Time:      1,
		Memory:    64 * 1024,
		Threads:   4,
		KeyLength: 32,
		SaltLen:   16,
	}
}

// hashToken returns an encoded Argon2id hash of a device's plaintext bearer
// token, in the standard $argon2id$v=..$m=..,t=..,p=..$salt$hash form. The
// plaintext token itself is never persisted.
func hashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("devices: token cannot be empty")
	}
	p := defaultArgon2Params()

	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("devices: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(token), salt, p.Time, p.Memory, p.Threads, p.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// verifyToken checks a plaintext bearer token against an encoded hash using
// a constant-time comparison.
func verifyToken(token, encodedHash string) (bool, error) {
	if token == "" || encodedHash == "" {
		return false, errors.New("devices: token and hash cannot be empty")
	}

	p, salt, hash, err := decodeArgon2Hash(encodedHash)
	if err != nil {
		return false, fmt.Errorf("devices: decode hash: %w", err)
	}

	computed := argon2.IDKey([]byte(token), salt, p.Time, p.Memory, p.Threads, p.KeyLength)
	return subtle.ConstantTimeCompare(hash, computed) == 1, nil
}

func decodeArgon2Hash(encoded string) (argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return argon2Params{}, nil, nil, errors.New("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return argon2Params{}, nil, nil, errors.New("unsupported algorithm")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return argon2Params{}, nil, nil, fmt.Errorf("parse version: %w", err)
	}
	if version != argon2.Version {
		return argon2Params{}, nil, nil, fmt.Errorf("unsupported argon2 version: %d", version)
	}

	var p argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return argon2Params{}, nil, nil, fmt.Errorf("parse parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return argon2Params{}, nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	p.SaltLen = uint32(len(salt))

	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return argon2Params{}, nil, nil, fmt.Errorf("decode hash: %w", err)
	}
	p.KeyLength = uint32(len(hash))

	return p, salt, hash, nil
}
