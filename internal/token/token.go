// Package token implements the media access token service (spec component
// C6): short-lived signed bearer tokens that authorize media traffic, plus
// the HTTP authentication gate that checks them.
package token

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mydia/remoteaccess/internal/devices"
)

var logger = log.New(os.Stdout, "[TOKEN] ", log.Ldate|log.Ltime|log.LUTC)

const (
	claimType  = "media_access"
	issuer     = "mydia"
	DefaultTTL = 10 * time.Minute
)

// Permission names the three media-access capabilities a token may carry.
const (
	PermissionStream     = "stream"
	PermissionDownload   = "download"
	PermissionThumbnails = "thumbnails"
)

// DefaultPermissions grants all three, the spec's default.
func DefaultPermissions() []string {
	return []string{PermissionStream, PermissionDownload, PermissionThumbnails}
}

var (
	ErrTokenExpired   = errors.New("token: expired")
	ErrInvalidToken   = errors.New("token: invalid signature or structure")
	ErrWrongType      = errors.New("token: wrong type claim")
	ErrDeviceNotFound = errors.New("token: device not found")
	ErrDeviceRevoked  = errors.New("token: device revoked")
)

// Claims is the JWT claim set described in spec.md §3: sub/user_id holds the
// device id as subject, user_id the owning user, permissions the granted
// capability list, typ the fixed "media_access" marker.
type Claims struct {
	UserID      uuid.UUID `json:"user_id"`
	Permissions []string  `json:"permissions"`
	Type        string    `json:"typ"`
	jwt.RegisteredClaims
}

// HasPermission reports whether name is present in claims.Permissions. A
// missing permissions key is treated as empty, never as "all granted".
func (c Claims) HasPermission(name string) bool {
	for _, p := range c.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// SigningKeyManager is a thread-safe dual-key holder for the media token
// signing secret, generalized from the teacher's JWTKeyManager so that a
// secret rotation doesn't invalidate tokens issued under the outgoing key
// until they naturally expire.
type SigningKeyManager struct {
	mu      sync.RWMutex
	current []byte
	prior   []byte
}

func NewSigningKeyManager(secret []byte) *SigningKeyManager {
	return &SigningKeyManager{current: secret}
}

func (m *SigningKeyManager) Current() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *SigningKeyManager) Prior() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prior
}

// Rotate promotes newSecret to current, retaining the outgoing secret as
// prior so tokens signed under it still verify until they expire.
func (m *SigningKeyManager) Rotate(newSecret []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prior = m.current
	m.current = newSecret
	logger.Printf("media token signing secret rotated")
}

// Service mints and verifies media tokens against the device registry.
type Service struct {
	keys     *SigningKeyManager
	registry *devices.Registry
}

func NewService(keys *SigningKeyManager, registry *devices.Registry) *Service {
	return &Service{keys: keys, registry: registry}
}

// CreateOpts configures CreateToken. A zero value uses the spec defaults:
// 10 minute TTL, all three permissions.
type CreateOpts struct {
	TTL         time.Duration
	Permissions []string
}

// CreateToken mints a signed token for device.
func (s *Service) CreateToken(device devices.Device, opts CreateOpts) (string, Claims, error) {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	perms := opts.Permissions
	if perms == nil {
		perms = DefaultPermissions()
	}

	now := time.Now().UTC()
	claims := Claims{
		UserID:      device.UserID,
		Permissions: perms,
		Type:        claimType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   device.ID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.keys.Current())
	if err != nil {
		return "", Claims{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, claims, nil
}

// VerifyResult bundles the verified claims with the device and is returned
// to callers (the HTTP gate, the reconnect handler) that need both.
type VerifyResult struct {
	Device devices.Device
	Claims Claims
}

// VerifyToken validates signature, expiry, type, and loads the device
// referenced by sub, rejecting revoked devices.
func (s *Service) VerifyToken(tokenString string) (VerifyResult, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return VerifyResult{}, err
	}

	deviceID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return VerifyResult{}, ErrInvalidToken
	}

	dev, err := s.registry.Get(deviceID)
	if errors.Is(err, devices.ErrNotFound) {
		return VerifyResult{}, ErrDeviceNotFound
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("token: load device: %w", err)
	}
	if dev.Revoked() {
		return VerifyResult{}, ErrDeviceRevoked
	}

	return VerifyResult{Device: dev, Claims: claims}, nil
}

// RefreshToken verifies tokenString (including revocation) and, on success,
// mints a replacement token preserving the original permissions.
func (s *Service) RefreshToken(tokenString string) (string, Claims, error) {
	result, err := s.VerifyToken(tokenString)
	if err != nil {
		return "", Claims{}, err
	}
	return s.CreateToken(result.Device, CreateOpts{Permissions: result.Claims.Permissions})
}

// HasPermission is the package-level form spec.md §4.6 names directly.
func HasPermission(claims Claims, name string) bool {
	return claims.HasPermission(name)
}

func (s *Service) parse(tokenString string) (Claims, error) {
	claims, err := parseWithSecret(tokenString, s.keys.Current())
	if err == nil {
		return finish(claims)
	}

	if prior := s.keys.Prior(); len(prior) > 0 {
		claims, err2 := parseWithSecret(tokenString, prior)
		if err2 == nil {
			return finish(claims)
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return Claims{}, ErrTokenExpired
	}
	return Claims{}, ErrInvalidToken
}

func parseWithSecret(tokenString string, secret []byte) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func finish(claims Claims) (Claims, error) {
	if claims.Type != claimType {
		return Claims{}, ErrWrongType
	}
	return claims, nil
}
