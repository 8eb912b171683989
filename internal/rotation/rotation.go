// Package rotation implements the server's automatic app-secret rotation
// scheduler, adapted from the teacher's JWT key rotation scheduler to drive
// internal/config's AppSecretManager instead of a JWT-only secret, and to
// push each rotated secret into internal/token's SigningKeyManager so media
// tokens issued before a rotation keep verifying until they expire.
package rotation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mydia/remoteaccess/internal/config"
	"github.com/mydia/remoteaccess/internal/token"
)

// Scheduler periodically checks whether the app secret is due for rotation
// and, if so, generates a fresh one and rotates both the secret manager and
// the media token signing keys in lockstep.
type Scheduler struct {
	ctx        context.Context
	cancelFunc context.CancelFunc
	ticker     *time.Ticker
	lock       sync.Mutex
	logger     *log.Logger
	enabled    bool
	secrets    *config.AppSecretManager
	keys       *token.SigningKeyManager
}

func NewScheduler(secrets *config.AppSecretManager, keys *token.SigningKeyManager) *Scheduler {
	return &Scheduler{
		logger:  log.New(os.Stdout, "[SECRET-ROTATION-SCHEDULER] ", log.Ldate|log.Ltime|log.LUTC),
		enabled: true,
		secrets: secrets,
		keys:    keys,
	}
}

// Start begins the background rotation loop.
func (s *Scheduler) Start() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.enabled {
		s.logger.Println("rotation scheduler disabled, not starting")
		return
	}

	s.ctx, s.cancelFunc = context.WithCancel(context.Background())
	go s.run()
}

// Stop halts the background rotation loop.
func (s *Scheduler) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

func (s *Scheduler) run() {
	s.checkAndRotate()

	_, interval := s.secrets.RotationInfo()
	checkInterval := interval / 4
	if checkInterval < 1*time.Hour {
		checkInterval = 1 * time.Hour
	}

	s.ticker = time.NewTicker(checkInterval)
	s.logger.Printf("running with check interval: %v", checkInterval)

	for {
		select {
		case <-s.ticker.C:
			s.checkAndRotate()
		case <-s.ctx.Done():
			s.logger.Println("stopped")
			return
		}
	}
}

func (s *Scheduler) checkAndRotate() {
	if !s.secrets.ShouldRotate() {
		return
	}

	newSecret, err := generateSecureSecret()
	if err != nil {
		s.logger.Printf("ERROR: failed to generate new app secret: %v", err)
		return
	}

	if err := s.secrets.Rotate(newSecret); err != nil {
		s.logger.Printf("ERROR: failed to rotate app secret: %v", err)
		return
	}

	s.keys.Rotate([]byte(newSecret))
	s.logger.Println("automatic app secret rotation completed")
}

// ForceImmediateRotation rotates outside the normal schedule, for operator
// or incident-response use.
func (s *Scheduler) ForceImmediateRotation() error {
	newSecret, err := generateSecureSecret()
	if err != nil {
		return err
	}
	if err := s.secrets.Rotate(newSecret); err != nil {
		return err
	}
	s.keys.Rotate([]byte(newSecret))
	s.logger.Println("forced app secret rotation completed")
	return nil
}

func generateSecureSecret() (string, error) {
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(raw)
	if err := config.ValidateAppSecret(secret); err != nil {
		return "", err
	}
	return secret, nil
}
