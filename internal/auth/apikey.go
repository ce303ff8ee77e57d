package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/saltyorg/reqflow/internal/database"
)

const (
	// APIKeyLength is the length of generated API keys in bytes (will be hex encoded)
	APIKeyLength = 32
	// BcryptCost is the bcrypt cost factor
	BcryptCost = 12
	// SettingKeyHash is the settings key holding the bcrypt hash of the API key
	SettingKeyHash = "api.key_hash"
)

// GenerateAPIKey creates a new cryptographically secure API key
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// HashKey hashes an API key using bcrypt
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// CheckKey verifies an API key against a bcrypt hash
func CheckKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// APIKeyService validates and rotates the HTTP API key. Only the bcrypt hash is stored.
type APIKeyService struct {
	db *database.DB

	// verified remembers the sha256 of the last key that passed bcrypt for the current hash,
	// so repeated requests do not pay the bcrypt cost every time
	mu          sync.Mutex
	verifiedFor string
	verified    [sha256.Size]byte
}

// NewAPIKeyService creates a new API key service
func NewAPIKeyService(db *database.DB) *APIKeyService {
	return &APIKeyService{db: db}
}

// Enabled reports whether an API key has been configured
func (s *APIKeyService) Enabled() bool {
	hash, _ := s.db.GetSetting(SettingKeyHash)
	return hash != ""
}

// Rotate generates a new API key, stores its hash and returns the plaintext key.
// The previous key stops working immediately.
func (s *APIKeyService) Rotate() (string, error) {
	key, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}
	hash, err := HashKey(key)
	if err != nil {
		return "", err
	}
	if err := s.db.SetSetting(SettingKeyHash, hash); err != nil {
		return "", fmt.Errorf("failed to store api key hash: %w", err)
	}

	s.mu.Lock()
	s.verifiedFor = ""
	s.mu.Unlock()
	return key, nil
}

// Validate checks an API key. With no key configured every request is rejected.
func (s *APIKeyService) Validate(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	hash, err := s.db.GetSetting(SettingKeyHash)
	if err != nil {
		return false, fmt.Errorf("failed to load api key hash: %w", err)
	}
	if hash == "" {
		return false, nil
	}

	sum := sha256.Sum256([]byte(key))
	s.mu.Lock()
	cached := s.verifiedFor == hash && subtle.ConstantTimeCompare(sum[:], s.verified[:]) == 1
	s.mu.Unlock()
	if cached {
		return true, nil
	}

	if !CheckKey(key, hash) {
		return false, nil
	}

	s.mu.Lock()
	s.verifiedFor = hash
	s.verified = sum
	s.mu.Unlock()
	return true, nil
}
