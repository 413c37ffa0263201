package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// SecretsManager encrypts and decrypts byte slices with AES-256-GCM
// under its own key. Host IPMI and switch passwords are stored as the
// plain strings pkg/types holds, and the cobbler password as pkg/config
// loads it; none of them pass through a SecretsManager.
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager creates a new secrets manager with the given encryption key
// The key should be 32 bytes for AES-256-GCM
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &SecretsManager{
		encryptionKey: key,
	}, nil
}

// NewSecretsManagerFromPassword creates a secrets manager using a password
// The password is hashed with SHA-256 to derive the encryption key
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	// Derive 32-byte key from password using SHA-256
	hash := sha256.Sum256([]byte(password))
	return NewSecretsManager(hash[:])
}

// EncryptSecret encrypts plaintext data using AES-256-GCM
// Returns encrypted data with nonce prepended
func (sm *SecretsManager) EncryptSecret(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	// Create AES cipher
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt and prepend nonce
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// DecryptSecret decrypts data encrypted with EncryptSecret
// Expects nonce to be prepended to ciphertext
func (sm *SecretsManager) DecryptSecret(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	// Create AES cipher
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Check minimum length
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	// Extract nonce and ciphertext
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	// Decrypt
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// DeriveKeyFromLabID derives a per-lab encryption key from a lab's id, so
// that restarting laasd against the same storage directory re-derives the
// same key without needing to persist it separately.
func DeriveKeyFromLabID(labID string) []byte {
	hash := sha256.Sum256([]byte(labID))
	return hash[:]
}

// instanceEncryptionKey is the process-wide key used by Encrypt/Decrypt,
// set once at startup from config.
var instanceEncryptionKey []byte

// SetInstanceEncryptionKey sets the process-wide encryption key used by
// Encrypt and Decrypt. Call once during startup. Rows written to
// pkg/storage are not sealed with it.
func SetInstanceEncryptionKey(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	instanceEncryptionKey = key
	return nil
}

// Encrypt seals plaintext with the instance encryption key.
func Encrypt(plaintext []byte) ([]byte, error) {
	if len(instanceEncryptionKey) == 0 {
		return nil, fmt.Errorf("instance encryption key not set")
	}

	block, err := aes.NewCipher(instanceEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt opens data sealed by Encrypt.
func Decrypt(ciphertext []byte) ([]byte, error) {
	if len(instanceEncryptionKey) == 0 {
		return nil, fmt.Errorf("instance encryption key not set")
	}

	block, err := aes.NewCipher(instanceEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
