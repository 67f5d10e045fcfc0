package durablestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Sealer provides optional AES-256-GCM encryption of payload blobs at
// rest, derived via HKDF-SHA256 from an operator-supplied master key.
// Disabled by default (config.RestEncryption.Enabled == false); the
// durable store's replay-facing contract is identical either way since
// GetPayloadOfEntry unseals transparently.
type Sealer = sealer

type sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives an AES-256-GCM key from masterKey via HKDF-SHA256,
// following the same derive-then-GCM shape as internal/auth.DeriveSharedKey,
// minus the X25519 exchange since there is no peer here — just a static
// operator secret.
func NewSealer(masterKey []byte) (*sealer, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("payload sealing master key must not be empty")
	}

	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterKey, salt, []byte("golem-replay-payload-seal"))
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, aesKey); err != nil {
		return nil, fmt.Errorf("derive payload seal key: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &sealer{gcm: gcm}, nil
}

// seal encrypts plaintext and returns nonce || ciphertext || tag.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a blob produced by seal.
func (s *sealer) open(blob []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("sealed payload too short")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	return s.gcm.Open(nil, nonce, ciphertext, nil)
}
