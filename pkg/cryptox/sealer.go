package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize   = 16
	secretSize = 32
	nonceSize  = 12
)

// Sealer provides authenticated encryption for values persisted in the
// local profile store (refresh token, cached user profile). The key is
// derived with argon2id from a per-profile key file so sealed values survive
// process restarts but are useless if the database file leaks on its own.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer loads (or creates) the profile key file at path and derives the
// sealing key from it. An empty path derives from an ephemeral in-memory
// secret, which means sealed values do not survive a restart; that mode is
// only suitable for tests.
func NewSealer(path string) (*Sealer, error) {
	material, err := loadKeyMaterial(path)
	if err != nil {
		return nil, err
	}

	salt, secret := material[:saltSize], material[saltSize:]
	key := argon2.IDKey(secret, salt, 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: create gcm: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// loadKeyMaterial reads the salt||secret blob from the key file, creating it
// with fresh random material on first use.
func loadKeyMaterial(path string) ([]byte, error) {
	if path == "" {
		material := make([]byte, saltSize+secretSize)
		if _, err := rand.Read(material); err != nil {
			return nil, fmt.Errorf("cryptox: generate ephemeral key: %w", err)
		}
		return material, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != saltSize+secretSize {
			return nil, fmt.Errorf("cryptox: key file %s has unexpected size %d", path, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cryptox: read key file: %w", err)
	}

	material := make([]byte, saltSize+secretSize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("cryptox: generate key material: %w", err)
	}
	if err := os.WriteFile(path, material, 0o600); err != nil {
		return nil, fmt.Errorf("cryptox: write key file: %w", err)
	}
	return material, nil
}

// Seal encrypts plaintext with AES-256-GCM. The output layout is
// [12-byte nonce][ciphertext+tag], one random nonce per call.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptox: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("cryptox: sealed blob too short")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptox: open sealed blob: %w", err)
	}
	return plaintext, nil
}
