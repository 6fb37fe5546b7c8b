package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"
)

const (
	aesKeySize = 32

	// hkdfInfoAccessToken binds derived keys to storefront access tokens.
	hkdfInfoAccessToken = "appgrant-access-token-v1"

	keyFileName = ".token.key"
)

// ErrCiphertextTooShort is returned for sealed values shorter than a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// TokenCipher seals access tokens with AES-256-GCM.
type TokenCipher struct {
	key []byte
}

// NewTokenCipher derives the AES key from secret. An empty secret falls back
// to a random key persisted in dataDir.
func NewTokenCipher(secret, dataDir string) (*TokenCipher, error) {
	var material []byte
	if s := strings.TrimSpace(secret); s != "" {
		material = []byte(s)
	} else {
		key, err := getOrCreateKey(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get encryption key: %w", err)
		}
		material = key
	}

	key, err := deriveKey(material, hkdfInfoAccessToken)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{key: key}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}
	return key, nil
}

// getOrCreateKey reads the persisted random key or creates one.
func getOrCreateKey(dataDir string) ([]byte, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required when no token secret is set")
	}
	keyPath := filepath.Join(dataDir, keyFileName)

	if data, err := os.ReadFile(keyPath); err == nil {
		key := make([]byte, aesKeySize)
		n, err := base64.StdEncoding.Decode(key, data)
		if err == nil && n == aesKeySize {
			return key, nil
		}
		return nil, fmt.Errorf("key file %s is corrupt", keyPath)
	}

	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	log.Info().Str("path", keyPath).Msg("Generated new token encryption key")
	return key, nil
}

// Encrypt encrypts data using AES-GCM. The nonce is prepended.
func (c *TokenCipher) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt.
func (c *TokenCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (c *TokenCipher) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
