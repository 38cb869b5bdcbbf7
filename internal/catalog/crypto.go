package catalog

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// encPrefix marks a credential value as AES-256-GCM encrypted at rest.
// Values without the prefix are treated as plaintext (development catalogs).
const encPrefix = "enc:"

// Cipher decrypts credential fields stored in the catalog. Constructed once
// from the configured key; a nil Cipher only accepts plaintext values.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 64-hex-character (32-byte) key.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Decrypt returns the plaintext of a catalog credential value. Values
// without the "enc:" prefix pass through unchanged. The plaintext must never
// be logged or cached by callers.
func (c *Cipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	if c == nil {
		return "", fmt.Errorf("encrypted credential present but no encryption key configured")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decoding credential: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("credential ciphertext too short")
	}

	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting credential: %w", err)
	}
	return string(plain), nil
}

// Encrypt produces an "enc:"-prefixed value for the catalog. The gateway
// never writes catalogs; this exists for admin tooling and tests.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("no encryption key configured")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// HashSecret returns the SHA-256 hex digest of an API key secret. The
// catalog stores only this hash; lookups hash the presented secret and
// compare digests.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
