package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

// legacyTTL is long enough that stored Fernet bodies never expire.
const legacyTTL = 100 * 365 * 24 * time.Hour

// Encryptor seals message bodies at rest with AES-256-GCM. Bodies written by
// older deployments as Fernet tokens are still readable through legacyKeys.
type Encryptor struct {
	aead       cipher.AEAD
	legacyKeys []*fernet.Key
}

// NewEncryptor derives the AES key as SHA-256(secret), so any secret length
// from the environment is accepted.
func NewEncryptor(secret []byte, legacy []string) (*Encryptor, error) {
	if len(secret) == 0 {
		return nil, errors.New("encryption key must not be empty")
	}
	sum := sha256.Sum256(secret)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	e := &Encryptor{aead: aead}
	for _, raw := range append([]string{string(secret)}, legacy...) {
		if k, err := fernet.DecodeKey(strings.TrimSpace(raw)); err == nil {
			e.legacyKeys = append(e.legacyKeys, k)
		}
	}
	return e, nil
}

func (e *Encryptor) Encrypt(plain string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(enc string) (string, error) {
	if raw, err := base64.StdEncoding.DecodeString(enc); err == nil && len(raw) >= e.aead.NonceSize() {
		n := e.aead.NonceSize()
		if plain, err := e.aead.Open(nil, raw[:n], raw[n:], nil); err == nil {
			return string(plain), nil
		}
	}
	if len(e.legacyKeys) > 0 {
		if plain := fernet.VerifyAndDecrypt([]byte(enc), legacyTTL, e.legacyKeys); plain != nil {
			return string(plain), nil
		}
	}
	return "", errors.New("failed to decrypt message body")
}
