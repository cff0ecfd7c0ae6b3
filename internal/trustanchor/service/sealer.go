package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"golang.org/x/crypto/hkdf"
)

const sealerInfo = "lemonsync/lemonsqueezy_settings/v1"

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// sealer encrypts stored credentials with AES-256-GCM under a key derived
// from the settings secret.
type sealer struct {
	key []byte
}

func newSealer(secret string) (*sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &sealer{}, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealerInfo)), key); err != nil {
		return nil, err
	}
	return &sealer{key: key}, nil
}

func (s *sealer) seal(plaintext string) (string, error) {
	if len(s.key) == 0 {
		return "", domain.ErrEncryptionKeyMissing
	}
	gcm, err := s.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	out, err := json.Marshal(encryptedPayload{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *sealer) open(sealed string) (string, error) {
	if strings.TrimSpace(sealed) == "" {
		return "", nil
	}
	if len(s.key) == 0 {
		return "", domain.ErrEncryptionKeyMissing
	}

	var payload encryptedPayload
	if err := json.Unmarshal([]byte(sealed), &payload); err != nil || payload.Version != 1 {
		return "", domain.ErrDecryptFailed
	}
	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return "", domain.ErrDecryptFailed
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", domain.ErrDecryptFailed
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", domain.ErrDecryptFailed
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", domain.ErrDecryptFailed
	}
	return string(plaintext), nil
}

func (s *sealer) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
