package workspace

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// keySealEnv holds the 32 byte master key for provider API keys, raw or base64.
const keySealEnv = "AGENTDESK_APIKEY_KEY"

// sealedPrefix marks encrypted rows; anything else was stored before
// encryption was configured.
const sealedPrefix = "v1:"

var (
	errSealKeyNotSet = fmt.Errorf("%s not set", keySealEnv)
	errSealedKey     = errors.New("provider key cannot be decrypted")
)

// keySealer encrypts provider API keys at rest with AES-GCM. Every sealed
// key is bound to its project and provider, so a ciphertext copied onto
// another project's row does not open.
type keySealer struct {
	aead cipher.AEAD
}

func newKeySealerFromEnv() (*keySealer, error) {
	raw := strings.TrimSpace(os.Getenv(keySealEnv))
	if raw == "" {
		return nil, errSealKeyNotSet
	}
	key, err := decodeSealKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", keySealEnv, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &keySealer{aead: aead}, nil
}

func decodeSealKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

func keyBinding(projectID int64, provider string) []byte {
	return []byte("project:" + strconv.FormatInt(projectID, 10) + "/provider:" + provider)
}

func isSealed(stored string) bool {
	return strings.HasPrefix(stored, sealedPrefix)
}

// Seal encrypts the API key a project uses for provider.
func (k *keySealer) Seal(projectID int64, provider, apiKey string) (string, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := k.aead.Seal(nonce, nonce, []byte(apiKey), keyBinding(projectID, provider))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal for the same project and provider.
func (k *keySealer) Open(projectID int64, provider, stored string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", errSealedKey
	}
	ns := k.aead.NonceSize()
	if len(data) < ns {
		return "", errSealedKey
	}
	plain, err := k.aead.Open(nil, data[:ns], data[ns:], keyBinding(projectID, provider))
	if err != nil {
		return "", errSealedKey
	}
	return string(plain), nil
}
