// Package vault implements the CredentialVault port with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/erp/platformsync/internal/domain/integration"
	"golang.org/x/crypto/hkdf"
)

const (
	defaultContext = "platformsync-credential-vault"
	defaultKeyID   = "k1"
	minMasterKey   = 32
	keySeparator   = ":"
)

// ErrMasterKeyMissing is returned when no master key is configured
var ErrMasterKeyMissing = errors.New("vault: master key not configured")

// Config holds vault configuration
type Config struct {
	// MasterKey is the base64-encoded master key (at least 32 bytes decoded)
	MasterKey string
	// KeyID tags every ciphertext so a key change is detected on decrypt
	KeyID string
	// Context is the HKDF info string
	Context string
	// PreviousKeys maps retired key IDs to their base64 master keys; they are
	// used for decryption only.
	PreviousKeys map[string]string
}

// AESGCMVault seals token strings as "<key id>:<base64(nonce|ciphertext|tag)>"
type AESGCMVault struct {
	keyID string
	aeads map[string]cipher.AEAD
}

// New creates a vault from the process-wide key configuration
func New(cfg Config) (*AESGCMVault, error) {
	if cfg.MasterKey == "" {
		return nil, ErrMasterKeyMissing
	}
	keyID := cfg.KeyID
	if keyID == "" {
		keyID = defaultKeyID
	}
	if strings.Contains(keyID, keySeparator) {
		return nil, fmt.Errorf("vault: key id must not contain %q", keySeparator)
	}
	info := cfg.Context
	if info == "" {
		info = defaultContext
	}

	v := &AESGCMVault{keyID: keyID, aeads: make(map[string]cipher.AEAD, 1+len(cfg.PreviousKeys))}

	aead, err := newAEAD(cfg.MasterKey, info)
	if err != nil {
		return nil, err
	}
	v.aeads[keyID] = aead

	for id, key := range cfg.PreviousKeys {
		if id == keyID {
			continue
		}
		prev, err := newAEAD(key, info)
		if err != nil {
			return nil, fmt.Errorf("vault: previous key %s: %w", id, err)
		}
		v.aeads[id] = prev
	}

	return v, nil
}

func newAEAD(encodedKey, info string) (cipher.AEAD, error) {
	masterKey, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("vault: decode master key: %w", err)
	}
	if len(masterKey) < minMasterKey {
		return nil, fmt.Errorf("vault: master key must be at least %d bytes", minMasterKey)
	}

	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(info)), derived); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the current key with a random nonce.
// The empty string stays empty so optional tokens remain optional.
func (v *AESGCMVault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead := v.aeads[v.keyID]

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(v.keyID))
	return v.keyID + keySeparator + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Every failure wraps
// integration.ErrDecryption.
func (v *AESGCMVault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	keyID, encoded, ok := strings.Cut(ciphertext, keySeparator)
	if !ok {
		return "", fmt.Errorf("%w: missing key id", integration.ErrDecryption)
	}
	aead, known := v.aeads[keyID]
	if !known {
		return "", fmt.Errorf("%w: unknown key id %q", integration.ErrDecryption, keyID)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", integration.ErrDecryption)
	}
	nonceSize := aead.NonceSize()
	if len(data) < nonceSize+aead.Overhead()+1 {
		return "", fmt.Errorf("%w: ciphertext too short", integration.ErrDecryption)
	}

	plaintext, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(keyID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", integration.ErrDecryption, err)
	}
	return string(plaintext), nil
}

// KeyID returns the ID of the key used for new ciphertexts
func (v *AESGCMVault) KeyID() string {
	return v.keyID
}

var _ integration.CredentialVault = (*AESGCMVault)(nil)
