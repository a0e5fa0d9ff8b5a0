// Package vault seals tenant secrets at rest with AES-256-GCM.
//
// A sealed value has the form base64(nonce):base64(tag):base64(ciphertext).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"querygate/pkg/problems"
)

const (
	keyLength = 32
	nonceSize = 12
	tagSize   = 16
	sep       = ":"

	devPlaceholder = "querygate-insecure-development-key"
)

// Options selects where the master key comes from.
type Options struct {
	MasterKey string // base64 or hex, 32 bytes once decoded
	// Production forbids the insecure development key regardless of AllowInsecureDevKey.
	Production          bool
	AllowInsecureDevKey bool
}

type Vault struct {
	aead     cipher.AEAD
	insecure bool
}

// New builds a Vault from opts. A missing key is an error unless the process is
// not in production and the insecure development key was explicitly enabled.
func New(opts Options, log *zap.SugaredLogger) (*Vault, error) {
	raw := strings.TrimSpace(opts.MasterKey)
	if raw != "" {
		key, err := ParseKey(raw)
		if err != nil {
			return nil, err
		}
		return NewWithKey(key)
	}
	if opts.Production {
		return nil, fmt.Errorf("vault: VAULT_MASTER_KEY is required in production; generate one with: gatewayctl keygen")
	}
	if !opts.AllowInsecureDevKey {
		return nil, fmt.Errorf("vault: VAULT_MASTER_KEY not set; set VAULT_INSECURE_DEV_KEY=true to use the development placeholder key")
	}
	if log != nil {
		log.Warnw("INSECURE: using the development placeholder vault key; secrets sealed now are readable by anyone with this binary",
			"env_var", "VAULT_MASTER_KEY")
	}
	sum := sha256.Sum256([]byte(devPlaceholder))
	v, err := NewWithKey(sum[:])
	if err != nil {
		return nil, err
	}
	v.insecure = true
	return v, nil
}

// NewWithKey builds a Vault from a raw 32-byte key.
func NewWithKey(key []byte) (*Vault, error) {
	if len(key) != keyLength {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// ParseKey decodes a master key given as base64 (padded or raw) or 64 hex chars.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*keyLength {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == keyLength {
			return b, nil
		}
	}
	return nil, fmt.Errorf("vault: master key must decode (base64 or hex) to %d bytes", keyLength)
}

// GenerateKey returns a fresh random key, base64 encoded.
func GenerateKey() (string, error) {
	k := make([]byte, keyLength)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", fmt.Errorf("vault: random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

// Insecure reports whether v runs on the development placeholder key.
func (v *Vault) Insecure() bool { return v.insecure }

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	enc := base64.StdEncoding
	return enc.EncodeToString(nonce) + sep + enc.EncodeToString(tag) + sep + enc.EncodeToString(ct), nil
}

// Decrypt opens a value produced by Encrypt. Every failure, including a
// malformed token, is a problems.KindDecryption error.
func (v *Vault) Decrypt(token string) (string, error) {
	const op = "vault.decrypt"
	parts := strings.Split(token, sep)
	if len(parts) != 3 {
		return "", problems.New(problems.KindDecryption, op, fmt.Sprintf("expected 3 components, got %d", len(parts)))
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", problems.Wrap(problems.KindDecryption, op, "invalid nonce", errOrSize(err, len(nonce)))
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", problems.Wrap(problems.KindDecryption, op, "invalid tag", errOrSize(err, len(tag)))
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", problems.Wrap(problems.KindDecryption, op, "invalid ciphertext", err)
	}
	pt, err := v.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", problems.Wrap(problems.KindDecryption, op, "authentication failed", err)
	}
	return string(pt), nil
}

// DecryptOptional is Decrypt for optional fields: an empty token yields "".
func (v *Vault) DecryptOptional(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	return v.Decrypt(token)
}

func errOrSize(err error, n int) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected length %d", n)
}
