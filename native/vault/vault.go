package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

var (
	// ErrNoSecret is returned when the process vault secret is not
	// configured.
	ErrNoSecret = errors.New("vault: no process secret configured")
	// ErrIntegrity marks a malformed envelope or a failed GCM tag check.
	ErrIntegrity = errors.New("vault: integrity failure")
	// ErrStore wraps persistence failures.
	ErrStore = errors.New("vault: store failure")
)

const (
	envelopeVersion = "v1"
	saltLen         = 16
	ivLen           = 12
	tagLen          = 16
	keyLen          = 32

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// storage abstracts the encrypted keypair column of the escrow table.
type storage interface {
	PutEncryptedKeypair(ctx context.Context, escrowID, envelope string) error
	GetEncryptedKeypair(ctx context.Context, escrowID string) (string, bool, error)
	ClearEncryptedKeypair(ctx context.Context, escrowID string) error
}

// Vault stores escrow-owned signing keys encrypted at rest. It is the only
// component that ever sees the plaintext secret.
type Vault struct {
	store    storage
	secretFn func() string

	mu    sync.RWMutex
	cache map[string][]byte
}

// New constructs a vault over the given storage. secretFn resolves the
// process secret on each use so rotation does not require a restart.
func New(store storage, secretFn func() string) *Vault {
	return &Vault{
		store:    store,
		secretFn: secretFn,
		cache:    make(map[string][]byte),
	}
}

func (v *Vault) secret() (string, error) {
	if v.secretFn == nil {
		return "", ErrNoSecret
	}
	secret := strings.TrimSpace(v.secretFn())
	if secret == "" {
		return "", ErrNoSecret
	}
	return secret, nil
}

// Put encrypts the keypair secret and writes the envelope to the row keyed by
// escrowID.
func (v *Vault) Put(ctx context.Context, escrowID string, keypair []byte) error {
	secret, err := v.secret()
	if err != nil {
		return err
	}
	envelope, err := seal(secret, keypair)
	if err != nil {
		return err
	}
	if err := v.store.PutEncryptedKeypair(ctx, escrowID, envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	v.mu.Lock()
	v.cache[escrowID] = append([]byte(nil), keypair...)
	v.mu.Unlock()
	return nil
}

// Get returns the plaintext keypair for the escrow, consulting the in-memory
// cache before the store. ok is false when no keypair is vaulted.
func (v *Vault) Get(ctx context.Context, escrowID string) ([]byte, bool, error) {
	v.mu.RLock()
	cached, hit := v.cache[escrowID]
	v.mu.RUnlock()
	if hit {
		return append([]byte(nil), cached...), true, nil
	}
	envelope, found, err := v.store.GetEncryptedKeypair(ctx, escrowID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if !found || strings.TrimSpace(envelope) == "" {
		return nil, false, nil
	}
	secret, err := v.secret()
	if err != nil {
		return nil, false, err
	}
	plaintext, err := open(secret, envelope)
	if err != nil {
		return nil, false, err
	}
	v.mu.Lock()
	v.cache[escrowID] = append([]byte(nil), plaintext...)
	v.mu.Unlock()
	return plaintext, true, nil
}

// Clear purges the cache entry and the stored row. Clearing an absent entry
// is a no-op.
func (v *Vault) Clear(ctx context.Context, escrowID string) error {
	if err := v.store.ClearEncryptedKeypair(ctx, escrowID); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	v.mu.Lock()
	delete(v.cache, escrowID)
	v.mu.Unlock()
	return nil
}

// Signer returns a callback yielding the plaintext keypair on demand. The
// chain adapter invokes it at signing time so the key never rides along in
// engine state.
func (v *Vault) Signer(escrowID string) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		keypair, ok, err := v.Get(ctx, escrowID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: no keypair for escrow %s", ErrIntegrity, escrowID)
		}
		return keypair, nil
	}
}

func deriveKey(secret string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: kdf: %w", err)
	}
	return key, nil
}

func seal(secret string, plaintext []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("vault: salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: iv: %w", err)
	}
	key, err := deriveKey(secret, salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("vault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: gcm: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// Go appends the tag to the ciphertext; the envelope stores them apart.
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]
	return strings.Join([]string{
		envelopeVersion,
		hex.EncodeToString(salt),
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

func open(secret, envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 5 || parts[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: bad envelope format", ErrIntegrity)
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil || len(salt) != saltLen {
		return nil, fmt.Errorf("%w: bad salt", ErrIntegrity)
	}
	iv, err := hex.DecodeString(parts[2])
	if err != nil || len(iv) != ivLen {
		return nil, fmt.Errorf("%w: bad iv", ErrIntegrity)
	}
	tag, err := hex.DecodeString(parts[3])
	if err != nil || len(tag) != tagLen {
		return nil, fmt.Errorf("%w: bad tag", ErrIntegrity)
	}
	ciphertext, err := hex.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrIntegrity)
	}
	key, err := deriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, append(append([]byte(nil), ciphertext...), tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", ErrIntegrity)
	}
	return plaintext, nil
}
