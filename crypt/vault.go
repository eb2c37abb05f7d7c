// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package crypt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	kms "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/brine/helper/crypto"
)

// vaultState is the immutable value a vault snapshot observes. Rotation
// swaps the whole pointer so readers see either the old or the new secret in
// entirety, never a torn view.
type vaultState struct {
	secret []byte
}

// SecretVault holds the process-wide cluster secret and the monotonic
// publish serial. Reads are lock-free snapshots; rotation takes a short
// lock. When a cache path is configured the secret survives restarts as a
// KEK-wrapped file, so a restarted master keeps the secret its accepted
// minions already hold.
type SecretVault struct {
	current atomic.Pointer[vaultState]
	serial  atomic.Uint64

	// lock serializes rotation and cache writes only
	lock      sync.Mutex
	cachePath string
}

// secretCache is the on-disk representation of the wrapped cluster secret.
// Storing the KEK alongside the wrapped secret is the same security theatre
// as any local-only key wrapping, but it keeps a shim in place for external
// KMS providers.
type secretCache struct {
	KeyID           string `json:"key_id"`
	KeyEncryptionKey []byte `json:"key_encryption_key"`
	EncryptedSecret []byte `json:"encrypted_secret"`
	Serial          uint64 `json:"serial"`
}

// NewSecretVault builds a vault seeded with the given secret, generating a
// fresh one when nil.
func NewSecretVault(secret []byte) (*SecretVault, error) {
	if secret == nil {
		var err error
		secret, err = GenerateSecret()
		if err != nil {
			return nil, err
		}
	}
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: cluster secret must be %d bytes", ErrInvalidKey, SecretSize)
	}
	v := &SecretVault{}
	v.current.Store(&vaultState{secret: secret})
	return v, nil
}

// NewCachedSecretVault loads the vault from the wrapped cache file when one
// exists, otherwise seeds a fresh secret and writes the cache.
func NewCachedSecretVault(cachePath string) (*SecretVault, error) {
	v := &SecretVault{cachePath: cachePath}

	cached, err := loadSecretCache(cachePath)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		v.current.Store(&vaultState{secret: cached.secret})
		v.serial.Store(cached.serial)
		return v, nil
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	v.current.Store(&vaultState{secret: secret})
	if err := v.saveCache(); err != nil {
		return nil, err
	}
	return v, nil
}

// Secret returns a snapshot of the current cluster secret. The slice is
// shared and must not be mutated.
func (v *SecretVault) Secret() []byte {
	return v.current.Load().secret
}

// Serial returns the last issued publish serial.
func (v *SecretVault) Serial() uint64 {
	return v.serial.Load()
}

// NextSerial issues the next publish serial. Strictly increasing for the
// master's lifetime.
func (v *SecretVault) NextSerial() uint64 {
	return v.serial.Add(1)
}

// Rotate atomically replaces the cluster secret with a fresh one and
// returns the new secret. Components holding an old snapshot re-read the
// vault on their next decrypt failure.
func (v *SecretVault) Rotate() ([]byte, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	v.current.Store(&vaultState{secret: secret})
	if v.cachePath != "" {
		if err := v.saveCache(); err != nil {
			return nil, err
		}
	}
	return secret, nil
}

// Checkpoint persists the current serial into the cache file so a restarted
// master resumes with higher serials. Only meaningful on cached vaults.
func (v *SecretVault) Checkpoint() error {
	if v.cachePath == "" {
		return nil
	}
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.saveCache()
}

// saveCache wraps the current secret with a fresh KEK and writes it to the
// cache path. Callers must hold the lock or be the constructor.
func (v *SecretVault) saveCache() error {
	kek, err := crypto.Bytes(32)
	if err != nil {
		return fmt.Errorf("failed to generate key encryption key: %v", err)
	}
	keyID, err := uuid.GenerateUUID()
	if err != nil {
		return err
	}
	wrapper, err := newKMSWrapper(keyID, kek)
	if err != nil {
		return fmt.Errorf("failed to create encryption wrapper: %v", err)
	}
	blob, err := wrapper.Encrypt(context.Background(), v.Secret())
	if err != nil {
		return fmt.Errorf("failed to encrypt cluster secret: %v", err)
	}

	buf, err := json.Marshal(&secretCache{
		KeyID:            keyID,
		KeyEncryptionKey: kek,
		EncryptedSecret:  blob.Ciphertext,
		Serial:           v.serial.Load(),
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(v.cachePath), 0o700); err != nil {
		return err
	}
	tmp := v.cachePath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.cachePath)
}

type cachedSecret struct {
	secret []byte
	serial uint64
}

// loadSecretCache reads and unwraps the cache file, returning nil when the
// file does not exist.
func loadSecretCache(path string) (*cachedSecret, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cache secretCache
	if err := json.Unmarshal(raw, &cache); err != nil {
		return nil, fmt.Errorf("could not parse secret cache %s: %v", path, err)
	}

	wrapper, err := newKMSWrapper(cache.KeyID, cache.KeyEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("unable to create key wrapper cipher: %v", err)
	}
	secret, err := wrapper.Decrypt(context.Background(), &kms.BlobInfo{
		Ciphertext: cache.EncryptedSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt wrapped cluster secret: %v", err)
	}
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: cached secret has wrong size %d", ErrInvalidKey, len(secret))
	}

	return &cachedSecret{secret: secret, serial: cache.Serial}, nil
}

// newKMSWrapper returns a go-kms-wrapping interface used to wrap the
// cluster secret with a key encryption key before it touches disk.
func newKMSWrapper(keyID string, kek []byte) (kms.Wrapper, error) {
	wrapper := aead.NewWrapper()
	wrapper.SetConfig(context.Background(),
		aead.WithAeadType(kms.AeadTypeAesGcm),
		aead.WithHashType(kms.HashTypeSha256),
		kms.WithKeyId(keyID),
	)
	if err := wrapper.SetAesGcmKeyBytes(kek); err != nil {
		return nil, err
	}
	return wrapper, nil
}
