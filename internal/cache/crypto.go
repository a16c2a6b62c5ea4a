// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package cache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Keyring holds the AES-256 keys used to encrypt cached values. Values are
// written with the active key version; reads accept any configured version,
// which keeps at least two versions readable during rotation windows.
type Keyring struct {
	keys   map[string][]byte
	active string
}

// NewKeyring builds a keyring from base64-encoded 32-byte keys.
func NewKeyring(encodedKeys map[string]string, activeVersion string) (*Keyring, error) {
	if len(encodedKeys) == 0 {
		return nil, fmt.Errorf("cache keyring: no keys configured")
	}
	keys := make(map[string][]byte, len(encodedKeys))
	for version, encoded := range encodedKeys {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("cache keyring: decode key %s: %w", version, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("cache keyring: key %s must be 32 bytes, got %d", version, len(key))
		}
		keys[version] = key
	}
	if _, ok := keys[activeVersion]; !ok {
		return nil, fmt.Errorf("cache keyring: active version %s has no key", activeVersion)
	}
	return &Keyring{keys: keys, active: activeVersion}, nil
}

// ActiveVersion returns the version used for new encryptions.
func (k *Keyring) ActiveVersion() string {
	return k.active
}

// envelope is the stored record: ciphertext, nonce, and the key version that
// produced it.
type envelope struct {
	KeyVersion string `json:"kv"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
}

// Encrypt seals plaintext with AES-256-GCM under the active key.
func (k *Keyring) Encrypt(plaintext []byte) (*envelope, error) {
	gcm, err := k.gcm(k.active)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cache keyring: nonce: %w", err)
	}

	return &envelope{
		KeyVersion: k.active,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens an envelope with the key matching its version. Envelopes
// sealed under a retired version fail, which readers treat as a cache miss.
func (k *Keyring) Decrypt(env *envelope) ([]byte, error) {
	gcm, err := k.gcm(env.KeyVersion)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cache keyring: open with %s: %w", env.KeyVersion, err)
	}
	return plaintext, nil
}

func (k *Keyring) gcm(version string) (cipher.AEAD, error) {
	key, ok := k.keys[version]
	if !ok {
		return nil, fmt.Errorf("cache keyring: unknown key version %s", version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cache keyring: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
