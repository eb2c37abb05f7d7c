// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package crypt

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sessionInfo namespaces the HKDF expansion so session keys can never
// collide with other derivations from the same cluster secret.
const sessionInfo = "brine/session/"

// DeriveSessionKey derives the per-minion session secret from the cluster
// secret and the minion ID. Master and minion derive this independently
// after the handshake; it is never transmitted. Protocol v3+ requests are
// encrypted under it, binding each message to a specific minion identity.
func DeriveSessionKey(clusterSecret []byte, minionID string) ([]byte, error) {
	if len(clusterSecret) != SecretSize {
		return nil, fmt.Errorf("%w: cluster secret must be %d bytes", ErrInvalidKey, SecretSize)
	}
	if minionID == "" {
		return nil, fmt.Errorf("%w: empty minion ID", ErrInvalidKey)
	}
	r := hkdf.New(sha256.New, clusterSecret, nil, []byte(sessionInfo+minionID))
	key := make([]byte, SecretSize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("session key derivation failed: %v", err)
	}
	return key, nil
}

// SessionCrypticle returns a Crypticle keyed for the given minion.
func SessionCrypticle(clusterSecret []byte, minionID string) (*Crypticle, error) {
	key, err := DeriveSessionKey(clusterSecret, minionID)
	if err != nil {
		return nil, err
	}
	return NewCrypticle(key)
}
