// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/brine/brine/stream"
	"github.com/hashicorp/brine/crypt"
	"github.com/hashicorp/brine/helper/testlog"
	"github.com/hashicorp/brine/keystore"
)

// RSA generation at the production modulus size is expensive, so tests share
// a small cached pool of keys.
var (
	testKeyMu   sync.Mutex
	testKeyPool []*rsa.PrivateKey
)

func testRSAKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	testKeyMu.Lock()
	defer testKeyMu.Unlock()
	for len(testKeyPool) <= i {
		key, err := crypt.GenerateKeyPair(crypt.DefaultKeySize)
		must.NoError(t, err)
		testKeyPool = append(testKeyPool, key)
	}
	return testKeyPool[i]
}

func testPubPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	pem, err := crypt.EncodePubKeyPEM(&key.PublicKey)
	must.NoError(t, err)
	return pem
}

func testConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.PKIDir = t.TempDir()
	config.LogOutput = testlog.NewWriter(t)
	return config
}

func testMasterKeys(t *testing.T) *MasterKeys {
	t.Helper()
	key := testRSAKey(t, 0)
	return &MasterKeys{
		Private: key,
		Public:  &key.PublicKey,
		PubPEM:  testPubPEM(t, key),
	}
}

// testCore is the assembled auth fixture shared by the auth and request
// server tests.
type testCore struct {
	config  *Config
	keys    *MasterKeys
	store   *keystore.Store
	vault   *crypt.SecretVault
	sink    *stream.InmemSink
	emitter *stream.Emitter
	auth    *AuthEngine
}

func newTestCore(t *testing.T, config *Config) *testCore {
	t.Helper()
	if config == nil {
		config = testConfig(t)
	}
	logger := testlog.HCLogger(t)

	store, err := keystore.NewStore(config.PKIDir, logger)
	must.NoError(t, err)

	vault, err := crypt.NewSecretVault(nil)
	must.NoError(t, err)

	sink := stream.NewInmemSink()
	emitter := stream.NewEmitter(logger, sink)
	presence := NewPresenceTracker(emitter, config.PresenceEvents, logger)
	auth := NewAuthEngine(config, testMasterKeys(t), store, vault, emitter, presence, logger)

	return &testCore{
		config:  config,
		keys:    auth.keys,
		store:   store,
		vault:   vault,
		sink:    sink,
		emitter: emitter,
		auth:    auth,
	}
}
