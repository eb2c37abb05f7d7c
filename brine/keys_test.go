// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/brine/ci"
	"github.com/hashicorp/brine/crypt"
	"github.com/hashicorp/brine/helper/testlog"
)

func TestLoadMasterKeys_GeneratesOnFirstStart(t *testing.T) {
	ci.Parallel(t)
	ci.SkipSlow(t, "generates a fresh 4096-bit master keypair")

	config := testConfig(t)
	keys, err := loadMasterKeys(config, testlog.HCLogger(t))
	must.NoError(t, err)
	must.NotNil(t, keys.Private)
	must.Eq(t, "", keys.PubSig)

	// both halves land on disk and reload to the same pair
	reloaded, err := crypt.LoadPrivateKey(config.MasterKeyPath())
	must.NoError(t, err)
	must.True(t, keys.Private.Equal(reloaded))

	pub, err := crypt.GetRSAPubKey(config.MasterPubPath())
	must.NoError(t, err)
	must.True(t, keys.Public.Equal(pub))
}

func TestLoadMasterKeys_ComputesPubSig(t *testing.T) {
	ci.Parallel(t)

	config := testConfig(t)
	config.MasterSignPubkey = true
	must.NoError(t, crypt.SavePrivateKey(config.MasterKeyPath(), testRSAKey(t, 0)))

	signKey := testRSAKey(t, 1)
	must.NoError(t, crypt.SavePrivateKey(config.SignKeyPath(), signKey))

	keys, err := loadMasterKeys(config, testlog.HCLogger(t))
	must.NoError(t, err)
	must.NotEq(t, "", keys.PubSig)

	sig, err := base64.StdEncoding.DecodeString(keys.PubSig)
	must.NoError(t, err)
	must.NoError(t, crypt.VerifySignature(&signKey.PublicKey, []byte(keys.PubPEM), sig, crypt.PKCS1SHA256))
}

func TestLoadMasterKeys_PrefersPrecomputedPubSig(t *testing.T) {
	ci.Parallel(t)

	config := testConfig(t)
	config.MasterSignPubkey = true
	must.NoError(t, crypt.SavePrivateKey(config.MasterKeyPath(), testRSAKey(t, 0)))

	// a precomputed signature file wins over the signing key, which is
	// deliberately absent here
	sigPath := filepath.Join(config.PKIDir, pubkeySignatureFile)
	must.NoError(t, os.WriteFile(sigPath, []byte("b2ZmbGluZQ=="), 0o600))

	keys, err := loadMasterKeys(config, testlog.HCLogger(t))
	must.NoError(t, err)
	must.Eq(t, "b2ZmbGluZQ==", keys.PubSig)
}

func TestLoadMasterKeys_MissingSigningKeyFails(t *testing.T) {
	ci.Parallel(t)

	config := testConfig(t)
	config.MasterSignPubkey = true
	must.NoError(t, crypt.SavePrivateKey(config.MasterKeyPath(), testRSAKey(t, 0)))

	_, err := loadMasterKeys(config, testlog.HCLogger(t))
	must.ErrorContains(t, err, "master_sign_pubkey")
}
