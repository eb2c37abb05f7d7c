// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/brine/crypt"
)

// pubkeySignatureFile holds the base64 precomputed signature over the
// master public key, made by the offline signing key.
const pubkeySignatureFile = "master_pubkey_signature"

// MasterKeys is the master's long-lived RSA pair plus the optional offline
// pubkey signature served when master_sign_pubkey is enabled. Immutable for
// the master's runtime.
type MasterKeys struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey

	// PubPEM is the on-wire PEM form of the public key, precomputed once.
	PubPEM string

	// PubSig is base64 of the signature over PubPEM, empty unless
	// master_sign_pubkey is set.
	PubSig string
}

// loadMasterKeys reads the master keypair from pki_dir, generating a fresh
// pair on first start. When master_sign_pubkey is set the precomputed
// signature file is preferred; absent that, the offline signing key is used
// to compute one.
func loadMasterKeys(config *Config, logger log.Logger) (*MasterKeys, error) {
	keyPath := config.MasterKeyPath()

	priv, err := crypt.LoadPrivateKey(keyPath)
	if os.IsNotExist(err) {
		logger.Info("generating master key pair", "path", keyPath)
		priv, err = crypt.GenerateKeyPair(crypt.DefaultKeySize)
		if err != nil {
			return nil, err
		}
		if err := crypt.SavePrivateKey(keyPath, priv); err != nil {
			return nil, err
		}
		if err := crypt.SavePubKey(config.MasterPubPath(), &priv.PublicKey); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("could not load master key: %w", err)
	}

	pubPEM, err := crypt.EncodePubKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	keys := &MasterKeys{
		Private: priv,
		Public:  &priv.PublicKey,
		PubPEM:  pubPEM,
	}

	if config.MasterSignPubkey {
		sig, err := loadOrComputePubSig(config, pubPEM, logger)
		if err != nil {
			return nil, err
		}
		keys.PubSig = sig
	}

	return keys, nil
}

// loadOrComputePubSig returns the base64 signature over the master public
// key PEM.
func loadOrComputePubSig(config *Config, pubPEM string, logger log.Logger) (string, error) {
	sigPath := filepath.Join(config.PKIDir, pubkeySignatureFile)
	if raw, err := os.ReadFile(sigPath); err == nil {
		return string(raw), nil
	}

	signPriv, err := crypt.LoadPrivateKey(config.SignKeyPath())
	if err != nil {
		return "", fmt.Errorf("master_sign_pubkey is set but neither %s nor %s is usable: %w",
			pubkeySignatureFile, config.SignKeyPath(), err)
	}
	logger.Info("computing master pubkey signature from signing key")
	sig, err := crypt.SignMessage(signPriv, []byte(pubPEM), crypt.PKCS1SHA256)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
