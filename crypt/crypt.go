// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package crypt implements the cryptographic primitives of the master core:
// the Crypticle AES-CBC+HMAC container used for all symmetric payloads, the
// RSA key handling for the handshake, per-minion session key derivation, and
// the process-wide secret vault.
package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/hashicorp/brine/helper/crypto"
)

const (
	// SecretSize is the length of a cluster or session secret: a 32-byte
	// AES-256 key followed by a 32-byte HMAC-SHA256 key.
	SecretSize = 64

	aesKeySize  = 32
	hmacSize    = sha256.Size
	aesBlock    = aes.BlockSize
)

var (
	// ErrAuthentication is returned when a Crypticle blob fails its HMAC
	// check or is structurally too short to carry one.
	ErrAuthentication = errors.New("message authentication failed")

	// ErrInvalidKey is returned for malformed or unparseable key material.
	// Key files are minion-supplied, so this must never panic the auth path.
	ErrInvalidKey = errors.New("invalid key")
)

// msgpackHandle serializes Crypticle bodies. The container format is
// msgpack, matching the rest of the wire protocol; untyped bodies decode as
// string-keyed mappings.
var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()

// GenerateSecret returns a fresh random secret suitable for seeding the
// cluster secret or a send_private per-recipient key.
func GenerateSecret() ([]byte, error) {
	return crypto.Bytes(SecretSize)
}

// Crypticle authenticates-then-encrypts msgpack bodies under a shared
// secret. The wire layout is iv || ciphertext || hmac(iv || ciphertext).
type Crypticle struct {
	aesKey  []byte
	hmacKey []byte
}

// NewCrypticle splits the shared secret into cipher and MAC keys.
func NewCrypticle(secret []byte) (*Crypticle, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d",
			ErrInvalidKey, SecretSize, len(secret))
	}
	return &Crypticle{
		aesKey:  secret[:aesKeySize],
		hmacKey: secret[aesKeySize:],
	}, nil
}

// Dumps serializes obj, optionally prepends nonce inside the plaintext for
// freshness binding, encrypts with AES-CBC under a random IV and appends an
// HMAC over iv || ciphertext.
func (c *Crypticle) Dumps(obj interface{}, nonce string) ([]byte, error) {
	var body bytes.Buffer
	body.WriteString(nonce)
	if err := codec.NewEncoder(&body, msgpackHandle).Encode(obj); err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %v", err)
	}

	plaintext := pkcs7Pad(body.Bytes())
	iv, err := crypto.Bytes(aesBlock)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	blob := make([]byte, aesBlock+len(plaintext), aesBlock+len(plaintext)+hmacSize)
	copy(blob, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(blob[aesBlock:], plaintext)

	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(blob)
	return mac.Sum(blob), nil
}

// Loads verifies the HMAC in constant time, decrypts, strips the expected
// nonce prefix when one is given, and deserializes into out. Any tamper or
// nonce mismatch returns ErrAuthentication.
func (c *Crypticle) Loads(blob []byte, nonce string, out interface{}) error {
	if len(blob) < aesBlock*2+hmacSize {
		return ErrAuthentication
	}

	sealed, tag := blob[:len(blob)-hmacSize], blob[len(blob)-hmacSize:]
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(sealed)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return ErrAuthentication
	}

	iv, ciphertext := sealed[:aesBlock], sealed[aesBlock:]
	if len(ciphertext)%aesBlock != 0 {
		return ErrAuthentication
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	body, err := pkcs7Unpad(plaintext)
	if err != nil {
		return ErrAuthentication
	}

	if nonce != "" {
		if len(body) < len(nonce) || string(body[:len(nonce)]) != nonce {
			return ErrAuthentication
		}
		body = body[len(nonce):]
	}

	if err := codec.NewDecoder(bytes.NewReader(body), msgpackHandle).Decode(out); err != nil {
		return fmt.Errorf("failed to deserialize payload: %v", err)
	}
	return nil
}

func pkcs7Pad(data []byte) []byte {
	n := aesBlock - len(data)%aesBlock
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aesBlock != 0 {
		return nil, fmt.Errorf("bad padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aesBlock || n > len(data) {
		return nil, fmt.Errorf("bad padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
