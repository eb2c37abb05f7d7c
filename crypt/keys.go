// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package crypt

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"hash"
	"os"
)

// DefaultKeySize is the RSA modulus size for generated master and minion
// keys.
const DefaultKeySize = 4096

// Algorithm identifiers negotiated in the handshake's enc_algo/sig_algo
// fields. SHA-1 remains the default for compatibility with existing
// minions; SHA-256 is used when the minion negotiates it.
const (
	OAEPSHA1   = "OAEP-SHA1"
	OAEPSHA256 = "OAEP-SHA256"

	PKCS1SHA1   = "PKCS1v15-SHA1"
	PKCS1SHA256 = "PKCS1v15-SHA256"
)

// GenerateKeyPair produces a fresh RSA private key. A bits value below the
// default is raised to it; undersized master keys are never generated.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits < DefaultKeySize {
		bits = DefaultKeySize
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %v", err)
	}
	return key, nil
}

// LoadPrivateKey reads a PEM-encoded RSA private key from disk, accepting
// both PKCS#1 and PKCS#8 encodings.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", ErrInvalidKey, path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an RSA key", ErrInvalidKey, path)
	}
	return key, nil
}

// SavePrivateKey writes a private key to disk in PKCS#1 PEM form with owner
// only permissions.
func SavePrivateKey(path string, key *rsa.PrivateKey) error {
	blob := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return os.WriteFile(path, blob, 0o600)
}

// EncodePubKeyPEM renders a public key in PKIX PEM form, the on-disk and
// on-wire representation for all public keys.
func EncodePubKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %v", err)
	}
	blob := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(blob), nil
}

// SavePubKey writes a public key to disk in PKIX PEM form.
func SavePubKey(path string, pub *rsa.PublicKey) error {
	blob, err := EncodePubKeyPEM(pub)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(blob), 0o644)
}

// ParsePubKeyPEM parses a PEM public key. Minions present these over the
// wire, so malformed input returns ErrInvalidKey rather than panicking the
// auth path. Both PKIX and PKCS#1 encodings are accepted.
func ParsePubKeyPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA public key", ErrInvalidKey)
		}
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// GetRSAPubKey loads and parses a PEM public key file.
func GetRSAPubKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePubKeyPEM(raw)
}

// OAEPEncrypt wraps data to the recipient's public key. The hash is SHA-1
// unless the recipient negotiated OAEP-SHA256.
func OAEPEncrypt(pub *rsa.PublicKey, data []byte, encAlgo string) ([]byte, error) {
	h, err := oaepHash(encAlgo)
	if err != nil {
		return nil, err
	}
	out, err := rsa.EncryptOAEP(h, rand.Reader, pub, data, nil)
	if err != nil {
		return nil, fmt.Errorf("OAEP encryption failed: %v", err)
	}
	return out, nil
}

// OAEPDecrypt unwraps data encrypted to our private key.
func OAEPDecrypt(priv *rsa.PrivateKey, data []byte, encAlgo string) ([]byte, error) {
	h, err := oaepHash(encAlgo)
	if err != nil {
		return nil, err
	}
	out, err := rsa.DecryptOAEP(h, rand.Reader, priv, data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: OAEP decryption failed", ErrAuthentication)
	}
	return out, nil
}

// SignMessage produces a PKCS#1 v1.5 signature over data.
func SignMessage(priv *rsa.PrivateKey, data []byte, sigAlgo string) ([]byte, error) {
	ch, err := sigHash(sigAlgo)
	if err != nil {
		return nil, err
	}
	h := ch.New()
	h.Write(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, ch, h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("signing failed: %v", err)
	}
	return sig, nil
}

// VerifySignature checks a PKCS#1 v1.5 signature over data.
func VerifySignature(pub *rsa.PublicKey, data, sig []byte, sigAlgo string) error {
	ch, err := sigHash(sigAlgo)
	if err != nil {
		return err
	}
	h := ch.New()
	h.Write(data)
	if err := rsa.VerifyPKCS1v15(pub, ch, h.Sum(nil), sig); err != nil {
		return fmt.Errorf("%w: bad signature", ErrAuthentication)
	}
	return nil
}

// PrivateEncrypt signs a pre-hashed digest with a raw PKCS#1 v1.5 operation.
// Used to authenticate the wrapped cluster secret in the handshake reply,
// where the digest is computed by the caller.
func PrivateEncrypt(priv *rsa.PrivateKey, digest []byte) ([]byte, error) {
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.Hash(0), digest)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %v", err)
	}
	return sig, nil
}

// PublicDecrypt verifies a PrivateEncrypt signature against the expected
// digest.
func PublicDecrypt(pub *rsa.PublicKey, digest, sig []byte) error {
	if err := rsa.VerifyPKCS1v15(pub, crypto.Hash(0), digest, sig); err != nil {
		return fmt.Errorf("%w: bad signature", ErrAuthentication)
	}
	return nil
}

// DigestSHA256 is the digest used with PrivateEncrypt for the handshake
// reply's sig field.
func DigestSHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func oaepHash(encAlgo string) (hash.Hash, error) {
	switch encAlgo {
	case "", OAEPSHA1:
		return sha1.New(), nil
	case OAEPSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported encryption algorithm %q", encAlgo)
	}
}

func sigHash(sigAlgo string) (crypto.Hash, error) {
	switch sigAlgo {
	case "", PKCS1SHA1:
		return crypto.SHA1, nil
	case PKCS1SHA256:
		return crypto.SHA256, nil
	default:
		return 0, fmt.Errorf("unsupported signature algorithm %q", sigAlgo)
	}
}
