// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the wire structs spoken between the master and its
// minions, plus the worker pool configuration schema. The field names and
// reply literals are fixed by the Salt protocol; do not rename them.
package structs

import (
	"fmt"
)

const (
	// EncAES marks an envelope whose load is encrypted with the cluster
	// secret (protocol v2 and below) or a per-minion session key (v3+).
	EncAES = "aes"

	// EncClear marks an unencrypted envelope. Only the _auth command is
	// accepted on the clear channel.
	EncClear = "clear"

	// EncPub marks a successful auth reply whose aes field is RSA-wrapped to
	// the minion's public key.
	EncPub = "pub"

	// CmdAuth is the handshake command carried on the clear channel.
	CmdAuth = "_auth"

	// ProtocolVersion is the current envelope version. Version 3 introduced
	// per-minion session keys, timestamps and plaintext envelope IDs.
	ProtocolVersion = 3

	// BadLoadReply is the opaque reply literal for any request that fails
	// decoding, decryption, freshness or identity checks. The literal tells
	// the sender the transaction failed without disclosing why.
	BadLoadReply = "bad load"

	// ServerExceptionReply is returned when a registered handler panics.
	ServerExceptionReply = "Server-side exception handling payload"

	// TokenSentinel is the plaintext a minion signs with its private key to
	// prove possession of the key matching its stored public key.
	TokenSentinel = "salt"
)

// RequestEnvelope is the outer frame for every inbound request. For EncAES
// the Load is ciphertext bytes; for EncClear it is a plain mapping.
type RequestEnvelope struct {
	Enc     string      `codec:"enc"`
	Version int         `codec:"version"`
	ID      string      `codec:"id,omitempty"`
	Load    interface{} `codec:"load"`
}

// Ciphertext returns the encrypted load bytes of an EncAES envelope.
func (e *RequestEnvelope) Ciphertext() ([]byte, error) {
	switch load := e.Load.(type) {
	case []byte:
		return load, nil
	case string:
		return []byte(load), nil
	default:
		return nil, fmt.Errorf("%w: aes load is %T, not bytes", ErrDecode, e.Load)
	}
}

// ClearLoad returns the load of an EncClear envelope as a mapping.
func (e *RequestEnvelope) ClearLoad() (map[string]interface{}, error) {
	m, err := AsMapping(e.Load)
	if err != nil {
		return nil, fmt.Errorf("%w: clear load: %v", ErrDecode, err)
	}
	return m, nil
}

// AsMapping coerces a decoded msgpack value into a string-keyed map. Msgpack
// decoders may hand back either map flavor depending on the key types the
// sender used.
func AsMapping(v interface{}) (map[string]interface{}, error) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			out[ks] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value is %T, not a mapping", v)
	}
}

// LoadString pulls a string field out of a decoded load, tolerating the
// bytes-vs-string ambiguity of msgpack raw types.
func LoadString(load map[string]interface{}, field string) (string, bool) {
	v, ok := load[field]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

// LoadBytes pulls a byte field out of a decoded load.
func LoadBytes(load map[string]interface{}, field string) ([]byte, bool) {
	v, ok := load[field]
	if !ok || v == nil {
		return nil, false
	}
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	default:
		return nil, false
	}
}

// LoadInt64 pulls an integer field out of a decoded load. Msgpack decodes
// integers into whichever width fits, so accept them all.
func LoadInt64(load map[string]interface{}, field string) (int64, bool) {
	v, ok := load[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// AuthRequest is the clear-channel _auth load. It is decoded from the
// envelope's load mapping rather than straight off the wire so that the
// request server can validate the mapping shape first.
type AuthRequest struct {
	Cmd            string                 `mapstructure:"cmd"`
	ID             string                 `mapstructure:"id"`
	Pub            string                 `mapstructure:"pub"`
	Token          []byte                 `mapstructure:"token"`
	Nonce          string                 `mapstructure:"nonce"`
	EncAlgo        string                 `mapstructure:"enc_algo"`
	SigAlgo        string                 `mapstructure:"sig_algo"`
	AutosignGrains map[string]interface{} `mapstructure:"autosign_grains"`
}

// AuthReply is the successful handshake reply. AES is the cluster secret
// (optionally concatenated with the returned token under auth_mode >= 2)
// wrapped to the minion's public key; Sig is the master's signature over a
// SHA-256 digest of the wrapped bytes.
type AuthReply struct {
	Enc         string `codec:"enc"`
	PubKey      string `codec:"pub_key"`
	PubSig      string `codec:"pub_sig,omitempty"`
	AES         []byte `codec:"aes"`
	Sig         []byte `codec:"sig"`
	Token       []byte `codec:"token,omitempty"`
	PublishPort int    `codec:"publish_port"`
	Nonce       string `codec:"nonce,omitempty"`
}

// ClearReply is an unencrypted reply envelope, used for handshake failures
// and deferred (pending) outcomes.
type ClearReply struct {
	Enc  string      `codec:"enc"`
	Load interface{} `codec:"load"`
}

// AESReply is an encrypted reply envelope for the request path.
type AESReply struct {
	Enc  string `codec:"enc"`
	Load []byte `codec:"load"`
}

// SignedBundle pairs serialized data with the master's signature over it.
// Used for v2+ handshake failures (so minions can tell genuine rejections
// from spoofed ones) and for signed send_private payloads.
type SignedBundle struct {
	Data []byte `codec:"data"`
	Sig  []byte `codec:"sig"`
}

// PrivateKeyedLoad is the plaintext of a send_private reply: a fresh
// symmetric key wrapped to the recipient plus the payload encrypted with it.
type PrivateKeyedLoad struct {
	Key    []byte      `codec:"key"`
	Pillar interface{} `codec:"pillar"`
	Nonce  string      `codec:"nonce,omitempty"`
}

// PublishLoad is the caller-facing publish payload. Serial is injected by
// the publisher from the secret vault; callers leave it zero.
type PublishLoad struct {
	Fun     string        `codec:"fun"`
	Arg     []interface{} `codec:"arg,omitempty"`
	Tgt     interface{}   `codec:"tgt"`
	TgtType string        `codec:"tgt_type"`
	JID     string        `codec:"jid,omitempty"`
	Ret     string        `codec:"ret,omitempty"`
	User    string        `codec:"user,omitempty"`
	Serial  uint64        `codec:"serial,omitempty"`
}

// Target types understood by the publisher's topic computation.
const (
	TgtGlob = "glob"
	TgtPCRE = "pcre"
	TgtList = "list"
)

// PublishEnvelope is the encrypted publish frame before transport framing.
type PublishEnvelope struct {
	Enc  string `codec:"enc"`
	Load []byte `codec:"load"`
	Sig  []byte `codec:"sig,omitempty"`
}

// PublishMessage is the transport-framed publish message. TopicList is only
// populated on topic-capable transports.
type PublishMessage struct {
	Payload   []byte   `codec:"payload"`
	TopicList []string `codec:"topic_lst,omitempty"`
}

// ReplyMode selects how the request server packages a handler's result.
type ReplyMode uint8

const (
	// ReplySend encrypts the result with the requester's session key (or the
	// cluster secret below v3), binding the request nonce when present.
	ReplySend ReplyMode = iota

	// ReplySendClear returns the result unencrypted.
	ReplySendClear

	// ReplySendPrivate wraps the result to a specific recipient's accepted
	// public key with a fresh symmetric key.
	ReplySendPrivate
)

func (m ReplyMode) String() string {
	switch m {
	case ReplySend:
		return "send"
	case ReplySendClear:
		return "send_clear"
	case ReplySendPrivate:
		return "send_private"
	default:
		return fmt.Sprintf("ReplyMode(%d)", m)
	}
}

// Response is the tagged variant returned by payload handlers. Recipient is
// only consulted for ReplySendPrivate.
type Response struct {
	Mode      ReplyMode
	Result    interface{}
	Recipient string
}
