// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/brine/brine/structs"
	"github.com/hashicorp/brine/crypt"
	"github.com/hashicorp/brine/keystore"
)

// nowFn is swapped out by tests exercising TTL expiry.
var nowFn = time.Now

// PayloadHandler services a decrypted, validated request and returns the
// tagged result. The pool dispatcher is the production implementation.
type PayloadHandler interface {
	Dispatch(ctx context.Context, req *Request) (*structs.Response, error)
}

// RequestServer is the master's request channel. It owns decryption,
// identity and freshness validation, and reply packaging; the payload
// semantics live behind the PayloadHandler. Every validation failure
// collapses to the same opaque reply so a probing sender learns nothing
// about which check tripped.
type RequestServer struct {
	config  *Config
	keys    *MasterKeys
	store   *keystore.Store
	vault   *crypt.SecretVault
	auth    *AuthEngine
	handler PayloadHandler

	logger log.Logger
}

// NewRequestServer wires the request channel.
func NewRequestServer(config *Config, keys *MasterKeys, store *keystore.Store,
	vault *crypt.SecretVault, auth *AuthEngine, handler PayloadHandler,
	logger log.Logger) *RequestServer {

	return &RequestServer{
		config:  config,
		keys:    keys,
		store:   store,
		vault:   vault,
		auth:    auth,
		handler: handler,
		logger:  logger.Named("request"),
	}
}

// HandleMessage services one raw transport message and returns the single
// serialized reply blob. Transport errors aside, it always returns a reply.
func (s *RequestServer) HandleMessage(ctx context.Context, raw []byte) []byte {
	var env structs.RequestEnvelope
	if err := structs.Decode(raw, &env); err != nil {
		s.logger.Warn("undecodable request envelope", "error", err)
		return s.encodeReply(structs.BadLoadReply)
	}
	return s.encodeReply(s.HandleEnvelope(ctx, &env))
}

func (s *RequestServer) encodeReply(reply interface{}) []byte {
	out, err := structs.Encode(reply)
	if err != nil {
		s.logger.Error("failed to encode reply", "error", err)
		out, _ = structs.Encode(structs.BadLoadReply)
	}
	return out
}

// HandleEnvelope runs the request contract against a decoded envelope and
// returns the reply value before serialization.
func (s *RequestServer) HandleEnvelope(ctx context.Context, env *structs.RequestEnvelope) interface{} {
	if env.Version < s.config.MinimumAuthVersion {
		s.logger.Warn("request below minimum auth version",
			"version", env.Version, "minimum", s.config.MinimumAuthVersion)
		metrics.IncrCounter([]string{"brine", "request", "bad_load"}, 1)
		return structs.BadLoadReply
	}

	switch env.Enc {
	case structs.EncClear:
		return s.handleClear(ctx, env)
	case structs.EncAES:
		return s.handleAES(ctx, env)
	default:
		s.logger.Warn("request with unknown enc", "enc", env.Enc)
		metrics.IncrCounter([]string{"brine", "request", "bad_load"}, 1)
		return structs.BadLoadReply
	}
}

// handleClear admits exactly one command on the clear channel: _auth.
func (s *RequestServer) handleClear(ctx context.Context, env *structs.RequestEnvelope) interface{} {
	load, err := env.ClearLoad()
	if err != nil {
		s.logger.Warn("malformed clear load", "error", err)
		return structs.BadLoadReply
	}
	cmd, _ := structs.LoadString(load, "cmd")
	if cmd != structs.CmdAuth {
		s.logger.Warn("refusing non-auth command on clear channel", "cmd", cmd)
		metrics.IncrCounter([]string{"brine", "request", "clear_refused"}, 1)
		return structs.BadLoadReply
	}
	return s.auth.HandleAuth(ctx, env)
}

func (s *RequestServer) handleAES(ctx context.Context, env *structs.RequestEnvelope) interface{} {
	if env.Version >= 3 && !keystore.ValidID(env.ID) {
		s.logger.Warn("aes envelope with invalid id", "id", env.ID)
		return structs.BadLoadReply
	}

	blob, err := env.Ciphertext()
	if err != nil {
		s.logger.Warn("malformed aes load", "error", err)
		return structs.BadLoadReply
	}

	cry, load, err := s.decryptLoad(env, blob)
	if err != nil {
		s.logger.Warn("could not decrypt request", "minion", env.ID, "error", err)
		metrics.IncrCounter([]string{"brine", "request", "bad_load"}, 1)
		return structs.BadLoadReply
	}

	minionID, ok := s.checkIdentity(env, load)
	if !ok {
		return structs.BadLoadReply
	}

	if env.Version >= 3 && !s.checkFreshness(minionID, load) {
		return structs.BadLoadReply
	}

	if env.Version >= 3 && !s.checkToken(minionID, load) {
		return structs.BadLoadReply
	}

	var nonce string
	if env.Version >= 2 {
		nonce, _ = structs.LoadString(load, "nonce")
	}

	cmd, ok := structs.LoadString(load, "cmd")
	if !ok || cmd == "" {
		s.logger.Warn("request without a command", "minion", minionID)
		return structs.BadLoadReply
	}

	req := &Request{
		Envelope: env,
		Load:     load,
		Cmd:      cmd,
		MinionID: minionID,
		Nonce:    nonce,
	}

	resp, err := s.handler.Dispatch(ctx, req)
	if err != nil {
		s.logger.Error("payload handler failed", "cmd", cmd, "minion", minionID, "error", err)
		return structs.BadLoadReply
	}

	return s.packageReply(cry, env.Version, nonce, resp)
}

// decryptLoad selects the session key for v3+ or the cluster secret for
// older envelopes, then decrypts. On an authentication failure the vault is
// re-read and the decrypt retried once, covering the window where another
// component rotated the secret after our snapshot.
func (s *RequestServer) decryptLoad(env *structs.RequestEnvelope, blob []byte) (*crypt.Crypticle, map[string]interface{}, error) {
	secret := s.vault.Secret()
	cry, load, err := s.decryptWith(secret, env, blob)
	if err == nil {
		return cry, load, nil
	}
	if !errors.Is(err, crypt.ErrAuthentication) {
		return nil, nil, err
	}

	refreshed := s.vault.Secret()
	if bytes.Equal(secret, refreshed) {
		return nil, nil, err
	}
	s.logger.Debug("retrying decrypt after vault refresh", "minion", env.ID)
	return s.decryptWith(refreshed, env, blob)
}

func (s *RequestServer) decryptWith(secret []byte, env *structs.RequestEnvelope, blob []byte) (*crypt.Crypticle, map[string]interface{}, error) {
	var cry *crypt.Crypticle
	var err error
	if env.Version >= 3 {
		cry, err = crypt.SessionCrypticle(secret, env.ID)
	} else {
		cry, err = crypt.NewCrypticle(secret)
	}
	if err != nil {
		return nil, nil, err
	}

	var decoded interface{}
	if err := cry.Loads(blob, "", &decoded); err != nil {
		return nil, nil, err
	}
	load, err := structs.AsMapping(decoded)
	if err != nil {
		return nil, nil, err
	}
	return cry, load, nil
}

// checkIdentity enforces the inner/outer ID binding. The session key already
// ties a v3+ ciphertext to the outer ID; this catches a minion lying about
// itself inside its own encrypted load.
func (s *RequestServer) checkIdentity(env *structs.RequestEnvelope, load map[string]interface{}) (string, bool) {
	innerID, present := structs.LoadString(load, "id")
	if present && strings.ContainsRune(innerID, 0) {
		s.logger.Warn("request id contains a null byte")
		return "", false
	}

	if env.Version >= 3 {
		if present && innerID != env.ID {
			s.logger.Warn("request id mismatch", "envelope_id", env.ID, "load_id", innerID)
			metrics.IncrCounter([]string{"brine", "request", "id_mismatch"}, 1)
			return "", false
		}
		return env.ID, true
	}
	return innerID, true
}

// checkFreshness bounds the request timestamp by request_server_ttl.
func (s *RequestServer) checkFreshness(minionID string, load map[string]interface{}) bool {
	ts, ok := structs.LoadInt64(load, "ts")
	if !ok {
		s.logger.Warn("request without timestamp", "minion", minionID)
		return false
	}
	age := nowFn().Unix() - ts
	if age > int64(s.config.RequestServerTTL/time.Second) {
		s.logger.Warn("dropping request with expired ttl", "minion", minionID, "age_seconds", age)
		metrics.IncrCounter([]string{"brine", "request", "expired_ttl"}, 1)
		return false
	}
	return true
}

// checkToken verifies the request token against the minion's stored
// accepted key when one is carried. The presented key is never archived
// from the request path.
func (s *RequestServer) checkToken(minionID string, load map[string]interface{}) bool {
	tok, present := structs.LoadBytes(load, "tok")
	if !present {
		return true
	}
	pub, err := s.store.PubKey(minionID)
	if err != nil {
		s.logger.Warn("request token from minion without accepted key", "minion", minionID)
		return false
	}
	if err := crypt.PublicDecrypt(pub, []byte(structs.TokenSentinel), tok); err != nil {
		s.logger.Warn("request token does not verify", "minion", minionID)
		metrics.IncrCounter([]string{"brine", "request", "bad_token"}, 1)
		return false
	}
	return true
}

// packageReply turns a tagged handler result into the wire reply.
func (s *RequestServer) packageReply(cry *crypt.Crypticle, version int, nonce string, resp *structs.Response) interface{} {
	switch resp.Mode {
	case structs.ReplySendClear:
		return resp.Result

	case structs.ReplySendPrivate:
		return s.sendPrivate(version, nonce, resp)

	default: // ReplySend
		blob, err := cry.Dumps(resp.Result, nonce)
		if err != nil {
			s.logger.Error("failed to encrypt reply", "error", err)
			return structs.BadLoadReply
		}
		return &structs.AESReply{Enc: structs.EncAES, Load: blob}
	}
}

// sendPrivate wraps the result to a specific recipient with a fresh
// symmetric key. When the recipient has no accepted key the reply is an
// empty payload encrypted under an unwrappable key, indistinguishable from
// a real one.
func (s *RequestServer) sendPrivate(version int, nonce string, resp *structs.Response) interface{} {
	key, err := crypt.GenerateSecret()
	if err != nil {
		s.logger.Error("failed to generate private reply key", "error", err)
		return structs.BadLoadReply
	}
	cry, err := crypt.NewCrypticle(key)
	if err != nil {
		return structs.BadLoadReply
	}

	result := resp.Result
	var wrappedKey []byte
	pub, err := s.store.PubKey(resp.Recipient)
	if err != nil {
		s.logger.Warn("private reply for minion without accepted key", "minion", resp.Recipient)
		result = map[string]interface{}{}
	} else {
		wrappedKey, err = crypt.OAEPEncrypt(pub, key, "")
		if err != nil {
			s.logger.Error("failed to wrap private reply key", "minion", resp.Recipient, "error", err)
			return structs.BadLoadReply
		}
	}

	pillar, err := cry.Dumps(result, nonce)
	if err != nil {
		s.logger.Error("failed to encrypt private reply", "error", err)
		return structs.BadLoadReply
	}

	load := &structs.PrivateKeyedLoad{
		Key:    wrappedKey,
		Pillar: pillar,
		Nonce:  nonce,
	}

	if s.config.SignMessages && version >= 2 {
		data, err := structs.Encode(load)
		if err != nil {
			return structs.BadLoadReply
		}
		sig, err := crypt.SignMessage(s.keys.Private, data, crypt.PKCS1SHA256)
		if err != nil {
			s.logger.Error("failed to sign private reply", "error", err)
			return structs.BadLoadReply
		}
		return &structs.SignedBundle{Data: data, Sig: sig}
	}
	return load
}
