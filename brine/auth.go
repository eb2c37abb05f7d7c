// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"

	"github.com/hashicorp/brine/brine/stream"
	"github.com/hashicorp/brine/brine/structs"
	"github.com/hashicorp/brine/crypt"
	"github.com/hashicorp/brine/keystore"
)

// AuthEngine executes the handshake state machine. It owns no long-lived
// goroutines; the request server calls HandleAuth on its own channel, which
// keeps auth events for one minion ordered.
type AuthEngine struct {
	config  *Config
	keys    *MasterKeys
	store   *keystore.Store
	vault   *crypt.SecretVault
	emitter *stream.Emitter
	logger  log.Logger

	// limiter throttles handshake processing during auth storms. Nil when
	// auth_rate_limit is unset.
	limiter *rate.Limiter

	// connectedFn reports whether a minion is currently connected and how
	// many are, for the max_minions capacity check. Wired to the presence
	// tracker when presence is enabled.
	connectedFn func(id string) bool
	countFn     func() int

	// autoRejectFn and autoSignFn are the pluggable admission policies
	// evaluated for keys not yet accepted.
	autoRejectFn func(id string) bool
	autoSignFn   func(id string, grains map[string]interface{}) bool
}

// NewAuthEngine wires the handshake engine. presence may be nil, in which
// case the capacity check treats every requester as new against a count of
// zero connected minions.
func NewAuthEngine(config *Config, keys *MasterKeys, store *keystore.Store,
	vault *crypt.SecretVault, emitter *stream.Emitter, presence *PresenceTracker,
	logger log.Logger) *AuthEngine {

	a := &AuthEngine{
		config:  config,
		keys:    keys,
		store:   store,
		vault:   vault,
		emitter: emitter,
		logger:  logger.Named("auth"),
	}

	if config.AuthRateLimit > 0 {
		burst := int(config.AuthRateLimit)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(config.AuthRateLimit), burst)
	}

	if presence != nil {
		a.connectedFn = presence.Connected
		a.countFn = presence.Count
	} else {
		a.connectedFn = func(string) bool { return false }
		a.countFn = func() int { return 0 }
	}

	a.autoRejectFn = func(string) bool { return false }
	a.autoSignFn = func(_ string, grains map[string]interface{}) bool {
		if config.AutoAccept {
			return true
		}
		return grainsMatch(config.AutosignGrains, grains)
	}

	return a
}

// SetPolicies overrides the admission policies. Passing nil keeps the
// current policy for that slot.
func (a *AuthEngine) SetPolicies(autoReject func(string) bool, autoSign func(string, map[string]interface{}) bool) {
	if autoReject != nil {
		a.autoRejectFn = autoReject
	}
	if autoSign != nil {
		a.autoSignFn = autoSign
	}
}

// HandleAuth services a clear-text _auth load and returns the wire reply.
// Every terminal outcome emits a single auth event when auth_events is set.
func (a *AuthEngine) HandleAuth(ctx context.Context, env *structs.RequestEnvelope) interface{} {
	// Downgrade defense comes before anything touches the payload.
	if env.Version < a.config.MinimumAuthVersion {
		a.logger.Warn("refusing handshake below minimum auth version",
			"version", env.Version, "minimum", a.config.MinimumAuthVersion)
		metrics.IncrCounter([]string{"brine", "auth", "version_refused"}, 1)
		return structs.BadLoadReply
	}

	if a.limiter != nil && !a.limiter.Allow() {
		a.logger.Warn("throttling handshake, auth rate limit exceeded")
		metrics.IncrCounter([]string{"brine", "auth", "throttled"}, 1)
		return structs.BadLoadReply
	}

	load, err := env.ClearLoad()
	if err != nil {
		a.logger.Error("malformed auth load", "error", err)
		return structs.BadLoadReply
	}
	req, err := decodeAuthRequest(load)
	if err != nil {
		a.logger.Error("undecodable auth load", "error", err)
		return structs.BadLoadReply
	}

	if !keystore.ValidID(req.ID) {
		a.logger.Info("authentication request with invalid id", "id", req.ID)
		return a.failureReply(env.Version, req.Nonce, false)
	}

	if bad := a.checkAlgorithms(env.Version, req); bad != nil {
		return bad
	}

	// Capacity gate. Minions already connected re-auth freely; only new
	// minions count against max_minions.
	if a.config.MaxMinions > 0 && !a.connectedFn(req.ID) && a.countFn() >= a.config.MaxMinions {
		a.logger.Info("refusing minion, maximum minions reached", "minion", req.ID)
		a.emitAuth(ctx, false, stream.ActFull, req.ID, req.Pub)
		return a.failureReply(env.Version, req.Nonce, "full")
	}

	return a.runStateMachine(ctx, env.Version, req)
}

// runStateMachine walks the key lifecycle for the presented public key.
func (a *AuthEngine) runStateMachine(ctx context.Context, version int, req *structs.AuthRequest) interface{} {
	id := req.ID
	presented := []byte(req.Pub)
	if len(presented) == 0 {
		a.logger.Info("authentication request without a public key", "minion", id)
		return a.failureReply(version, req.Nonce, false)
	}

	if a.config.OpenMode {
		if err := a.store.StorePub(id, keystore.DirAccepted, presented); err != nil {
			a.logger.Error("failed to store key in open mode", "minion", id, "error", err)
			return a.failureReply(version, req.Nonce, false)
		}
		return a.accept(ctx, version, req, presented)
	}

	switch a.store.Status(id) {
	case keystore.StateRejected:
		a.logger.Info("authentication attempt from rejected minion", "minion", id)
		a.emitAuth(ctx, false, stream.ActReject, id, req.Pub)
		return a.failureReply(version, req.Nonce, false)

	case keystore.StateAccepted:
		stored, err := a.store.LoadPub(id, keystore.DirAccepted)
		if err != nil || !keysMatch(stored, presented) {
			// The accepted key is never mutated; the impostor key goes to
			// the denied archive.
			if aerr := a.store.ArchiveDenied(id, presented); aerr != nil {
				a.logger.Error("failed to archive denied key", "minion", id, "error", aerr)
			}
			a.logger.Warn("presented key does not match accepted key", "minion", id)
			a.emitAuth(ctx, false, stream.ActDenied, id, req.Pub)
			return a.failureReply(version, req.Nonce, false)
		}
		return a.accept(ctx, version, req, presented)

	case keystore.StatePending:
		return a.handlePending(ctx, version, req, presented)

	default: // absent
		return a.handleAbsent(ctx, version, req, presented)
	}
}

func (a *AuthEngine) handleAbsent(ctx context.Context, version int, req *structs.AuthRequest, presented []byte) interface{} {
	id := req.ID

	if a.autoRejectFn(id) {
		if err := a.store.StorePub(id, keystore.DirRejected, presented); err != nil {
			a.logger.Error("failed to store rejected key", "minion", id, "error", err)
		}
		a.logger.Info("auto-rejecting new minion", "minion", id)
		a.emitAuth(ctx, false, stream.ActReject, id, req.Pub)
		return a.failureReply(version, req.Nonce, false)
	}

	if !a.autoSignFn(id, req.AutosignGrains) {
		if err := a.store.StorePub(id, keystore.DirPending, presented); err != nil {
			a.logger.Error("failed to store pending key", "minion", id, "error", err)
			return a.failureReply(version, req.Nonce, false)
		}
		a.logger.Info("new minion key placed in pending", "minion", id)
		a.emitAuth(ctx, true, stream.ActPend, id, req.Pub)
		return a.pendReply(req.Nonce)
	}

	if err := a.store.StorePub(id, keystore.DirAccepted, presented); err != nil {
		a.logger.Error("failed to store accepted key", "minion", id, "error", err)
		return a.failureReply(version, req.Nonce, false)
	}
	return a.accept(ctx, version, req, presented)
}

func (a *AuthEngine) handlePending(ctx context.Context, version int, req *structs.AuthRequest, presented []byte) interface{} {
	id := req.ID

	if a.autoRejectFn(id) {
		if err := a.store.Move(id, keystore.DirPending, keystore.DirRejected); err != nil {
			a.logger.Error("failed to reject pending key", "minion", id, "error", err)
		}
		a.logger.Info("auto-rejecting pending minion", "minion", id)
		a.emitAuth(ctx, false, stream.ActReject, id, req.Pub)
		return a.failureReply(version, req.Nonce, false)
	}

	stored, err := a.store.LoadPub(id, keystore.DirPending)
	if err != nil {
		// The pending file vanished under us; treat the minion as new.
		return a.handleAbsent(ctx, version, req, presented)
	}

	if !keysMatch(stored, presented) {
		if aerr := a.store.ArchiveDenied(id, presented); aerr != nil {
			a.logger.Error("failed to archive denied key", "minion", id, "error", aerr)
		}
		a.logger.Warn("presented key does not match pending key", "minion", id)
		a.emitAuth(ctx, false, stream.ActDenied, id, req.Pub)
		return a.failureReply(version, req.Nonce, false)
	}

	if !a.autoSignFn(id, req.AutosignGrains) {
		a.logger.Info("minion remains pending operator action", "minion", id)
		a.emitAuth(ctx, true, stream.ActPend, id, req.Pub)
		return a.pendReply(req.Nonce)
	}

	if err := a.store.Move(id, keystore.DirPending, keystore.DirAccepted); err != nil {
		a.logger.Error("failed to promote pending key", "minion", id, "error", err)
		return a.failureReply(version, req.Nonce, false)
	}
	return a.accept(ctx, version, req, presented)
}

// accept builds the successful handshake reply: the cluster secret wrapped
// to the minion's key, authenticated by the master's signature over a
// SHA-256 digest of the wrapped bytes.
func (a *AuthEngine) accept(ctx context.Context, version int, req *structs.AuthRequest, presented []byte) interface{} {
	minionPub, err := crypt.ParsePubKeyPEM(presented)
	if err != nil {
		a.logger.Warn("accepted key does not parse", "minion", req.ID, "error", err)
		return a.failureReply(version, req.Nonce, false)
	}

	secret := a.vault.Secret()

	// A token proves the minion holds the private half of its key: it is a
	// nonce wrapped to our public key, returned re-wrapped to the minion's.
	var token, retToken []byte
	if len(req.Token) > 0 {
		token, err = crypt.OAEPDecrypt(a.keys.Private, req.Token, req.EncAlgo)
		if err != nil {
			a.logger.Warn("auth token does not decrypt", "minion", req.ID)
			token = nil
		}
	}

	aesPayload := secret
	if token != nil {
		if a.config.AuthMode >= 2 {
			aesPayload = make([]byte, 0, len(secret)+len(token))
			aesPayload = append(aesPayload, secret...)
			aesPayload = append(aesPayload, token...)
		} else {
			retToken, err = crypt.OAEPEncrypt(minionPub, token, req.EncAlgo)
			if err != nil {
				a.logger.Error("failed to re-wrap auth token", "minion", req.ID, "error", err)
				return a.failureReply(version, req.Nonce, false)
			}
		}
	}

	wrapped, err := crypt.OAEPEncrypt(minionPub, aesPayload, req.EncAlgo)
	if err != nil {
		a.logger.Error("failed to wrap cluster secret", "minion", req.ID, "error", err)
		return a.failureReply(version, req.Nonce, false)
	}
	sig, err := crypt.PrivateEncrypt(a.keys.Private, crypt.DigestSHA256(wrapped))
	if err != nil {
		a.logger.Error("failed to sign wrapped secret", "minion", req.ID, "error", err)
		return a.failureReply(version, req.Nonce, false)
	}

	a.logger.Info("authentication accepted", "minion", req.ID)
	metrics.IncrCounter([]string{"brine", "auth", "accepted"}, 1)
	a.emitAuth(ctx, true, stream.ActAccept, req.ID, req.Pub)

	return &structs.AuthReply{
		Enc:         structs.EncPub,
		PubKey:      a.keys.PubPEM,
		PubSig:      a.keys.PubSig,
		AES:         wrapped,
		Sig:         sig,
		Token:       retToken,
		PublishPort: a.config.PublishPort,
		Nonce:       req.Nonce,
	}
}

// checkAlgorithms enforces the algorithm negotiation rules. The envelope
// version is authoritative: a v3+ envelope asserting an unknown algorithm
// is refused outright rather than silently downgraded.
func (a *AuthEngine) checkAlgorithms(version int, req *structs.AuthRequest) interface{} {
	known := func(algo string, allowed ...string) bool {
		if algo == "" {
			return true
		}
		for _, ok := range allowed {
			if algo == ok {
				return true
			}
		}
		return false
	}

	encOK := known(req.EncAlgo, crypt.OAEPSHA1, crypt.OAEPSHA256)
	sigOK := known(req.SigAlgo, crypt.PKCS1SHA1, crypt.PKCS1SHA256)
	if encOK && sigOK {
		return nil
	}

	a.logger.Warn("handshake asserts unsupported algorithms",
		"minion", req.ID, "enc_algo", req.EncAlgo, "sig_algo", req.SigAlgo, "version", version)
	if version >= 2 {
		return structs.BadLoadReply
	}
	return a.failureReply(version, req.Nonce, false)
}

// failureReply builds the terminal deny reply. From protocol v2 the load is
// signed with the master key so a minion can tell genuine rejections from
// spoofed ones.
func (a *AuthEngine) failureReply(version int, nonce string, ret interface{}) interface{} {
	load := map[string]interface{}{"ret": ret}
	if nonce != "" {
		load["nonce"] = nonce
	}
	if version >= 2 {
		data, err := structs.Encode(load)
		if err != nil {
			return structs.BadLoadReply
		}
		sig, err := crypt.SignMessage(a.keys.Private, data, crypt.PKCS1SHA256)
		if err != nil {
			a.logger.Error("failed to sign auth failure reply", "error", err)
			return structs.BadLoadReply
		}
		return &structs.ClearReply{
			Enc:  structs.EncClear,
			Load: &structs.SignedBundle{Data: data, Sig: sig},
		}
	}
	return &structs.ClearReply{Enc: structs.EncClear, Load: load}
}

// pendReply tells the minion its key awaits operator action. The minion
// keeps retrying; this is not a failure, so it is not signed.
func (a *AuthEngine) pendReply(nonce string) interface{} {
	load := map[string]interface{}{"ret": true}
	if nonce != "" {
		load["nonce"] = nonce
	}
	return &structs.ClearReply{Enc: structs.EncClear, Load: load}
}

func (a *AuthEngine) emitAuth(ctx context.Context, result bool, act, id, pub string) {
	if !a.config.AuthEvents || a.emitter == nil {
		return
	}
	a.emitter.Emit(ctx, stream.TagAuth, map[string]interface{}{
		"result": result,
		"act":    act,
		"id":     id,
		"pub":    pub,
	})
}

// keysMatch compares two PEM public keys semantically, so whitespace or
// encoding differences in otherwise identical keys do not trigger the
// denied archive.
func keysMatch(stored, presented []byte) bool {
	sk, err := crypt.ParsePubKeyPEM(stored)
	if err != nil {
		return false
	}
	pk, err := crypt.ParsePubKeyPEM(presented)
	if err != nil {
		return false
	}
	return sk.Equal(pk)
}

// decodeAuthRequest maps the clear load mapping onto the typed auth
// request.
func decodeAuthRequest(load map[string]interface{}) (*structs.AuthRequest, error) {
	var req structs.AuthRequest
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &req,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(load); err != nil {
		return nil, fmt.Errorf("%w: %v", structs.ErrDecode, err)
	}
	if req.Cmd != structs.CmdAuth {
		return nil, fmt.Errorf("%w: clear command %q is not %s", structs.ErrDecode, req.Cmd, structs.CmdAuth)
	}
	return &req, nil
}

// grainsMatch implements the autosign_grains policy: any configured grain
// whose allowed values contain the minion's reported value admits the key.
func grainsMatch(allowed map[string][]string, grains map[string]interface{}) bool {
	if len(allowed) == 0 || len(grains) == 0 {
		return false
	}
	for grain, values := range allowed {
		reported, ok := grains[grain]
		if !ok {
			continue
		}
		for _, want := range values {
			switch rv := reported.(type) {
			case string:
				if rv == want {
					return true
				}
			case []interface{}:
				for _, item := range rv {
					if s, ok := item.(string); ok && s == want {
						return true
					}
				}
			}
		}
	}
	return false
}
