// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/brine/brine/structs"
	"github.com/hashicorp/brine/ci"
	"github.com/hashicorp/brine/crypt"
	"github.com/hashicorp/brine/helper/codec"
	"github.com/hashicorp/brine/helper/testlog"
	"github.com/hashicorp/brine/keystore"
)

// recordingHandler is a PayloadHandler capturing what reaches it.
type recordingHandler struct {
	calls   int
	lastReq *Request
	resp    *structs.Response
	err     error
}

func (h *recordingHandler) Dispatch(_ context.Context, req *Request) (*structs.Response, error) {
	h.calls++
	h.lastReq = req
	if h.resp == nil {
		return &structs.Response{Mode: structs.ReplySend, Result: map[string]interface{}{"ret": true}}, h.err
	}
	return h.resp, h.err
}

func newTestRequestServer(t *testing.T, config *Config) (*RequestServer, *testCore, *recordingHandler) {
	t.Helper()
	core := newTestCore(t, config)
	handler := &recordingHandler{}
	server := NewRequestServer(core.config, core.keys, core.store, core.vault,
		core.auth, handler, testlog.HCLogger(t))
	return server, core, handler
}

// sealedEnvelope encrypts a load under the minion's session key.
func sealedEnvelope(t *testing.T, secret []byte, id string, load map[string]interface{}) *structs.RequestEnvelope {
	t.Helper()
	cry, err := crypt.SessionCrypticle(secret, id)
	must.NoError(t, err)
	blob, err := cry.Dumps(load, "")
	must.NoError(t, err)
	return &structs.RequestEnvelope{
		Enc:     structs.EncAES,
		Version: structs.ProtocolVersion,
		ID:      id,
		Load:    blob,
	}
}

func requestLoad(id, cmd string) map[string]interface{} {
	return map[string]interface{}{
		"cmd":   cmd,
		"id":    id,
		"ts":    time.Now().Unix(),
		"nonce": "n-1",
	}
}

func TestRequestServer_VersionGate(t *testing.T) {
	ci.Parallel(t)
	server, core, handler := newTestRequestServer(t, nil)

	env := sealedEnvelope(t, core.vault.Secret(), "web1", requestLoad("web1", "ping"))
	env.Version = 2
	reply := server.HandleEnvelope(context.Background(), env)
	require.Equal(t, structs.BadLoadReply, reply)
	must.Zero(t, handler.calls)
}

func TestRequestServer_ClearOnlyAuth(t *testing.T) {
	ci.Parallel(t)
	server, _, handler := newTestRequestServer(t, nil)

	env := &structs.RequestEnvelope{
		Enc:     structs.EncClear,
		Version: structs.ProtocolVersion,
		Load:    map[string]interface{}{"cmd": "ping"},
	}
	reply := server.HandleEnvelope(context.Background(), env)
	require.Equal(t, structs.BadLoadReply, reply)
	must.Zero(t, handler.calls)
}

func TestRequestServer_ClearAuthRoutes(t *testing.T) {
	ci.Parallel(t)
	server, _, handler := newTestRequestServer(t, nil)

	minion := testRSAKey(t, 1)
	env := authEnvelope(structs.ProtocolVersion, authLoad("web1", testPubPEM(t, minion)))
	reply := server.HandleEnvelope(context.Background(), env)

	// default policy pends new keys
	clear, ok := reply.(*structs.ClearReply)
	must.True(t, ok, must.Sprintf("reply is %T", reply))
	load, err := structs.AsMapping(clear.Load)
	must.NoError(t, err)
	require.Equal(t, true, load["ret"])
	must.Zero(t, handler.calls)
}

func TestRequestServer_SendRoundTrip(t *testing.T) {
	ci.Parallel(t)
	server, core, handler := newTestRequestServer(t, nil)
	handler.resp = &structs.Response{
		Mode:   structs.ReplySend,
		Result: map[string]interface{}{"ret": "pong"},
	}

	env := sealedEnvelope(t, core.vault.Secret(), "web1", requestLoad("web1", "ping"))
	reply := server.HandleEnvelope(context.Background(), env)

	aes, ok := reply.(*structs.AESReply)
	must.True(t, ok, must.Sprintf("reply is %T", reply))
	must.Eq(t, structs.EncAES, aes.Enc)

	// the reply decrypts under the same session key with the request nonce
	// bound inside
	cry, err := crypt.SessionCrypticle(core.vault.Secret(), "web1")
	must.NoError(t, err)
	var decoded interface{}
	must.NoError(t, cry.Loads(aes.Load, "n-1", &decoded))
	result, err := structs.AsMapping(decoded)
	must.NoError(t, err)
	require.Equal(t, "pong", result["ret"])

	must.Eq(t, 1, handler.calls)
	must.Eq(t, "ping", handler.lastReq.Cmd)
	must.Eq(t, "web1", handler.lastReq.MinionID)
	must.Eq(t, "n-1", handler.lastReq.Nonce)
}

func TestRequestServer_TTLExpiry(t *testing.T) {
	ci.Parallel(t)
	config := testConfig(t)
	config.RequestServerTTL = 60 * time.Second
	server, core, handler := newTestRequestServer(t, config)

	load := requestLoad("web1", "ping")
	load["ts"] = time.Now().Add(-61 * time.Second).Unix()
	env := sealedEnvelope(t, core.vault.Secret(), "web1", load)

	reply := server.HandleEnvelope(context.Background(), env)
	require.Equal(t, structs.BadLoadReply, reply)
	must.Zero(t, handler.calls)
}

func TestRequestServer_MissingTimestamp(t *testing.T) {
	ci.Parallel(t)
	server, core, handler := newTestRequestServer(t, nil)

	load := requestLoad("web1", "ping")
	delete(load, "ts")
	env := sealedEnvelope(t, core.vault.Secret(), "web1", load)

	reply := server.HandleEnvelope(context.Background(), env)
	require.Equal(t, structs.BadLoadReply, reply)
	must.Zero(t, handler.calls)
}

func TestRequestServer_IdentityMismatch(t *testing.T) {
	ci.Parallel(t)
	server, core, handler := newTestRequestServer(t, nil)

	// inner id lies about the sender; the envelope id selected the session
	// key so the ciphertext itself is valid
	env := sealedEnvelope(t, core.vault.Secret(), "web1", requestLoad("db9", "ping"))
	reply := server.HandleEnvelope(context.Background(), env)
	require.Equal(t, structs.BadLoadReply, reply)
	must.Zero(t, handler.calls)
}

func TestRequestServer_WrongKey(t *testing.T) {
	ci.Parallel(t)
	server, core, handler := newTestRequestServer(t, nil)

	// sealed under web1's session key but claiming db9 on the envelope
	env := sealedEnvelope(t, core.vault.Secret(), "web1", requestLoad("db9", "ping"))
	env.ID = "db9"
	reply := server.HandleEnvelope(context.Background(), env)
	require.Equal(t, structs.BadLoadReply, reply)
	must.Zero(t, handler.calls)
}

func TestRequestServer_StaleSecretAfterRotation(t *testing.T) {
	ci.Parallel(t)
	server, core, handler := newTestRequestServer(t, nil)

	env := sealedEnvelope(t, core.vault.Secret(), "web1", requestLoad("web1", "ping"))
	_, err := core.vault.Rotate()
	must.NoError(t, err)

	reply := server.HandleEnvelope(context.Background(), env)
	require.Equal(t, structs.BadLoadReply, reply)
	must.Zero(t, handler.calls)
}

func TestRequestServer_TokenVerification(t *testing.T) {
	ci.Parallel(t)
	server, core, handler := newTestRequestServer(t, nil)

	minion := testRSAKey(t, 1)
	impostor := testRSAKey(t, 2)
	must.NoError(t, core.store.StorePub("web1", keystore.DirAccepted, []byte(testPubPEM(t, minion))))

	good, err := crypt.PrivateEncrypt(minion, []byte(structs.TokenSentinel))
	must.NoError(t, err)
	load := requestLoad("web1", "ping")
	load["tok"] = good
	reply := server.HandleEnvelope(context.Background(), sealedEnvelope(t, core.vault.Secret(), "web1", load))
	_, ok := reply.(*structs.AESReply)
	must.True(t, ok, must.Sprintf("valid token should pass, got %v", reply))
	must.Eq(t, 1, handler.calls)

	bad, err := crypt.PrivateEncrypt(impostor, []byte(structs.TokenSentinel))
	must.NoError(t, err)
	load = requestLoad("web1", "ping")
	load["tok"] = bad
	reply = server.HandleEnvelope(context.Background(), sealedEnvelope(t, core.vault.Secret(), "web1", load))
	require.Equal(t, structs.BadLoadReply, reply)
	must.Eq(t, 1, handler.calls)
}

func TestRequestServer_SendClear(t *testing.T) {
	ci.Parallel(t)
	server, core, handler := newTestRequestServer(t, nil)
	handler.resp = &structs.Response{
		Mode:   structs.ReplySendClear,
		Result: map[string]interface{}{"ret": false, "error": "unknown command"},
	}

	env := sealedEnvelope(t, core.vault.Secret(), "web1", requestLoad("web1", "nope"))
	reply := server.HandleEnvelope(context.Background(), env)
	result, err := structs.AsMapping(reply)
	must.NoError(t, err)
	require.Equal(t, false, result["ret"])
}

func TestRequestServer_SendPrivate(t *testing.T) {
	ci.Parallel(t)
	config := testConfig(t)
	config.SignMessages = true
	server, core, handler := newTestRequestServer(t, config)

	recipient := testRSAKey(t, 1)
	must.NoError(t, core.store.StorePub("web1", keystore.DirAccepted, []byte(testPubPEM(t, recipient))))

	handler.resp = &structs.Response{
		Mode:      structs.ReplySendPrivate,
		Result:    map[string]interface{}{"pillar": "secret-value"},
		Recipient: "web1",
	}

	env := sealedEnvelope(t, core.vault.Secret(), "web1", requestLoad("web1", "pillar"))
	reply := server.HandleEnvelope(context.Background(), env)

	bundle, ok := reply.(*structs.SignedBundle)
	must.True(t, ok, must.Sprintf("reply is %T, not a signed bundle", reply))
	must.NoError(t, crypt.VerifySignature(core.keys.Public, bundle.Data, bundle.Sig, crypt.PKCS1SHA256))

	var keyed structs.PrivateKeyedLoad
	must.NoError(t, structs.Decode(bundle.Data, &keyed))

	key, err := crypt.OAEPDecrypt(recipient, keyed.Key, "")
	must.NoError(t, err)
	cry, err := crypt.NewCrypticle(key)
	must.NoError(t, err)

	pillar := loadRawBytes(t, keyed.Pillar)
	var decoded interface{}
	must.NoError(t, cry.Loads(pillar, "n-1", &decoded))
	result, merr := structs.AsMapping(decoded)
	must.NoError(t, merr)
	require.Equal(t, "secret-value", result["pillar"])
}

func TestRequestServer_SendPrivateMissingRecipient(t *testing.T) {
	ci.Parallel(t)
	server, core, handler := newTestRequestServer(t, nil)
	handler.resp = &structs.Response{
		Mode:      structs.ReplySendPrivate,
		Result:    map[string]interface{}{"pillar": "secret-value"},
		Recipient: "ghost",
	}

	env := sealedEnvelope(t, core.vault.Secret(), "web1", requestLoad("web1", "pillar"))
	reply := server.HandleEnvelope(context.Background(), env)

	keyed, ok := reply.(*structs.PrivateKeyedLoad)
	must.True(t, ok, must.Sprintf("reply is %T", reply))
	must.Nil(t, keyed.Key)
	must.Positive(t, len(loadRawBytes(t, keyed.Pillar)))
}

// loadRawBytes tolerates the bytes-vs-string ambiguity of decoded msgpack
// raw fields.
func loadRawBytes(t *testing.T, v interface{}) []byte {
	t.Helper()
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		t.Fatalf("value is %T, not raw bytes", v)
		return nil
	}
}

func TestRequestServer_RawMessageRoundTrip(t *testing.T) {
	ci.Parallel(t)
	server, core, handler := newTestRequestServer(t, nil)
	handler.resp = &structs.Response{
		Mode:   structs.ReplySend,
		Result: map[string]interface{}{"ret": "pong"},
	}

	env := sealedEnvelope(t, core.vault.Secret(), "web1", requestLoad("web1", "ping"))
	raw, err := structs.Encode(env)
	must.NoError(t, err)

	out := server.HandleMessage(context.Background(), raw)

	var decoded map[string]interface{}
	must.NoError(t, structs.Decode(out, &decoded))
	enc, _ := structs.LoadString(decoded, "enc")
	must.Eq(t, structs.EncAES, enc)
}

func TestRequestServer_UndecodableMessage(t *testing.T) {
	ci.Parallel(t)
	server, _, handler := newTestRequestServer(t, nil)

	out := server.HandleMessage(context.Background(), []byte{0xc1, 0xff, 0x00})
	var decoded interface{}
	must.NoError(t, structs.Decode(out, &decoded))
	require.Equal(t, structs.BadLoadReply, decoded)
	must.Zero(t, handler.calls)
}

func TestRequestServer_InmemExchange(t *testing.T) {
	ci.Parallel(t)
	server, core, handler := newTestRequestServer(t, nil)
	handler.resp = &structs.Response{
		Mode:   structs.ReplySendClear,
		Result: map[string]interface{}{"ret": true},
	}

	exchange := &codec.InmemExchange{
		Handle: func(ctx context.Context, env interface{}) interface{} {
			return server.HandleEnvelope(ctx, env.(*structs.RequestEnvelope))
		},
	}

	env := sealedEnvelope(t, core.vault.Secret(), "web1", requestLoad("web1", "ping"))
	reply, err := exchange.Exchange(context.Background(), env)
	must.NoError(t, err)
	result, merr := structs.AsMapping(reply)
	must.NoError(t, merr)
	require.Equal(t, true, result["ret"])
}
