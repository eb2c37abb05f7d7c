// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/brine/brine/stream"
	"github.com/hashicorp/brine/brine/structs"
	"github.com/hashicorp/brine/ci"
	"github.com/hashicorp/brine/crypt"
)

func startTestMaster(t *testing.T, config *Config) (*Master, *stream.InmemSink) {
	t.Helper()
	if config == nil {
		config = testConfig(t)
	}
	config.RequestAddr = "127.0.0.1:0"
	config.PublishPort = ci.PortAllocator.One()

	// seed the master keypair so startup skips the expensive generation
	must.NoError(t, crypt.SavePrivateKey(config.MasterKeyPath(), testRSAKey(t, 0)))

	sink := stream.NewInmemSink()
	master, err := NewMaster(config, sink)
	must.NoError(t, err)
	must.NoError(t, master.Start(context.Background()))
	t.Cleanup(func() { master.Shutdown() })
	return master, sink
}

// exchange sends one framed request over an established plain-mode
// connection and returns the raw reply.
func exchange(t *testing.T, conn net.Conn, env interface{}) []byte {
	t.Helper()
	raw, err := structs.Encode(env)
	must.NoError(t, err)
	must.NoError(t, writeFrame(conn, raw))
	reply, err := readFrame(conn)
	must.NoError(t, err)
	return reply
}

func dialRequest(t *testing.T, master *Master) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", master.RequestAddr().String())
	must.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = conn.Write([]byte{byteRequest})
	must.NoError(t, err)
	return conn
}

func TestMaster_EndToEnd(t *testing.T) {
	ci.Parallel(t)

	config := testConfig(t)
	config.AutoAccept = true
	master, _ := startTestMaster(t, config)

	master.RegisterHandler("ping", func(_ context.Context, req *Request) (*structs.Response, error) {
		return &structs.Response{
			Mode:   structs.ReplySend,
			Result: map[string]interface{}{"ret": "pong", "minion": req.MinionID},
		}, nil
	})

	minion := testRSAKey(t, 1)
	conn := dialRequest(t, master)

	// handshake on the clear channel
	reply := exchange(t, conn, &structs.RequestEnvelope{
		Enc:     structs.EncClear,
		Version: structs.ProtocolVersion,
		Load:    authLoad("web1", testPubPEM(t, minion)),
	})
	var accepted structs.AuthReply
	must.NoError(t, structs.Decode(reply, &accepted))
	must.Eq(t, structs.EncPub, accepted.Enc)

	secret, err := crypt.OAEPDecrypt(minion, accepted.AES, "")
	must.NoError(t, err)
	cry, err := crypt.SessionCrypticle(secret, "web1")
	must.NoError(t, err)

	// encrypted request on the same connection
	load := map[string]interface{}{
		"cmd":   "ping",
		"id":    "web1",
		"ts":    time.Now().Unix(),
		"nonce": "n-e2e",
	}
	blob, err := cry.Dumps(load, "")
	must.NoError(t, err)
	reply = exchange(t, conn, &structs.RequestEnvelope{
		Enc:     structs.EncAES,
		Version: structs.ProtocolVersion,
		ID:      "web1",
		Load:    blob,
	})

	var aes structs.AESReply
	must.NoError(t, structs.Decode(reply, &aes))
	var decoded interface{}
	must.NoError(t, cry.Loads(aes.Load, "n-e2e", &decoded))
	result, err := structs.AsMapping(decoded)
	must.NoError(t, err)
	require.Equal(t, "pong", result["ret"])
	require.Equal(t, "web1", result["minion"])
}

func TestMaster_PublishToSubscriber(t *testing.T) {
	ci.Parallel(t)

	config := testConfig(t)
	config.AutoAccept = true
	master, _ := startTestMaster(t, config)

	// authenticate so the subscriber token verifies against an accepted key
	minion := testRSAKey(t, 1)
	conn := dialRequest(t, master)
	reply := exchange(t, conn, &structs.RequestEnvelope{
		Enc:     structs.EncClear,
		Version: structs.ProtocolVersion,
		Load:    authLoad("web1", testPubPEM(t, minion)),
	})
	var accepted structs.AuthReply
	must.NoError(t, structs.Decode(reply, &accepted))
	secret, err := crypt.OAEPDecrypt(minion, accepted.AES, "")
	must.NoError(t, err)

	tok, err := crypt.PrivateEncrypt(minion, []byte(structs.TokenSentinel))
	must.NoError(t, err)
	sub, err := net.Dial("tcp", master.PublishAddr().String())
	must.NoError(t, err)
	defer sub.Close()
	raw, err := structs.Encode(&subscribeFrame{ID: "web1", Tok: tok})
	must.NoError(t, err)
	must.NoError(t, writeFrame(sub, raw))

	waitForSubscribers(t, master.pubTransport, 1)
	must.True(t, master.Presence().Connected("web1"))

	must.NoError(t, master.Publish(context.Background(), &structs.PublishLoad{
		Fun:     "test.ping",
		Tgt:     "web1",
		TgtType: structs.TgtList,
		JID:     "20260824000000000000",
	}))

	sub.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := readFrame(sub)
	must.NoError(t, err)
	var msg structs.PublishMessage
	must.NoError(t, structs.Decode(frame, &msg))
	var env structs.PublishEnvelope
	must.NoError(t, structs.Decode(msg.Payload, &env))
	must.Eq(t, structs.EncAES, env.Enc)

	// publishes are sealed with the cluster secret, not the session key
	cry, err := crypt.NewCrypticle(secret)
	must.NoError(t, err)
	var published structs.PublishLoad
	must.NoError(t, cry.Loads(env.Load, "", &published))
	must.Eq(t, "test.ping", published.Fun)
	must.Positive(t, published.Serial)
}

func TestMaster_RotateInvalidatesSessions(t *testing.T) {
	ci.Parallel(t)

	config := testConfig(t)
	config.AutoAccept = true
	master, sink := startTestMaster(t, config)
	master.RegisterHandler("ping", func(_ context.Context, _ *Request) (*structs.Response, error) {
		return &structs.Response{Mode: structs.ReplySend, Result: map[string]interface{}{"ret": true}}, nil
	})

	minion := testRSAKey(t, 1)
	conn := dialRequest(t, master)
	reply := exchange(t, conn, &structs.RequestEnvelope{
		Enc:     structs.EncClear,
		Version: structs.ProtocolVersion,
		Load:    authLoad("web1", testPubPEM(t, minion)),
	})
	var accepted structs.AuthReply
	must.NoError(t, structs.Decode(reply, &accepted))
	secret, err := crypt.OAEPDecrypt(minion, accepted.AES, "")
	must.NoError(t, err)
	cry, err := crypt.SessionCrypticle(secret, "web1")
	must.NoError(t, err)

	must.NoError(t, master.RotateClusterSecret(context.Background()))
	must.Len(t, 1, sink.ByTag(stream.TagKeyRotate))

	// the stale session key now yields the opaque failure, forcing the
	// minion back through the handshake
	load := map[string]interface{}{"cmd": "ping", "id": "web1", "ts": time.Now().Unix()}
	blob, err := cry.Dumps(load, "")
	must.NoError(t, err)
	raw := exchange(t, conn, &structs.RequestEnvelope{
		Enc:     structs.EncAES,
		Version: structs.ProtocolVersion,
		ID:      "web1",
		Load:    blob,
	})
	var decoded interface{}
	must.NoError(t, structs.Decode(raw, &decoded))
	require.Equal(t, structs.BadLoadReply, decoded)
}
