// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/brine/brine/structs"
	"github.com/hashicorp/brine/ci"
	"github.com/hashicorp/brine/crypt"
	"github.com/hashicorp/brine/helper/testlog"
	"github.com/hashicorp/brine/keystore"
)

// capturePubTransport records published frames in memory.
type capturePubTransport struct {
	topics   bool
	messages [][]byte
}

func (c *capturePubTransport) Publish(_ context.Context, msg []byte) error {
	c.messages = append(c.messages, msg)
	return nil
}

func (c *capturePubTransport) SupportsTopics() bool { return c.topics }
func (c *capturePubTransport) Close() error         { return nil }

func newTestPublisher(t *testing.T, config *Config, topics bool) (*Publisher, *testCore, *capturePubTransport) {
	t.Helper()
	core := newTestCore(t, config)
	transport := &capturePubTransport{topics: topics}
	pub := NewPublisher(core.config, core.keys, core.vault, core.store, transport, testlog.HCLogger(t))
	return pub, core, transport
}

func (c *capturePubTransport) lastMessage(t *testing.T) *structs.PublishMessage {
	t.Helper()
	must.Positive(t, len(c.messages))
	var msg structs.PublishMessage
	must.NoError(t, structs.Decode(c.messages[len(c.messages)-1], &msg))
	return &msg
}

func decodePublished(t *testing.T, core *testCore, msg *structs.PublishMessage) *structs.PublishLoad {
	t.Helper()
	var env structs.PublishEnvelope
	must.NoError(t, structs.Decode(msg.Payload, &env))
	must.Eq(t, structs.EncAES, env.Enc)

	cry, err := crypt.NewCrypticle(core.vault.Secret())
	must.NoError(t, err)
	var load structs.PublishLoad
	must.NoError(t, cry.Loads(env.Load, "", &load))
	return &load
}

func TestPublisher_SealAndSerial(t *testing.T) {
	ci.Parallel(t)
	pub, core, transport := newTestPublisher(t, nil, false)

	var serials []uint64
	for i := 0; i < 3; i++ {
		load := &structs.PublishLoad{
			Fun:     "test.ping",
			Tgt:     "*",
			TgtType: structs.TgtGlob,
			JID:     "20260824000000000000",
		}
		must.NoError(t, pub.Publish(context.Background(), load))

		msg := transport.lastMessage(t)
		must.Nil(t, msg.TopicList)
		decoded := decodePublished(t, core, msg)
		must.Eq(t, "test.ping", decoded.Fun)
		serials = append(serials, decoded.Serial)
	}

	// serials strictly increase across publishes
	must.Less(t, serials[1], serials[0])
	must.Less(t, serials[2], serials[1])
}

func TestPublisher_SignPubMessages(t *testing.T) {
	ci.Parallel(t)
	config := testConfig(t)
	config.SignPubMessages = true
	pub, core, transport := newTestPublisher(t, config, false)

	load := &structs.PublishLoad{Fun: "test.ping", Tgt: "*", TgtType: structs.TgtGlob}
	must.NoError(t, pub.Publish(context.Background(), load))

	msg := transport.lastMessage(t)
	var env structs.PublishEnvelope
	must.NoError(t, structs.Decode(msg.Payload, &env))
	must.NoError(t, crypt.VerifySignature(core.keys.Public, env.Load, env.Sig, crypt.PKCS1SHA1))
}

func TestPublisher_TopicList(t *testing.T) {
	ci.Parallel(t)
	pub, core, transport := newTestPublisher(t, nil, true)

	for _, id := range []string{"web1", "web2", "db1"} {
		must.NoError(t, core.store.StorePub(id, keystore.DirAccepted, []byte("pem")))
	}

	cases := []struct {
		name    string
		tgt     interface{}
		tgtType string
		expect  []string
	}{
		{"glob prefix", "web*", structs.TgtGlob, []string{"web1", "web2"}},
		{"glob wildcard broadcasts", "*", structs.TgtGlob, nil},
		{"pcre", "^db[0-9]+$", structs.TgtPCRE, []string{"db1"}},
		{"list", []interface{}{"web1", "ghost"}, structs.TgtList, []string{"web1", "ghost"}},
		{"list string", "web1,db1", structs.TgtList, []string{"web1", "db1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			load := &structs.PublishLoad{Fun: "test.ping", Tgt: tc.tgt, TgtType: tc.tgtType}
			must.NoError(t, pub.Publish(context.Background(), load))
			msg := transport.lastMessage(t)
			must.Eq(t, tc.expect, msg.TopicList)
		})
	}
}

func TestPublisher_BadTargets(t *testing.T) {
	ci.Parallel(t)
	pub, _, _ := newTestPublisher(t, nil, true)

	// unparseable pcre
	err := pub.Publish(context.Background(), &structs.PublishLoad{
		Fun: "test.ping", Tgt: "([", TgtType: structs.TgtPCRE,
	})
	must.Error(t, err)

	// non-string glob
	err = pub.Publish(context.Background(), &structs.PublishLoad{
		Fun: "test.ping", Tgt: 42, TgtType: structs.TgtGlob,
	})
	must.Error(t, err)
}

func TestPublisher_ValidateSubscriber(t *testing.T) {
	ci.Parallel(t)
	pub, core, _ := newTestPublisher(t, nil, true)

	minion := testRSAKey(t, 1)
	impostor := testRSAKey(t, 2)
	must.NoError(t, core.store.StorePub("web1", keystore.DirAccepted, []byte(testPubPEM(t, minion))))

	good, err := crypt.PrivateEncrypt(minion, []byte(structs.TokenSentinel))
	must.NoError(t, err)
	must.True(t, pub.ValidateSubscriber("web1", good))

	bad, err := crypt.PrivateEncrypt(impostor, []byte(structs.TokenSentinel))
	must.NoError(t, err)
	must.False(t, pub.ValidateSubscriber("web1", bad))

	// no accepted key, invalid id
	must.False(t, pub.ValidateSubscriber("ghost", good))
	must.False(t, pub.ValidateSubscriber("../escape", good))
}
