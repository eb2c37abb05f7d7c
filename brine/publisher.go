// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/ryanuber/go-glob"

	"github.com/hashicorp/brine/brine/structs"
	"github.com/hashicorp/brine/crypt"
	"github.com/hashicorp/brine/keystore"
)

// Publisher seals outbound jobs under the cluster secret and hands them to
// the publish transport. Serial injection happens here, so every published
// load carries a strictly increasing serial regardless of caller.
type Publisher struct {
	config    *Config
	keys      *MasterKeys
	vault     *crypt.SecretVault
	store     *keystore.Store
	transport PubTransport

	logger log.Logger
}

// NewPublisher wires the publish path.
func NewPublisher(config *Config, keys *MasterKeys, vault *crypt.SecretVault,
	store *keystore.Store, transport PubTransport, logger log.Logger) *Publisher {

	return &Publisher{
		config:    config,
		keys:      keys,
		vault:     vault,
		store:     store,
		transport: transport,
		logger:    logger.Named("publisher"),
	}
}

// Publish seals the load and sends it. The caller's Serial field is
// overwritten unconditionally.
func (p *Publisher) Publish(ctx context.Context, load *structs.PublishLoad) error {
	load.Serial = p.vault.NextSerial()

	cry, err := crypt.NewCrypticle(p.vault.Secret())
	if err != nil {
		return err
	}
	ciphertext, err := cry.Dumps(load, "")
	if err != nil {
		return fmt.Errorf("failed to seal publish load: %w", err)
	}

	envelope := &structs.PublishEnvelope{
		Enc:  structs.EncAES,
		Load: ciphertext,
	}
	if p.config.SignPubMessages {
		sig, err := crypt.SignMessage(p.keys.Private, ciphertext, crypt.PKCS1SHA1)
		if err != nil {
			return fmt.Errorf("failed to sign publish load: %w", err)
		}
		envelope.Sig = sig
	}

	payload, err := structs.Encode(envelope)
	if err != nil {
		return err
	}

	msg := &structs.PublishMessage{Payload: payload}
	if p.transport.SupportsTopics() {
		msg.TopicList, err = p.topicList(load)
		if err != nil {
			return err
		}
	}

	buf, err := structs.Encode(msg)
	if err != nil {
		return err
	}

	metrics.IncrCounter([]string{"brine", "publisher", "published"}, 1)
	p.logger.Debug("publishing job", "jid", load.JID, "fun", load.Fun,
		"tgt_type", load.TgtType, "serial", load.Serial)
	return p.transport.Publish(ctx, buf)
}

// topicList resolves the target expression to concrete minion IDs on
// topic-capable transports. An empty list means broadcast; list targets
// deliver exactly to the named IDs whether or not their keys are accepted,
// while glob and pcre match against the accepted key set.
func (p *Publisher) topicList(load *structs.PublishLoad) ([]string, error) {
	switch load.TgtType {
	case structs.TgtList:
		return targetIDs(load.Tgt)

	case structs.TgtGlob:
		pattern, ok := load.Tgt.(string)
		if !ok {
			return nil, fmt.Errorf("%w: glob target is %T, not a string", structs.ErrDecode, load.Tgt)
		}
		if pattern == "*" {
			return nil, nil
		}
		accepted, err := p.store.List(keystore.DirAccepted)
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, id := range accepted {
			if glob.Glob(pattern, id) {
				ids = append(ids, id)
			}
		}
		return ids, nil

	case structs.TgtPCRE:
		pattern, ok := load.Tgt.(string)
		if !ok {
			return nil, fmt.Errorf("%w: pcre target is %T, not a string", structs.ErrDecode, load.Tgt)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pcre target %q: %v", pattern, err)
		}
		accepted, err := p.store.List(keystore.DirAccepted)
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, id := range accepted {
			if re.MatchString(id) {
				ids = append(ids, id)
			}
		}
		return ids, nil

	default:
		// unresolvable target expressions broadcast; minions match locally
		return nil, nil
	}
}

// targetIDs flattens a list target. Minion CLIs ship lists either as real
// lists or as comma-joined strings.
func targetIDs(tgt interface{}) ([]string, error) {
	switch t := tgt.(type) {
	case []string:
		return t, nil
	case []interface{}:
		ids := make([]string, 0, len(t))
		for _, item := range t {
			switch s := item.(type) {
			case string:
				ids = append(ids, s)
			case []byte:
				ids = append(ids, string(s))
			default:
				return nil, fmt.Errorf("%w: list target item is %T", structs.ErrDecode, item)
			}
		}
		return ids, nil
	case string:
		var ids []string
		for _, id := range strings.Split(t, ",") {
			if id != "" {
				ids = append(ids, id)
			}
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("%w: list target is %T", structs.ErrDecode, tgt)
	}
}

// ValidateSubscriber checks a publish-transport subscription claim: the
// subscriber must present a token signed by the private half of its
// accepted key. Used by topic-capable transports before registering the
// subscriber with the presence tracker.
func (p *Publisher) ValidateSubscriber(id string, tok []byte) bool {
	if !keystore.ValidID(id) {
		return false
	}
	pub, err := p.store.PubKey(id)
	if err != nil {
		p.logger.Debug("subscription from minion without accepted key", "minion", id)
		return false
	}
	if err := crypt.PublicDecrypt(pub, []byte(structs.TokenSentinel), tok); err != nil {
		p.logger.Warn("subscription token does not verify", "minion", id)
		return false
	}
	return true
}
