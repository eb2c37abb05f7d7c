// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/brine/brine/stream"
	"github.com/hashicorp/brine/brine/structs"
	"github.com/hashicorp/brine/crypt"
	"github.com/hashicorp/brine/keystore"
)

// Master is the assembled master core: keystore, secret vault, auth engine,
// pooled request channel and publish path, bound to TCP transports.
type Master struct {
	config *Config
	logger log.Logger

	keys     *MasterKeys
	store    *keystore.Store
	vault    *crypt.SecretVault
	emitter  *stream.Emitter
	presence *PresenceTracker
	auth     *AuthEngine
	registry *HandlerRegistry
	router   *Router

	dispatcher *Dispatcher
	reqServer  *RequestServer
	publisher  *Publisher

	reqTransport *TCPRequestTransport
	pubTransport *TCPPubTransport

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewMaster validates the configuration and assembles the core. Transports
// are not bound until Start.
func NewMaster(config *Config, sinks ...stream.Sink) (*Master, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := log.New(&log.LoggerOptions{
		Name:   "brine",
		Level:  log.Debug,
		Output: config.LogOutput,
	})

	store, err := keystore.NewStore(config.PKIDir, logger)
	if err != nil {
		return nil, err
	}
	keys, err := loadMasterKeys(config, logger)
	if err != nil {
		return nil, err
	}

	var vault *crypt.SecretVault
	if cache := config.SecretCachePath(); cache != "" {
		vault, err = crypt.NewCachedSecretVault(cache)
	} else {
		vault, err = crypt.NewSecretVault(nil)
	}
	if err != nil {
		return nil, err
	}

	emitter := stream.NewEmitter(logger, sinks...)
	presence := NewPresenceTracker(emitter, config.PresenceEvents, logger)
	auth := NewAuthEngine(config, keys, store, vault, emitter, presence, logger)

	registry := NewHandlerRegistry()
	router, err := NewRouter(config.EffectivePools(), config.WorkerPoolDefault, logger)
	if err != nil {
		return nil, err
	}
	dispatcher := NewDispatcher(router, registry, config.PoolQueueDepth, logger)

	m := &Master{
		config:     config,
		logger:     logger,
		keys:       keys,
		store:      store,
		vault:      vault,
		emitter:    emitter,
		presence:   presence,
		auth:       auth,
		registry:   registry,
		router:     router,
		dispatcher: dispatcher,
	}
	m.reqServer = NewRequestServer(config, keys, store, vault, auth, dispatcher, logger)
	return m, nil
}

// RegisterHandler installs a payload handler for a command.
func (m *Master) RegisterHandler(cmd string, fn HandlerFunc) {
	m.registry.Register(cmd, fn)
}

// Start binds the TCP transports and runs the dispatcher and accept loops.
// It returns once everything is listening; Shutdown stops it.
func (m *Master) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	reqT, err := NewTCPRequestTransport(m.config.RequestAddr, m.config.ConnectTimeout, m.logger)
	if err != nil {
		cancel()
		return err
	}
	m.reqTransport = reqT

	pubAddr := fmt.Sprintf(":%d", m.config.PublishPort)
	pubT, err := NewTCPPubTransport(pubAddr, m.config.ConnectTimeout,
		func(id string, tok []byte) bool { return m.publisher.ValidateSubscriber(id, tok) },
		m.presence, m.logger)
	if err != nil {
		cancel()
		reqT.Close()
		return err
	}
	m.pubTransport = pubT
	m.publisher = NewPublisher(m.config, m.keys, m.vault, m.store, pubT, m.logger)

	group, ctx := errgroup.WithContext(ctx)
	m.group = group
	group.Go(func() error { return m.dispatcher.Run(ctx) })
	group.Go(func() error { return reqT.Serve(ctx, m.reqServer.HandleMessage) })
	group.Go(func() error { return pubT.Serve(ctx) })

	m.logger.Info("master started",
		"request_addr", reqT.Addr().String(),
		"publish_addr", pubT.Addr().String(),
		"workers", m.dispatcher.NumWorkers(),
		"pools", len(m.router.Pools()))
	return nil
}

// RequestAddr returns the bound request listener address, nil before Start.
func (m *Master) RequestAddr() net.Addr {
	if m.reqTransport == nil {
		return nil
	}
	return m.reqTransport.Addr()
}

// PublishAddr returns the bound publish listener address, nil before Start.
func (m *Master) PublishAddr() net.Addr {
	if m.pubTransport == nil {
		return nil
	}
	return m.pubTransport.Addr()
}

// Shutdown stops the transports and waits for in-flight work, bounded by
// shutdown_grace. The vault serial is checkpointed on the way out so a
// restarted master resumes with higher publish serials.
func (m *Master) Shutdown() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()

	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(m.config.ShutdownGrace):
		err = fmt.Errorf("shutdown grace of %s expired with work in flight", m.config.ShutdownGrace)
	}

	if cerr := m.vault.Checkpoint(); cerr != nil {
		m.logger.Error("failed to checkpoint secret vault", "error", cerr)
		if err == nil {
			err = cerr
		}
	}
	m.logger.Info("master stopped")
	return err
}

// Publish seals and publishes a job load.
func (m *Master) Publish(ctx context.Context, load *structs.PublishLoad) error {
	if m.publisher == nil {
		return fmt.Errorf("master is not started")
	}
	return m.publisher.Publish(ctx, load)
}

// RotateClusterSecret replaces the cluster secret. Minions holding the old
// secret fail their next exchange and re-authenticate, picking up the new
// one; nothing is pushed.
func (m *Master) RotateClusterSecret(ctx context.Context) error {
	if _, err := m.vault.Rotate(); err != nil {
		return err
	}
	m.logger.Info("cluster secret rotated")
	m.emitter.Emit(ctx, stream.TagKeyRotate, map[string]interface{}{
		"rotated_at": nowFn().Unix(),
	})
	return nil
}

// OnPoolPublish attaches a sink observing the master's event stream. The
// adjacent autoscale protocol uses this to watch pool pressure without
// linking into the dispatcher.
func (m *Master) OnPoolPublish(sink stream.Sink) {
	m.emitter.AddSink(sink)
}

// Presence exposes the presence tracker for operational queries.
func (m *Master) Presence() *PresenceTracker {
	return m.presence
}

// KeyStore exposes the minion key store for operator tooling.
func (m *Master) KeyStore() *keystore.Store {
	return m.store
}
