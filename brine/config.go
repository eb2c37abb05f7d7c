// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package brine implements the master core of a Salt-protocol minion
// orchestration platform: the RSA+AES handshake, the encrypted request
// channel with its worker pool dispatcher, and the publish fan-out path.
package brine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/brine/brine/structs"
)

const (
	// DefaultRequestServerTTL bounds the age of v3+ request timestamps.
	DefaultRequestServerTTL = 300 * time.Second

	// DefaultPublishSession is the publish session lifetime.
	DefaultPublishSession = 86400 * time.Second

	// DefaultMinimumAuthVersion refuses pre-session-key protocol versions.
	// Setting 0 allows all versions and is documented as insecure.
	DefaultMinimumAuthVersion = 3
)

// Config is the master core configuration. Construct with DefaultConfig and
// override, or decode an option mapping with ParseConfig.
type Config struct {
	// PKIDir is the directory holding the master keypair and the four
	// minion key directories. Required.
	PKIDir string `mapstructure:"pki_dir"`

	// CacheDir holds the wrapped cluster-secret cache. Empty disables the
	// cache and the secret dies with the process.
	CacheDir string `mapstructure:"cache_dir"`

	// OpenMode accepts and overwrites any presented key. Test rigs only.
	OpenMode bool `mapstructure:"open_mode"`

	// AutoAccept bypasses the pending directory for new minions.
	AutoAccept bool `mapstructure:"auto_accept"`

	// MaxMinions caps concurrently connected minions; 0 means unlimited.
	MaxMinions int `mapstructure:"max_minions"`

	// AuthMode >= 2 concatenates the returned token to the wrapped secret
	// instead of wrapping it separately.
	AuthMode int `mapstructure:"auth_mode"`

	// AuthEvents enables salt/auth event emission.
	AuthEvents bool `mapstructure:"auth_events"`

	// AuthRateLimit caps handshakes per second across all minions, shielding
	// the master from auth storms after a mass restart. 0 disables the limit.
	AuthRateLimit float64 `mapstructure:"auth_rate_limit"`

	// AutosignGrains admits a new key automatically when the minion reports
	// a grain value listed here. Keys are grain names, values the allowed
	// grain values.
	AutosignGrains map[string][]string `mapstructure:"autosign_grains"`

	// MasterSignPubkey serves a precomputed signature over the master public
	// key, made by a separate offline signing key.
	MasterSignPubkey bool   `mapstructure:"master_sign_pubkey"`
	SigningKeyPass   string `mapstructure:"signing_key_pass"`

	// SignPubMessages signs published ciphertexts with the master key.
	SignPubMessages bool `mapstructure:"sign_pub_messages"`

	// SignMessages signs send_private bundles (protocol v2+).
	SignMessages bool `mapstructure:"sign_messages"`

	// RequestServerTTL is the freshness bound for v3+ request timestamps.
	RequestServerTTL time.Duration `mapstructure:"request_server_ttl"`

	// PublishSession is the publish session lifetime.
	PublishSession time.Duration `mapstructure:"publish_session"`

	// MinimumAuthVersion gates both the handshake and the request channel.
	MinimumAuthVersion int `mapstructure:"minimum_auth_version"`

	// WorkerPoolsEnabled routes requests through the pool dispatcher. When
	// disabled a single implicit pool serves everything.
	WorkerPoolsEnabled bool `mapstructure:"worker_pools_enabled"`

	// WorkerPools is the pool layout; see structs.WorkerPoolsConfig.
	WorkerPools structs.WorkerPoolsConfig `mapstructure:"worker_pools"`

	// WorkerPoolDefault names the pool for unmapped commands when no
	// catchall pool exists.
	WorkerPoolDefault string `mapstructure:"worker_pool_default"`

	// WorkerPoolsOptimized reserves the optimized dispatch path toggle.
	WorkerPoolsOptimized bool `mapstructure:"worker_pools_optimized"`

	// WorkerThreads is the legacy pre-pools worker count, honored only when
	// WorkerPools is empty.
	WorkerThreads int `mapstructure:"worker_threads"`

	// PresenceEvents enables presence tracking on the publish transport.
	// Only honored when the transport reports topic support, which in
	// practice means all transports are TCP.
	PresenceEvents bool `mapstructure:"presence_events"`

	// PublishPort is advertised to minions in the handshake reply.
	PublishPort int `mapstructure:"publish_port"`

	// RequestAddr is the request transport bind address.
	RequestAddr string `mapstructure:"request_addr"`

	// ConnectTimeout bounds transport reads and writes.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// ShutdownGrace bounds the in-flight drain on close before workers are
	// abandoned.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// PoolQueueDepth is the bounded per-pool queue size.
	PoolQueueDepth int `mapstructure:"pool_queue_depth"`

	// LogOutput is the destination for master logs.
	LogOutput io.Writer `mapstructure:"-"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		AuthMode:           1,
		RequestServerTTL:   DefaultRequestServerTTL,
		PublishSession:     DefaultPublishSession,
		MinimumAuthVersion: DefaultMinimumAuthVersion,
		WorkerPoolsEnabled: true,
		WorkerThreads:      structs.DefaultWorkerThreads,
		RequestAddr:        "0.0.0.0:4506",
		PublishPort:        4505,
		ConnectTimeout:     10 * time.Second,
		ShutdownGrace:      10 * time.Second,
		PoolQueueDepth:     128,
		LogOutput:          os.Stderr,
	}
}

// EffectivePools returns the pool layout after legacy synthesis: an empty
// pools config with a legacy worker_threads falls back to a single catchall
// pool.
func (c *Config) EffectivePools() structs.WorkerPoolsConfig {
	if len(c.WorkerPools) > 0 {
		return c.WorkerPools
	}
	return structs.LegacyWorkerPools(c.WorkerThreads)
}

// Validate checks the whole configuration, aggregating every violation.
// Configuration errors are fatal at startup and never partially applied.
func (c *Config) Validate() error {
	var mErr multierror.Error

	if c.PKIDir == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("pki_dir is required"))
	}
	if c.MaxMinions < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_minions must not be negative"))
	}
	if c.AuthRateLimit < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("auth_rate_limit must not be negative"))
	}
	if c.RequestServerTTL <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("request_server_ttl must be positive"))
	}
	if c.MinimumAuthVersion < 0 || c.MinimumAuthVersion > structs.ProtocolVersion {
		mErr.Errors = append(mErr.Errors,
			fmt.Errorf("minimum_auth_version must be between 0 and %d", structs.ProtocolVersion))
	}
	if c.PoolQueueDepth < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("pool_queue_depth must be at least 1"))
	}

	if c.WorkerPoolsEnabled {
		if err := c.EffectivePools().Validate(c.WorkerPoolDefault); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}

	return mErr.ErrorOrNil()
}

// MasterKeyPath returns the master private key path under pki_dir.
func (c *Config) MasterKeyPath() string {
	return filepath.Join(c.PKIDir, "master.pem")
}

// MasterPubPath returns the master public key path under pki_dir.
func (c *Config) MasterPubPath() string {
	return filepath.Join(c.PKIDir, "master.pub")
}

// SignKeyPath returns the optional offline signing key path.
func (c *Config) SignKeyPath() string {
	return filepath.Join(c.PKIDir, "master_sign.pem")
}

// SecretCachePath returns the wrapped cluster-secret cache path, or empty
// when caching is disabled.
func (c *Config) SecretCachePath() string {
	if c.CacheDir == "" {
		return ""
	}
	return filepath.Join(c.CacheDir, ".cluster_secret")
}
