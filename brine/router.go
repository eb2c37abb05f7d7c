// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"sync/atomic"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/brine/brine/structs"
)

// Router maps command names to worker pools. The pool layout is validated
// and frozen at construction, so routing and counter increments are
// lock-free.
type Router struct {
	pools       structs.WorkerPoolsConfig
	commandPool map[string]string
	catchall    string
	defaultPool string

	counters map[string]*atomic.Uint64

	logger log.Logger
}

// NewRouter validates the pool layout and builds the routing table. A
// validation failure here aborts master startup.
func NewRouter(pools structs.WorkerPoolsConfig, defaultPool string, logger log.Logger) (*Router, error) {
	if err := pools.Validate(defaultPool); err != nil {
		return nil, err
	}

	r := &Router{
		pools:       pools.Copy(),
		commandPool: make(map[string]string),
		defaultPool: defaultPool,
		counters:    make(map[string]*atomic.Uint64, len(pools)),
		logger:      logger.Named("router"),
	}

	for name, pool := range r.pools {
		r.counters[name] = new(atomic.Uint64)
		if pool.IsCatchall() {
			r.catchall = name
			continue
		}
		for _, cmd := range pool.Commands {
			r.commandPool[cmd] = name
		}
	}

	return r, nil
}

// Route returns the pool for a request's command: the explicit mapping when
// one exists, else the catchall pool, else the configured default. An
// absent command routes as the empty string.
func (r *Router) Route(req *Request) string {
	pool, ok := r.commandPool[req.Cmd]
	if !ok {
		if r.catchall != "" {
			pool = r.catchall
		} else {
			pool = r.defaultPool
		}
	}

	r.counters[pool].Add(1)
	metrics.IncrCounter([]string{"brine", "router", "route", pool}, 1)
	return pool
}

// Pools returns the frozen pool layout.
func (r *Router) Pools() structs.WorkerPoolsConfig {
	return r.pools
}

// Counts snapshots the per-pool routing counters.
func (r *Router) Counts() map[string]uint64 {
	out := make(map[string]uint64, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Load()
	}
	return out
}
