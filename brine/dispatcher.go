// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"
	"fmt"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/brine/brine/structs"
)

// pendingRequest carries one request through a pool queue together with the
// channel its reply travels back on.
type pendingRequest struct {
	ctx    context.Context
	req    *Request
	respCh chan *dispatchResult
}

type dispatchResult struct {
	resp *structs.Response
	err  error
}

// Dispatcher is the front-end channel for all pooled requests. It consults
// the router for each inbound request and forwards it to the bounded queue
// of the owning pool. Enqueues block rather than drop, so a slow pool only
// ever slows its own class of requests.
type Dispatcher struct {
	router   *Router
	registry *HandlerRegistry
	queues   map[string]chan *pendingRequest
	workers  []*Worker

	logger log.Logger
}

// NewDispatcher builds the per-pool queues and workers from the router's
// validated pool layout. Workers are idle until Run.
func NewDispatcher(router *Router, registry *HandlerRegistry, queueDepth int, logger log.Logger) *Dispatcher {
	d := &Dispatcher{
		router:   router,
		registry: registry,
		queues:   make(map[string]chan *pendingRequest),
		logger:   logger.Named("dispatcher"),
	}

	for name, pool := range router.Pools() {
		queue := make(chan *pendingRequest, queueDepth)
		d.queues[name] = queue
		for i := 0; i < pool.WorkerCount; i++ {
			d.workers = append(d.workers, newWorker(name, i, queue, registry, logger))
		}
	}

	return d
}

// Run starts every worker and blocks until ctx is canceled and all workers
// have drained their in-flight requests.
func (d *Dispatcher) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		worker := w
		group.Go(func() error {
			return worker.run(ctx)
		})
	}
	return group.Wait()
}

// NumWorkers returns the total worker count across pools.
func (d *Dispatcher) NumWorkers() int {
	return len(d.workers)
}

// Dispatch routes a request to its pool queue and waits for the reply. The
// enqueue blocks under back pressure; ctx bounds the whole exchange.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*structs.Response, error) {
	pool := d.router.Route(req)
	queue, ok := d.queues[pool]
	if !ok {
		// cannot happen on a validated layout
		return nil, fmt.Errorf("no queue for pool %q", pool)
	}

	pending := &pendingRequest{
		ctx:    ctx,
		req:    req,
		respCh: make(chan *dispatchResult, 1),
	}

	select {
	case queue <- pending:
		metrics.IncrCounter([]string{"brine", "dispatcher", "enqueue", pool}, 1)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-pending.respCh:
		return result.resp, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
