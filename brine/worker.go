// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/brine/brine/structs"
)

// Worker is a single concurrent unit bound to exactly one pool. It dequeues
// requests, invokes the registered handler for the command, and sends the
// tagged reply back to the request server. Workers share no mutable state
// beyond the vault and key store, both of which are read-mostly with their
// own refresh semantics.
type Worker struct {
	pool  string
	id    int
	queue <-chan *pendingRequest

	registry *HandlerRegistry
	logger   log.Logger
}

func newWorker(pool string, id int, queue <-chan *pendingRequest, registry *HandlerRegistry, logger log.Logger) *Worker {
	return &Worker{
		pool:     pool,
		id:       id,
		queue:    queue,
		registry: registry,
		logger:   logger.Named("worker").With("pool", pool, "worker", id),
	}
}

// run is the long-lived worker loop. It exits once ctx is canceled, after
// finishing whatever request it already dequeued.
func (w *Worker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pending := <-w.queue:
			w.handle(pending)
		}
	}
}

func (w *Worker) handle(pending *pendingRequest) {
	defer metrics.MeasureSince([]string{"brine", "worker", w.pool, "handle"}, nowFn())

	resp, err := w.invoke(pending.ctx, pending.req)
	select {
	case pending.respCh <- &dispatchResult{resp: resp, err: err}:
	case <-pending.ctx.Done():
	}
}

// invoke runs the handler with panic recovery. A panicking handler must not
// take the worker down; the sender gets the generic exception literal.
func (w *Worker) invoke(ctx context.Context, req *Request) (resp *structs.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked", "cmd", req.Cmd, "minion", req.MinionID, "panic", r)
			resp = &structs.Response{
				Mode:   structs.ReplySendClear,
				Result: structs.ServerExceptionReply,
			}
			err = nil
		}
	}()
	return w.registry.Invoke(ctx, req)
}
