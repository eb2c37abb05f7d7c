// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/brine/brine/structs"
)

// Request is a decoded, decrypted inbound request as handed to the
// dispatcher and handlers. Load is the inner mapping; Cmd, MinionID and
// Nonce are pulled out of it after validation.
type Request struct {
	Envelope *structs.RequestEnvelope
	Load     map[string]interface{}
	Cmd      string
	MinionID string
	Nonce    string
}

// HandlerFunc services one command. The returned Response selects the reply
// mode; handlers enforce their own deadlines via ctx.
type HandlerFunc func(ctx context.Context, req *Request) (*structs.Response, error)

// HandlerRegistry maps command names to handlers explicitly. There is no
// reflection-based dispatch: a command either has a registered handler or
// the caller gets a structured unknown-command reply.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a command name, replacing any previous
// binding.
func (r *HandlerRegistry) Register(cmd string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[cmd] = fn
}

// Get looks up the handler for a command.
func (r *HandlerRegistry) Get(cmd string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[cmd]
	return fn, ok
}

// Invoke runs the handler for the request's command. Unknown commands get a
// structured clear error reply rather than an error, so the sender learns
// the command name was wrong without tearing down the transaction.
func (r *HandlerRegistry) Invoke(ctx context.Context, req *Request) (*structs.Response, error) {
	fn, ok := r.Get(req.Cmd)
	if !ok {
		return &structs.Response{
			Mode: structs.ReplySendClear,
			Result: map[string]interface{}{
				"ret":   false,
				"error": fmt.Sprintf("%s: %q", structs.ErrUnknownCommand, req.Cmd),
			},
		}, nil
	}
	return fn(ctx, req)
}
