// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package codec

import (
	"context"
	"fmt"

	"github.com/mitchellh/copystructure"
)

// HandleFn services one decoded envelope and returns the reply value.
type HandleFn func(ctx context.Context, env interface{}) interface{}

// InmemExchange drives a request handler without going over a network.
// Envelopes are copied on the way in and replies on the way out, so callers
// and handlers never share pointers, matching the aliasing rules a real
// serialization boundary enforces.
type InmemExchange struct {
	Handle HandleFn
}

// Exchange runs one request/reply round trip.
func (e *InmemExchange) Exchange(ctx context.Context, env interface{}) (interface{}, error) {
	// Copy on write to avoid sharing pointers between callers and handlers
	in, err := copystructure.Copy(env)
	if err != nil {
		return nil, fmt.Errorf("error copying envelope: %w", err)
	}

	reply := e.Handle(ctx, in)
	if reply == nil {
		return nil, nil
	}

	// Copy on read for the same reason
	out, err := copystructure.Copy(reply)
	if err != nil {
		return nil, fmt.Errorf("error copying reply: %w", err)
	}
	return out, nil
}
