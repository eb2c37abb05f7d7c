// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"
)

// PubTransport carries framed publish messages to subscribed minions. The
// publisher computes topic lists only when the transport reports support,
// so broadcast-only transports never pay for target resolution.
type PubTransport interface {
	// Publish sends one framed message to the subscriber set.
	Publish(ctx context.Context, msg []byte) error

	// SupportsTopics reports whether subscribers can filter by topic.
	SupportsTopics() bool

	Close() error
}

// RequestTransport accepts request/reply exchanges and feeds each raw
// message through the handler, writing back the returned blob.
type RequestTransport interface {
	// Serve blocks accepting exchanges until ctx is canceled.
	Serve(ctx context.Context, handle func(ctx context.Context, raw []byte) []byte) error

	Close() error
}
