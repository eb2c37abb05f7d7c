// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package stream is the publish-only event bus adapter for the master core.
// The core emits typed events (auth outcomes, presence changes, cluster
// notifications) to any sink accepting (tag, payload) pairs; it never
// consumes events and never requires a particular transport.
package stream

// Event tags emitted by the master core. The tag strings are fixed by the
// Salt event protocol so operator tooling can subscribe to them unchanged.
const (
	TagAuth            = "salt/auth"
	TagPresenceChange  = "salt/presence/change"
	TagPresencePresent = "salt/presence/present"
	TagKeyRotate       = "salt/cluster/key_rotate"
)

// Auth event act values.
const (
	ActAccept = "accept"
	ActPend   = "pend"
	ActReject = "reject"
	ActDenied = "denied"
	ActFull   = "full"
)

// Event is one emitted event. Payload contents are tag-specific; auth
// events carry {result, act, id, pub}, presence events carry minion ID
// lists.
type Event struct {
	Tag     string                 `json:"tag"`
	Payload map[string]interface{} `json:"payload"`
}
