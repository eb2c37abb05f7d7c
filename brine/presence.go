// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"
	"sort"
	"sync"

	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/brine/brine/stream"
)

// PresenceTracker tracks which minion IDs currently hold subscriptions on
// the publish transport. The transport's subscription callbacks are the
// only writers; the publisher reads under a short critical section.
type PresenceTracker struct {
	mu      sync.Mutex
	minions map[string]*set.Set[string]

	emitter *stream.Emitter
	enabled bool
	logger  log.Logger
}

// NewPresenceTracker builds a tracker. When enabled is false the tracker
// still answers queries but never emits presence events, matching the
// presence_events option.
func NewPresenceTracker(emitter *stream.Emitter, enabled bool, logger log.Logger) *PresenceTracker {
	return &PresenceTracker{
		minions: make(map[string]*set.Set[string]),
		emitter: emitter,
		enabled: enabled,
		logger:  logger.Named("presence"),
	}
}

// Subscribe registers a subscriber handle under a minion ID. The first
// handle for an ID makes the minion present and emits change/present
// events.
func (t *PresenceTracker) Subscribe(ctx context.Context, id, handle string) {
	t.mu.Lock()
	handles, ok := t.minions[id]
	if !ok {
		handles = set.New[string](1)
		t.minions[id] = handles
	}
	handles.Insert(handle)
	appeared := !ok
	present := t.presentLocked()
	t.mu.Unlock()

	if appeared {
		t.logger.Debug("minion present", "minion", id)
		t.emitChange(ctx, []string{id}, nil, present)
	}
}

// Unsubscribe removes a subscriber handle. Dropping the last handle for an
// ID makes the minion lost and emits change/present events.
func (t *PresenceTracker) Unsubscribe(ctx context.Context, id, handle string) {
	t.mu.Lock()
	departed := false
	if handles, ok := t.minions[id]; ok {
		handles.Remove(handle)
		if handles.Empty() {
			delete(t.minions, id)
			departed = true
		}
	}
	present := t.presentLocked()
	t.mu.Unlock()

	if departed {
		t.logger.Debug("minion lost", "minion", id)
		t.emitChange(ctx, nil, []string{id}, present)
	}
}

// Connected reports whether any subscriber is attached for the minion ID.
func (t *PresenceTracker) Connected(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.minions[id]
	return ok
}

// Count returns the number of present minion IDs.
func (t *PresenceTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.minions)
}

// Present returns the sorted present minion IDs.
func (t *PresenceTracker) Present() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.presentLocked()
}

func (t *PresenceTracker) presentLocked() []string {
	ids := make([]string, 0, len(t.minions))
	for id := range t.minions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *PresenceTracker) emitChange(ctx context.Context, gained, lost, present []string) {
	if !t.enabled || t.emitter == nil {
		return
	}
	t.emitter.Emit(ctx, stream.TagPresenceChange, map[string]interface{}{
		"new":  gained,
		"lost": lost,
	})
	t.emitter.Emit(ctx, stream.TagPresencePresent, map[string]interface{}{
		"present": present,
	})
}
