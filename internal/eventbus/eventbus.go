// photovault is a single-tenant photo management server.
// Copyright (C) 2026 The photovault Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package eventbus is the process-local publish/subscribe layer fanning
// job and pending-changes events out to SSE subscribers. Publishers never
// block on subscriber I/O: each subscriber has a bounded buffer and slow
// consumers lose intermediate states, not the connection.
package eventbus

import (
	"sync"
	"time"
)

// SubscriberBufferSize is the hard cap on a subscriber's pending event
// buffer. Overflow drops the oldest queued event, preserving the latest
// state.
const SubscriberBufferSize = 256

// coalesceWindow is how long pending-changes snapshots are batched before
// the latest one is flushed to subscribers.
const coalesceWindow = 100 * time.Millisecond

// JobEvent is a job lifecycle or item-level notification, per §4.4.
type JobEvent struct {
	Kind           string // "job", "item", "item_moved", "item_removed"
	JobID          int64
	Type           string
	Status         string
	ProgressDone   int
	ProgressTotal  int
	ProjectFolder  string
	Filename       string
	UpdatedAt      time.Time
}

// ProjectPending is one project's pending-deletion counts.
type ProjectPending struct {
	ProjectFolder string
	PendingTotal  int
	PendingJPG    int
	PendingRaw    int
}

// PendingChangesSnapshot is the full pending-changes state broadcast on
// every commit/revert. Totals and Projects carry the structured view;
// LegacyFlags mirrors it as booleans for older consumers, per §9.
type PendingChangesSnapshot struct {
	TotalPending int
	TotalJPG     int
	TotalRaw     int
	Projects     []ProjectPending
	LegacyFlags  map[string]bool // project_folder -> has any pending change
}

// Bus fans events out to subscribers of the two topics.
type Bus struct {
	mu       sync.RWMutex
	jobSubs  map[*jobSubscriber]struct{}
	pendSubs map[*pendingSubscriber]struct{}

	coalesceMu  sync.Mutex
	coalesceSet bool
	latest      PendingChangesSnapshot
	timer       *time.Timer
}

// New returns a ready Bus.
func New() *Bus {
	return &Bus{
		jobSubs:  make(map[*jobSubscriber]struct{}),
		pendSubs: make(map[*pendingSubscriber]struct{}),
	}
}

type jobSubscriber struct {
	ch chan JobEvent
}

type pendingSubscriber struct {
	ch chan PendingChangesSnapshot
}

// JobSubscription is a live subscription to job events.
type JobSubscription struct {
	C    <-chan JobEvent
	sub  *jobSubscriber
	bus  *Bus
	once sync.Once
}

// Unsubscribe removes the subscription. Idempotent.
func (s *JobSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.jobSubs, s.sub)
		s.bus.mu.Unlock()
		close(s.sub.ch)
	})
}

// SubscribeJobs registers a new job-events subscriber.
func (b *Bus) SubscribeJobs() *JobSubscription {
	sub := &jobSubscriber{ch: make(chan JobEvent, SubscriberBufferSize)}
	b.mu.Lock()
	b.jobSubs[sub] = struct{}{}
	b.mu.Unlock()
	return &JobSubscription{C: sub.ch, sub: sub, bus: b}
}

// PublishJob delivers ev to every job-events subscriber, non-blocking with
// drop-oldest semantics on a full buffer.
func (b *Bus) PublishJob(ev JobEvent) {
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.jobSubs {
		deliverDropOldest(sub.ch, ev)
	}
}

// PendingSubscription is a live subscription to pending-changes snapshots.
type PendingSubscription struct {
	C    <-chan PendingChangesSnapshot
	sub  *pendingSubscriber
	bus  *Bus
	once sync.Once
}

// Unsubscribe removes the subscription. Idempotent.
func (s *PendingSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.pendSubs, s.sub)
		s.bus.mu.Unlock()
		close(s.sub.ch)
	})
}

// SubscribePendingChanges registers a new pending-changes subscriber.
func (b *Bus) SubscribePendingChanges() *PendingSubscription {
	sub := &pendingSubscriber{ch: make(chan PendingChangesSnapshot, SubscriberBufferSize)}
	b.mu.Lock()
	b.pendSubs[sub] = struct{}{}
	b.mu.Unlock()
	return &PendingSubscription{C: sub.ch, sub: sub, bus: b}
}

// PublishPendingChanges coalesces bursts of snapshots within coalesceWindow
// and flushes only the latest one to subscribers.
func (b *Bus) PublishPendingChanges(snap PendingChangesSnapshot) {
	b.coalesceMu.Lock()
	defer b.coalesceMu.Unlock()

	b.latest = snap
	if b.coalesceSet {
		return
	}
	b.coalesceSet = true
	b.timer = time.AfterFunc(coalesceWindow, func() {
		b.coalesceMu.Lock()
		toSend := b.latest
		b.coalesceSet = false
		b.coalesceMu.Unlock()
		b.broadcastPending(toSend)
	})
}

func (b *Bus) broadcastPending(snap PendingChangesSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.pendSubs {
		deliverDropOldest(sub.ch, snap)
	}
}

func deliverDropOldest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
