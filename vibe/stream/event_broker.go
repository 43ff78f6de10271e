// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package stream implements the progress bus: a one-to-many broadcast of
// job and task events. Every subscriber owns a private buffered channel;
// delivery is best effort per subscriber so one slow consumer can never
// stall the runtime or its peers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/vibe/vibe/structs"
)

const (
	// DefaultEventBufferSize is the per-subscriber buffer capacity in
	// batches.
	DefaultEventBufferSize = 100

	// DefaultSlowDropThreshold is how many consecutive batches a
	// subscriber may lose before it is force-closed.
	DefaultSlowDropThreshold = 10
)

// EventBrokerCfg configures an EventBroker.
type EventBrokerCfg struct {
	EventBufferSize   int
	SlowDropThreshold int
	Logger            hclog.Logger
}

// EventBroker fans published events out to subscribers. Publishing under
// the broker lock gives every subscriber the same per-job order; Seq is
// stamped here and is monotone per job.
type EventBroker struct {
	logger hclog.Logger

	bufferSize        int
	slowDropThreshold int

	mu   sync.Mutex
	subs map[*Subscription]struct{}
	seq  map[string]uint64

	// index increments per published batch.
	index uint64
}

// NewEventBroker returns a broker that shuts down with ctx, closing every
// subscription.
func NewEventBroker(ctx context.Context, cfg EventBrokerCfg) *EventBroker {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultEventBufferSize
	}
	if cfg.SlowDropThreshold <= 0 {
		cfg.SlowDropThreshold = DefaultSlowDropThreshold
	}

	b := &EventBroker{
		logger:            cfg.Logger.Named("event_broker"),
		bufferSize:        cfg.EventBufferSize,
		slowDropThreshold: cfg.SlowDropThreshold,
		subs:              make(map[*Subscription]struct{}),
		seq:               make(map[string]uint64),
	}

	go func() {
		<-ctx.Done()
		b.CloseAll()
	}()

	return b
}

// Len returns the number of live subscriptions.
func (b *EventBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish stamps timestamps, per-job sequence numbers, and the batch
// index, then fans the batch out. The broker takes ownership of the
// batch; callers must not mutate it afterward. Never blocks: subscribers
// with full buffers lose the batch.
func (b *EventBroker) Publish(events *structs.Events) {
	if events == nil || len(events.Events) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.index++
	events.Index = b.index

	now := time.Now().UTC()
	for i := range events.Events {
		ev := &events.Events[i]
		if ev.Ts.IsZero() {
			ev.Ts = now
		}
		if ev.Key != "" {
			b.seq[ev.Key]++
			ev.Seq = b.seq[ev.Key]
		}
	}

	for sub := range b.subs {
		b.deliverLocked(sub, events)
	}
}

func (b *EventBroker) deliverLocked(sub *Subscription, events *structs.Events) {
	filtered := filter(sub.req, events)
	if filtered == nil {
		return
	}

	select {
	case sub.events <- filtered:
		sub.drops = 0
	default:
		sub.drops++
		atomic.AddUint64(&sub.dropped, 1)
		metrics.IncrCounter([]string{"vibe", "stream", "dropped_batches"}, 1)

		if sub.drops >= b.slowDropThreshold {
			b.logger.Warn("closing slow subscriber",
				"subscriber_id", sub.req.ID,
				"consecutive_drops", sub.drops,
				"dropped_total", atomic.LoadUint64(&sub.dropped))
			sub.forceClose()
			delete(b.subs, sub)
			b.setSubscriberGauge()
		} else {
			b.logger.Debug("subscriber buffer full, dropping batch",
				"subscriber_id", sub.req.ID,
				"consecutive_drops", sub.drops)
		}
	}
}

// Subscribe registers a new subscriber and returns its private feed.
func (b *EventBroker) Subscribe(req *SubscribeRequest) (*Subscription, error) {
	if req == nil {
		req = &SubscribeRequest{}
	}
	if req.ID == "" {
		req.ID = structs.GenerateID()
	}

	size := b.bufferSize
	if req.Buffer > 0 {
		size = req.Buffer
	}

	sub := newSubscription(req, size)
	sub.unsub = func() { b.remove(sub) }

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub] = struct{}{}
	b.setSubscriberGauge()
	return sub, nil
}

func (b *EventBroker) remove(sub *Subscription) {
	sub.forceClose()
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
	b.setSubscriberGauge()
}

// CloseAll force-closes every subscription. Safe to call twice.
func (b *EventBroker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.forceClose()
		delete(b.subs, sub)
	}
	b.setSubscriberGauge()
}

func (b *EventBroker) setSubscriberGauge() {
	metrics.SetGauge([]string{"vibe", "stream", "subscribers"}, float32(len(b.subs)))
}

// filter returns the subset of a batch matching the subscriber, nil when
// nothing matches. The original batch is never mutated.
func filter(req *SubscribeRequest, events *structs.Events) *structs.Events {
	matched := 0
	for i := range events.Events {
		if req.Filter.Matches(&events.Events[i]) {
			matched++
		}
	}
	if matched == 0 {
		return nil
	}
	if matched == len(events.Events) {
		return events
	}

	result := &structs.Events{
		Index:  events.Index,
		Events: make([]structs.Event, 0, matched),
	}
	for i := range events.Events {
		if req.Filter.Matches(&events.Events[i]) {
			result.Events = append(result.Events, events.Events[i])
		}
	}
	return result
}
