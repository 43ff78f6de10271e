// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/vibe/vibe/structs"
)

const (
	// subscriptionStateOpen is the default state of a subscription. An open
	// subscription may receive new events.
	subscriptionStateOpen uint32 = 0

	// subscriptionStateClosed indicates that the subscription was closed by
	// the broker, typically for falling too far behind, and will not
	// receive new events. The subscriber must issue a new Subscribe
	// request.
	subscriptionStateClosed uint32 = 1
)

// ErrSubscriptionClosed is an error signalling the subscription has been
// closed. The client should Unsubscribe, then re-Subscribe.
var ErrSubscriptionClosed = errors.New("subscription closed by server, client should resubscribe")

// SubscribeRequest describes the events a subscriber wants.
type SubscribeRequest struct {
	// ID identifies the subscriber in logs and gauges. Assigned when
	// empty.
	ID string

	// Filter selects events by job or project; the zero filter matches
	// everything.
	Filter structs.EventFilter

	// Buffer overrides the broker's per-subscriber buffer size when
	// positive.
	Buffer int
}

// Subscription is one subscriber's private, ordered event feed. Events
// the broker could not buffer are counted and dropped rather than slowing
// other subscribers down.
type Subscription struct {
	// state must be accessed atomically. 0 means open, 1 means closed.
	state uint32

	req *SubscribeRequest

	// events buffers pending batches. Only the broker sends; delivery
	// order within a job is publish order.
	events chan *structs.Events

	// forceClosed is closed when the broker drops the subscriber. It
	// unblocks Next.
	forceClosed chan struct{}
	closeOnce   sync.Once

	// consecutive full-buffer drops; owned by the broker.
	drops int

	// dropped counts every lost batch over the subscription lifetime.
	dropped uint64

	// unsub releases broker resources. Idempotent and safe to call from
	// any goroutine.
	unsub func()
}

func newSubscription(req *SubscribeRequest, size int) *Subscription {
	return &Subscription{
		req:         req,
		events:      make(chan *structs.Events, size),
		forceClosed: make(chan struct{}),
	}
}

// Next blocks until a matching batch arrives, the context ends, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (*structs.Events, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return nil, ErrSubscriptionClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.forceClosed:
		return nil, ErrSubscriptionClosed
	case events := <-s.events:
		return events, nil
	}
}

// NextNoBlock returns the next pending batch, or nil when the buffer is
// empty.
func (s *Subscription) NextNoBlock() (*structs.Events, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return nil, ErrSubscriptionClosed
	}

	select {
	case events := <-s.events:
		return events, nil
	default:
		return nil, nil
	}
}

// Unsubscribe releases the subscription's broker resources.
func (s *Subscription) Unsubscribe() {
	if s.unsub != nil {
		s.unsub()
	}
}

// Dropped returns how many batches were lost to a full buffer.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Subscription) forceClose() {
	s.closeOnce.Do(func() {
		atomic.StoreUint32(&s.state, subscriptionStateClosed)
		close(s.forceClosed)
	})
}
