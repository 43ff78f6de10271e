// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/vibe/ci"
	"github.com/hashicorp/vibe/helper/testlog"
	"github.com/hashicorp/vibe/testutil"
	"github.com/hashicorp/vibe/vibe/structs"
)

func testBroker(t *testing.T, cfg EventBrokerCfg) *EventBroker {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testlog.HCLogger(t)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewEventBroker(ctx, cfg)
}

func jobEvents(jobID string, types ...string) *structs.Events {
	events := make([]structs.Event, 0, len(types))
	for _, typ := range types {
		events = append(events, structs.Event{
			Topic: structs.TopicJob,
			Type:  typ,
			Key:   jobID,
		})
	}
	return &structs.Events{Events: events}
}

func nextTimeout(t *testing.T, sub *Subscription) *structs.Events {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := sub.Next(ctx)
	must.NoError(t, err)
	return events
}

func TestEventBroker_PublishSubscribe(t *testing.T) {
	ci.Parallel(t)

	b := testBroker(t, EventBrokerCfg{})
	sub, err := b.Subscribe(&SubscribeRequest{})
	must.NoError(t, err)
	defer sub.Unsubscribe()

	b.Publish(jobEvents("job-1", structs.TypeJobCreated))
	b.Publish(jobEvents("job-2", structs.TypeJobCreated))

	got := nextTimeout(t, sub)
	must.Len(t, 1, got.Events)
	must.Eq(t, "job-1", got.Events[0].Key)
	must.Eq(t, uint64(1), got.Events[0].Seq)
	must.False(t, got.Events[0].Ts.IsZero())

	got = nextTimeout(t, sub)
	must.Eq(t, "job-2", got.Events[0].Key)
	must.Eq(t, uint64(1), got.Events[0].Seq)
}

func TestEventBroker_FilterByJob(t *testing.T) {
	ci.Parallel(t)

	b := testBroker(t, EventBrokerCfg{})
	sub, err := b.Subscribe(&SubscribeRequest{
		Filter: structs.EventFilter{JobID: "job-1"},
	})
	must.NoError(t, err)
	defer sub.Unsubscribe()

	b.Publish(jobEvents("job-2", structs.TypeJobCreated))
	b.Publish(jobEvents("job-1", structs.TypeJobStarted))

	got := nextTimeout(t, sub)
	must.Len(t, 1, got.Events)
	must.Eq(t, "job-1", got.Events[0].Key)
	must.Eq(t, structs.TypeJobStarted, got.Events[0].Type)

	// nothing else pending
	pending, err := sub.NextNoBlock()
	must.NoError(t, err)
	must.Nil(t, pending)
}

func TestEventBroker_FilterByProject(t *testing.T) {
	ci.Parallel(t)

	b := testBroker(t, EventBrokerCfg{})
	sub, err := b.Subscribe(&SubscribeRequest{
		Filter: structs.EventFilter{ProjectID: "proj-7"},
	})
	must.NoError(t, err)
	defer sub.Unsubscribe()

	b.Publish(&structs.Events{Events: []structs.Event{
		{Topic: structs.TopicJob, Type: structs.TypeJobCreated, Key: "job-1"},
		{Topic: structs.TopicJob, Type: structs.TypeJobCreated, Key: "job-2", FilterKeys: []string{"proj-7"}},
	}})

	got := nextTimeout(t, sub)
	must.Len(t, 1, got.Events)
	must.Eq(t, "job-2", got.Events[0].Key)
}

func TestEventBroker_PerJobOrder(t *testing.T) {
	ci.Parallel(t)

	b := testBroker(t, EventBrokerCfg{})
	sub, err := b.Subscribe(&SubscribeRequest{})
	must.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 50; i++ {
		b.Publish(jobEvents("job-1", structs.TypeJobProgress))
	}

	var last uint64
	for i := 0; i < 50; i++ {
		got := nextTimeout(t, sub)
		for _, ev := range got.Events {
			must.Eq(t, last+1, ev.Seq, must.Sprintf("events out of order at %d", i))
			last = ev.Seq
		}
	}
	must.Eq(t, uint64(50), last)
}

func TestEventBroker_SlowSubscriberClosed(t *testing.T) {
	ci.Parallel(t)

	b := testBroker(t, EventBrokerCfg{
		EventBufferSize:   1,
		SlowDropThreshold: 3,
	})

	slow, err := b.Subscribe(&SubscribeRequest{ID: "slow"})
	must.NoError(t, err)
	healthy, err := b.Subscribe(&SubscribeRequest{ID: "healthy", Buffer: 64})
	must.NoError(t, err)
	defer healthy.Unsubscribe()

	// first batch fills the slow buffer, the next three are dropped and
	// cross the threshold
	for i := 0; i < 4; i++ {
		b.Publish(jobEvents("job-1", structs.TypeJobProgress))
	}

	must.Eq(t, uint64(3), slow.Dropped())
	_, err = slow.Next(context.Background())
	must.ErrorIs(t, err, ErrSubscriptionClosed)
	must.Eq(t, 1, b.Len())

	// the healthy subscriber saw every batch
	for i := 0; i < 4; i++ {
		got := nextTimeout(t, healthy)
		must.Eq(t, uint64(i+1), got.Events[0].Seq)
	}
}

func TestEventBroker_DropResetOnDelivery(t *testing.T) {
	ci.Parallel(t)

	b := testBroker(t, EventBrokerCfg{
		EventBufferSize:   1,
		SlowDropThreshold: 2,
	})

	sub, err := b.Subscribe(&SubscribeRequest{})
	must.NoError(t, err)
	defer sub.Unsubscribe()

	// fill, drop once, then drain so the next publish is buffered again
	b.Publish(jobEvents("job-1", structs.TypeJobProgress))
	b.Publish(jobEvents("job-1", structs.TypeJobProgress))
	must.Eq(t, uint64(1), sub.Dropped())
	nextTimeout(t, sub)

	b.Publish(jobEvents("job-1", structs.TypeJobProgress))
	b.Publish(jobEvents("job-1", structs.TypeJobProgress))
	must.Eq(t, uint64(2), sub.Dropped())

	// drops never ran consecutively past the threshold
	must.Eq(t, 1, b.Len())
	got := nextTimeout(t, sub)
	must.NotNil(t, got)
}

func TestEventBroker_Unsubscribe(t *testing.T) {
	ci.Parallel(t)

	b := testBroker(t, EventBrokerCfg{})
	sub, err := b.Subscribe(&SubscribeRequest{})
	must.NoError(t, err)
	must.Eq(t, 1, b.Len())

	sub.Unsubscribe()
	must.Eq(t, 0, b.Len())

	_, err = sub.Next(context.Background())
	must.ErrorIs(t, err, ErrSubscriptionClosed)

	// a second unsubscribe is a no-op
	sub.Unsubscribe()
}

func TestEventBroker_ShutdownClosesSubscriptions(t *testing.T) {
	ci.Parallel(t)

	ctx, cancel := context.WithCancel(context.Background())
	b := NewEventBroker(ctx, EventBrokerCfg{Logger: testlog.HCLogger(t)})

	sub, err := b.Subscribe(&SubscribeRequest{})
	must.NoError(t, err)

	cancel()

	testutil.WaitForResult(func() (bool, error) {
		if n := b.Len(); n != 0 {
			return false, fmt.Errorf("%d subscriptions still live", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatal(err)
	})

	_, err = sub.Next(context.Background())
	must.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestJsonStream(t *testing.T) {
	ci.Parallel(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	js := NewJsonStream(ctx, 10*time.Millisecond)
	must.NoError(t, js.Send(map[string]string{"event": "job.created"}))

	frame := <-js.OutCh()
	must.Eq(t, `{"event":"job.created"}`, string(frame.Data))

	// heartbeats flow while the stream is idle
	select {
	case frame = <-js.OutCh():
		must.Eq(t, string(JsonHeartbeat.Data), string(frame.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}

	cancel()
	testutil.WaitForResult(func() (bool, error) {
		return js.Send("late") != nil, nil
	}, func(err error) {
		t.Fatal("send after shutdown should fail")
	})
}
