package bus_test

import (
	"testing"
	"time"

	"github.com/basket/drover/internal/bus"
)

func TestPublishSubscribe(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    "t1",
		OldStatus: "queued",
		NewStatus: "running",
	})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicTaskStateChanged {
			t.Fatalf("topic = %q", ev.Topic)
		}
		payload, ok := ev.Payload.(bus.TaskStateChangedEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.NewStatus != "running" {
			t.Fatalf("new status = %q", payload.NewStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("approval.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicTaskCompleted, nil)
	b.Publish(bus.TopicApprovalCreated, bus.ApprovalEvent{ApprovalID: "a1"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicApprovalCreated {
			t.Fatalf("unexpected topic %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second event %q", ev.Topic)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed")
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	for i := 0; i < 200; i++ {
		b.Publish(bus.TopicTaskStateChanged, i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != 100 {
				t.Fatalf("buffered %d events, want 100", count)
			}
			return
		}
	}
}
