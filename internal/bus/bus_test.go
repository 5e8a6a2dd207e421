package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskCompleted, TaskCompletedEvent{TaskID: "t1", Result: "ok"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTaskCompleted {
			t.Fatalf("topic = %q", ev.Topic)
		}
		payload, ok := ev.Payload.(TaskCompletedEvent)
		if !ok || payload.TaskID != "t1" {
			t.Fatalf("payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(taskSub)
	defer b.Unsubscribe(allSub)

	b.Publish("session.created", nil)

	select {
	case ev := <-taskSub.Ch():
		t.Fatalf("task subscriber got %q", ev.Topic)
	default:
	}
	select {
	case ev := <-allSub.Ch():
		if ev.Topic != "session.created" {
			t.Fatalf("topic = %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("empty-prefix subscriber missed event")
	}
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Fill past the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicTaskFailed, TaskFailedEvent{TaskID: "t"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow consumer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", b.SubscriberCount())
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
