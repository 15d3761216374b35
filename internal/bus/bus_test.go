package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicRunUpdated)
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunUpdated, RunUpdatedEvent{HostID: "lab"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicRunUpdated {
			t.Errorf("topic = %q", ev.Topic)
		}
		if got, ok := ev.Payload.(RunUpdatedEvent); !ok || got.HostID != "lab" {
			t.Errorf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	all := b.Subscribe("")
	conn := b.Subscribe("conn.")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(conn)

	b.Publish(TopicSessionUpdated, nil)
	b.Publish(TopicConnStatus, nil)

	if got := len(all.Ch()); got != 2 {
		t.Errorf("catch-all received %d events, want 2", got)
	}
	if got := len(conn.Ch()); got != 1 {
		t.Errorf("conn prefix received %d events, want 1", got)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicEventAppended, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := len(sub.Ch()); got != defaultBufferSize {
		t.Errorf("buffered %d events, want %d", got, defaultBufferSize)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("subscriber count = %d", got)
	}
}
