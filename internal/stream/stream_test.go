package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	if got := s.Subscribers(); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	evt := Event{Kind: EventDeleted, Resource: "projects", RecordID: "p1", ActorID: "alice"}
	s.Publish(evt)

	for _, ch := range []<-chan Event{a, b} {
		select {
		case got := <-ch:
			if got.Kind != EventDeleted || got.RecordID != "p1" {
				t.Fatalf("unexpected event: %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	for i := 0; i < 40; i++ {
		s.Publish(Event{Kind: EventCreated, RecordID: "r"})
	}

	// Buffer is 16; extra events are dropped, never blocked on.
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count == 0 || count > 16 {
				t.Fatalf("unexpected buffered count %d", count)
			}
			return
		}
	}
}

func TestSubscribeCancelCloses(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if got := s.Subscribers(); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
}
