package events

import (
	"sync"
	"testing"

	"chatrelay/internal/domain"
)

func TestHubRoomIsolation(t *testing.T) {
	h := NewHub(4)
	a := h.Subscribe("alice")
	b := h.Subscribe("bob")
	defer a.Close()
	defer b.Close()

	h.Publish("alice", Event{Type: TypeMessageNew})

	select {
	case ev := <-a.C:
		if ev.Type != TypeMessageNew {
			t.Fatalf("event type = %s", ev.Type)
		}
	default:
		t.Fatalf("alice did not receive the event")
	}
	select {
	case ev := <-b.C:
		t.Fatalf("bob received %s published to alice", ev.Type)
	default:
	}
}

func TestHubMultipleSubscribersSameRoom(t *testing.T) {
	h := NewHub(4)
	s1 := h.Subscribe("alice")
	s2 := h.Subscribe("alice")
	defer s1.Close()
	defer s2.Close()

	h.Publish("alice", Event{Type: TypeStatus, Status: domain.StatusRead})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.C:
			if ev.Status != domain.StatusRead {
				t.Fatalf("status = %s", ev.Status)
			}
		default:
			t.Fatalf("subscriber missed the event")
		}
	}
}

func TestHubSlowSubscriberDropsNotBlocks(t *testing.T) {
	h := NewHub(1)
	s := h.Subscribe("alice")
	defer s.Close()

	// second publish overflows the buffer; it must return, not block
	h.Publish("alice", Event{Type: TypeMessageNew, ID: "first"})
	h.Publish("alice", Event{Type: TypeMessageNew, ID: "second"})

	ev := <-s.C
	if ev.ID != "first" {
		t.Fatalf("got %q, want the buffered event", ev.ID)
	}
	select {
	case ev := <-s.C:
		t.Fatalf("overflow event %q was not dropped", ev.ID)
	default:
	}
}

func TestHubCloseIsIdempotent(t *testing.T) {
	h := NewHub(4)
	s := h.Subscribe("alice")
	s.Close()
	s.Close() // second close must not panic

	if _, open := <-s.C; open {
		t.Fatalf("channel still open after Close")
	}

	// publishing to an emptied room is a no-op
	h.Publish("alice", Event{Type: TypeMessageNew})
}

func TestHubPublishToEmptyRoom(t *testing.T) {
	h := NewHub(4)
	h.Publish("nobody", Event{Type: TypeMessageNew})
}

func TestHubConcurrentPublishSubscribe(t *testing.T) {
	h := NewHub(64)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := h.Subscribe("alice")
			s.Close()
		}()
		go func() {
			defer wg.Done()
			h.Publish("alice", Event{Type: TypeStatus})
		}()
	}
	wg.Wait()
}

func TestFanout(t *testing.T) {
	h1 := NewHub(4)
	h2 := NewHub(4)
	s1 := h1.Subscribe("alice")
	s2 := h2.Subscribe("alice")
	defer s1.Close()
	defer s2.Close()

	Fanout{h1, h2}.Publish("alice", Event{Type: TypeStatusBulk, IDs: []string{"a", "b"}})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.C:
			if len(ev.IDs) != 2 {
				t.Fatalf("ids = %v", ev.IDs)
			}
		default:
			t.Fatalf("fanout missed a downstream hub")
		}
	}
}
