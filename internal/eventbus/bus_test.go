package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubC()

	b.Publish(Event{Type: EventArmed})
	for name, ch := range map[string]<-chan Event{"a": a, "c": c} {
		select {
		case e := <-ch:
			if e.Type != EventArmed || e.Time.IsZero() {
				t.Fatalf("%s: unexpected event %+v", name, e)
			}
		default:
			t.Fatalf("%s: no event delivered", name)
		}
	}

	unsubA()
	unsubA() // idempotent
	if _, ok := <-a; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	b.Publish(Event{Type: EventFired})
	select {
	case e := <-c:
		if e.Type != EventFired {
			t.Fatalf("unexpected event %+v", e)
		}
	default:
		t.Fatal("remaining subscriber missed the event")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: EventArmed, Time: time.Unix(1, 0)})
	b.Publish(Event{Type: EventFired, Time: time.Unix(2, 0)}) // buffer full, dropped

	e := <-ch
	if e.Type != EventArmed {
		t.Fatalf("kept event = %q, want the first one", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("overflow event was not dropped: %+v", e)
	default:
	}
}
