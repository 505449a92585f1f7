package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
		return Event{}
	}
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(1)
	defer unsubC()

	b.Publish(Event{Type: TopicDispatchTick})

	for _, ch := range []<-chan Event{a, c} {
		e := recv(t, ch)
		assert.Equal(t, TopicDispatchTick, e.Type)
		assert.False(t, e.Time.IsZero())
	}
}

func TestSubscribeFiltersByTopicPrefix(t *testing.T) {
	b := New()
	notify, unsub := b.Subscribe(4, "notify")
	defer unsub()

	b.Publish(Event{Type: TopicDispatchTick})
	b.Publish(Event{Type: TopicNotifySent})
	b.Publish(Event{Type: "notifyx"})
	b.Publish(Event{Type: TopicNotifyFailed})

	assert.Equal(t, TopicNotifySent, recv(t, notify).Type)
	assert.Equal(t, TopicNotifyFailed, recv(t, notify).Type)
	select {
	case e := <-notify:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
	assert.Zero(t, b.Dropped())
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	require.Equal(t, "a", recv(t, ch).Type)
	select {
	case e := <-ch:
		t.Fatalf("expected overflow to be dropped, got %q", e.Type)
	default:
	}
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: "late"})

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, b.Dropped())
}
