package session

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/trnila/rollerctrl/protocol"
)

func startBroker(t *testing.T, buffer int) *Broker {
	t.Helper()
	b := newBroker(buffer, quietLogger(), newMetrics(nil, nil))
	go b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestBrokerFanOut(t *testing.T) {
	b := startBroker(t, 8)

	subs := []<-chan protocol.Event{b.Subscribe(), b.Subscribe()}
	got := make(chan protocol.Event, 4)
	b.Listen(func(evt protocol.Event) { got <- evt })

	evt := protocol.Unrecognized{ID: 0x42}
	b.Broadcast(evt)

	for i, sub := range subs {
		if e := receive(t, sub); e.(protocol.Unrecognized).ID != 0x42 {
			t.Errorf("subscriber %d got %#v", i, e)
		}
	}
	select {
	case e := <-got:
		if e.(protocol.Unrecognized).ID != 0x42 {
			t.Errorf("listener got %#v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := startBroker(t, 8)
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("received event after Unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestBrokerRemoveListener(t *testing.T) {
	b := startBroker(t, 8)
	calls := make(chan struct{}, 4)
	remove := b.Listen(func(protocol.Event) { calls <- struct{}{} })
	remove()

	sub := b.Subscribe()
	b.Broadcast(protocol.Unrecognized{})
	receive(t, sub)

	select {
	case <-calls:
		t.Error("removed listener was called")
	default:
	}
}

func TestBrokerSlowSubscriberDrops(t *testing.T) {
	b := startBroker(t, 1)
	seen := make(chan protocol.Event, 4)
	b.Listen(func(evt protocol.Event) { seen <- evt })
	slow := b.Subscribe()

	for id := byte(1); id <= 3; id++ {
		b.Broadcast(protocol.Unrecognized{ID: id})
	}
	// listeners run before subscribers, so wait for the event after the last
	for i := 0; i < 3; i++ {
		receive(t, seen)
	}
	b.Broadcast(protocol.Unrecognized{ID: 4})
	receive(t, seen)

	if e := receive(t, slow); e.(protocol.Unrecognized).ID != 1 {
		t.Errorf("slow subscriber got %#v, want the first event", e)
	}
	if got := testutil.ToFloat64(b.metrics.eventsDropped); got < 2 {
		t.Errorf("dropped = %v, want at least 2", got)
	}
}

func TestBrokerPanickingListener(t *testing.T) {
	b := startBroker(t, 8)
	b.Listen(func(protocol.Event) { panic("boom") })
	sub := b.Subscribe()

	b.Broadcast(protocol.Unrecognized{ID: 9})
	if e := receive(t, sub); e.(protocol.Unrecognized).ID != 9 {
		t.Errorf("got %#v", e)
	}
}

func TestBrokerStop(t *testing.T) {
	b := newBroker(8, quietLogger(), newMetrics(nil, nil))
	go b.Start()
	b.Stop()
	b.Stop()

	// calls after Stop must not block
	b.Broadcast(protocol.Unrecognized{})
	if _, ok := <-b.Subscribe(); ok {
		t.Error("Subscribe after Stop returned an open channel")
	}
	b.Listen(func(protocol.Event) {})()
}
