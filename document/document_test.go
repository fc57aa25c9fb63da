package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscribersNotifyIsNonBlocking(t *testing.T) {
	s := newSubscribers()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.notify()
	s.notify()
	s.notify()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}
}

func TestSubscribersCancelStopsDelivery(t *testing.T) {
	s := newSubscribers()
	ch, cancel := s.Subscribe()
	cancel()
	s.notify()

	select {
	case v, ok := <-ch:
		assert.False(t, ok, "channel should be closed or empty, got %v", v)
	case <-time.After(50 * time.Millisecond):
		// No notification delivered after cancel: expected.
	}
}

func TestSubscribersFanOutToAll(t *testing.T) {
	s := newSubscribers()
	ch1, cancel1 := s.Subscribe()
	ch2, cancel2 := s.Subscribe()
	defer cancel1()
	defer cancel2()

	s.notify()

	for _, ch := range []<-chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("expected every subscriber to be notified")
		}
	}
}
