package syncproto

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeLink adapts one end of a net.Pipe to the Link interface (net.Conn
// already satisfies it; this alias documents the substitution for tests).
type pipeLink struct{ net.Conn }

func TestLinkManagerConnectsAndRunsOnLink(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	var dialed int32
	dial := func(ctx context.Context) (Link, error) {
		atomic.AddInt32(&dialed, 1)
		return pipeLink{clientSide}, nil
	}

	onLinkCalled := make(chan struct{})
	m := NewLinkManager(dial, func(ctx context.Context, link Link) error {
		close(onLinkCalled)
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Enable(ctx)

	select {
	case <-onLinkCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("onLink was never invoked")
	}
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialed))
}

func TestLinkManagerStartsDisabled(t *testing.T) {
	m := NewLinkManager(func(ctx context.Context) (Link, error) {
		t.Fatal("dial should not be called before Enable")
		return nil, nil
	}, func(ctx context.Context, link Link) error { return nil })
	assert.Equal(t, Disabled, m.State())
}

func TestLinkManagerRetriesAfterDialFailure(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	var attempts int32
	dial := func(ctx context.Context) (Link, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return nil, errors.New("connection refused")
		}
		return pipeLink{clientSide}, nil
	}

	connected := make(chan struct{})
	m := NewLinkManager(dial, func(ctx context.Context, link Link) error {
		close(connected)
		<-ctx.Done()
		return nil
	})
	m.backoff = Backoff{Initial: time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Enable(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never recovered from initial dial failure")
	}
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 2)
}

func TestLinkManagerDisableStopsLoop(t *testing.T) {
	_, clientSide := net.Pipe()
	dial := func(ctx context.Context) (Link, error) {
		return pipeLink{clientSide}, nil
	}
	released := make(chan struct{})
	m := NewLinkManager(dial, func(ctx context.Context, link Link) error {
		<-ctx.Done()
		close(released)
		return nil
	})
	m.Enable(context.Background())

	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, time.Millisecond)
	m.Disable()
	require.Eventually(t, func() bool { return m.State() == Disabled }, time.Second, time.Millisecond)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("onLink's context was never cancelled by Disable")
	}
}

func TestBackoffNextStaysWithinMax(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 10}
	for attempt := 0; attempt < 10; attempt++ {
		d := b.next(attempt)
		assert.LessOrEqual(t, d, b.Max)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disabled", Disabled.String())
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}
