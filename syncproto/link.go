package syncproto

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Link is a framed byte-stream connection to one peer. A net.Conn, or
// either end of a net.Pipe in tests, satisfies it.
type Link interface {
	io.Reader
	io.Writer
	io.Closer
}

// State is one of LinkManager's four connection states (spec §4.5).
type State int

const (
	// Disabled means SetConnectionEnabled(false) was called; the manager
	// will not attempt to connect until re-enabled.
	Disabled State = iota
	// Disconnected means connection is wanted but no attempt is currently
	// in flight, either because the last attempt failed or the link
	// dropped and backoff is pending, or because Enable has just started
	// the loop and it has not yet dialed.
	Disconnected
	// Connecting means a Dial call is currently in flight.
	Connecting
	// Connected means a Link is open and its read/write pumps are active.
	Connected
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Dialer opens a new Link to the coordinator.
type Dialer func(ctx context.Context) (Link, error)

// Backoff controls the delay between reconnect attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff matches gazette's own reconnect-with-backoff posture for
// a client maintaining a single long-lived broker connection.
var DefaultBackoff = Backoff{
	Initial:    250 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2,
}

func (b Backoff) next(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	// Full jitter, so many clients reconnecting simultaneously after a
	// coordinator restart don't all retry in lockstep.
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// LinkManager owns the lifecycle of one outbound Link: dialing, applying
// backoff on failure, running read/write pumps while connected, and
// exposing the current State to callers like ConnectionStatus.
type LinkManager struct {
	dial    Dialer
	backoff Backoff
	onLink  func(ctx context.Context, link Link) error

	mu      sync.Mutex
	state   State
	attempt int
	cancel  context.CancelFunc
	log     logrus.FieldLogger
}

// NewLinkManager constructs a manager that dials with dial and, once
// connected, hands the Link to onLink, which should block pumping
// messages until the link fails or ctx is cancelled.
func NewLinkManager(dial Dialer, onLink func(ctx context.Context, link Link) error) *LinkManager {
	return &LinkManager{
		dial:    dial,
		backoff: DefaultBackoff,
		onLink:  onLink,
		state:   Disabled,
		log:     logrus.WithField("component", "syncproto.LinkManager"),
	}
}

// State returns the manager's current connection state.
func (m *LinkManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *LinkManager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Enable starts the connect-retry loop in a background goroutine if it is
// not already running. It is a no-op if already enabled.
func (m *LinkManager) Enable(ctx context.Context) {
	m.mu.Lock()
	if m.state != Disabled {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.attempt = 0
	m.state = Disconnected
	m.mu.Unlock()

	go m.run(runCtx)
}

// Disable stops the connect-retry loop and closes any active link.
// SetConnectionEnabled(false) from the host-facing API calls this.
func (m *LinkManager) Disable() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.state = Disabled
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *LinkManager) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(Connecting)
		link, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			attempt := m.attempt
			m.attempt++
			m.mu.Unlock()
			m.setState(Disconnected)
			d := m.backoff.next(attempt)
			m.log.WithError(err).WithField("backoff", d).Warn("link dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}

		m.mu.Lock()
		m.attempt = 0
		m.mu.Unlock()
		m.setState(Connected)

		err = m.onLink(ctx, link)
		link.Close()
		if ctx.Err() != nil {
			return
		}
		m.setState(Disconnected)
		if err != nil {
			m.log.WithError(err).Warn("link dropped")
		}
		m.mu.Lock()
		attempt := m.attempt
		m.attempt++
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.backoff.next(attempt)):
		}
	}
}
