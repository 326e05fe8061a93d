package bus

import "sync"

// State is the connection state of a bus handle.
type State int

// Connection states, numbered like the browser WebSocket readyState.
const (
	StateConnecting State = 0
	StateOpen       State = 1
	StateClosing    State = 2
	StateClosed     State = 3
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type openSubscriber struct {
	fn func()
}

// Notifier tracks a handle's ready state and the one-shot subscribers waiting
// for it to become OPEN. Subscribers are notified in subscription order on
// each transition into OPEN and removed once notified. The zero value is a
// CONNECTING notifier with no subscribers.
type Notifier struct {
	mu          sync.Mutex
	state       State
	subscribers []*openSubscriber
}

// NewNotifier returns a Notifier starting in the given state.
func NewNotifier(initial State) *Notifier {
	return &Notifier{state: initial}
}

// State returns the current state.
func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetState records a state change. Entering OPEN from any other state fires
// and clears every pending subscriber, outside the lock.
func (n *Notifier) SetState(s State) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	var fire []*openSubscriber
	if s == StateOpen && prev != StateOpen {
		fire = n.subscribers
		n.subscribers = nil
	}
	n.mu.Unlock()

	for _, sub := range fire {
		sub.fn()
	}
}

// OnOpen registers fn to run the next time the state becomes OPEN. If the
// state is already OPEN, fn runs immediately on the calling goroutine.
func (n *Notifier) OnOpen(fn func()) (cancel func()) {
	n.mu.Lock()
	if n.state == StateOpen {
		n.mu.Unlock()
		fn()
		return func() {}
	}
	sub := &openSubscriber{fn: fn}
	n.subscribers = append(n.subscribers, sub)
	n.mu.Unlock()

	return func() { n.remove(sub) }
}

// Pending returns the number of subscribers waiting for OPEN.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subscribers)
}

func (n *Notifier) remove(sub *openSubscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subscribers {
		if s == sub {
			n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
			return
		}
	}
}
