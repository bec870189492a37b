package realtime

import "time"

// State is the lifecycle state of the real-time channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAuth
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Status is published to the listener on every transition.
type Status struct {
	State State

	// Attempt is the number of reconnects scheduled since the last Open.
	Attempt int

	// RetryIn is the delay of the pending reconnect, zero when none is
	// scheduled.
	RetryIn time.Duration

	// Err is the transport error that caused the last close, if any.
	Err error
}

// ReconnectPolicy computes capped exponential reconnect delays.
type ReconnectPolicy struct {
	Base    time.Duration
	Cap     time.Duration
	Attempt int
}

// Delay returns min(Base * 2^Attempt, Cap).
func (p ReconnectPolicy) Delay() time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < p.Attempt; i++ {
		if d >= p.Cap {
			return p.Cap
		}
		d *= 2
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Next returns the delay for the current attempt and advances to the next.
func (p *ReconnectPolicy) Next() time.Duration {
	d := p.Delay()
	p.Attempt++
	return d
}

// Reset starts the sequence over; called on every successful Open.
func (p *ReconnectPolicy) Reset() {
	p.Attempt = 0
}
