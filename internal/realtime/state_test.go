package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectPolicySequence(t *testing.T) {
	p := ReconnectPolicy{Base: time.Second, Cap: 30 * time.Second}

	var got []time.Duration
	for range 8 {
		got = append(got, p.Next())
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, got)
}

func TestReconnectPolicyResetAndOverflow(t *testing.T) {
	p := ReconnectPolicy{Base: time.Second, Cap: 30 * time.Second, Attempt: 200}
	assert.Equal(t, 30*time.Second, p.Delay(), "large attempt counts must not overflow")

	p.Reset()
	assert.Equal(t, time.Second, p.Next())
	assert.Equal(t, 1, p.Attempt)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "authenticating", StateAwaitingAuth.String())
	assert.Equal(t, "unknown", State(42).String())
}
