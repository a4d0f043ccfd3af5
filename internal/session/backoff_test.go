package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	p := ReconnectPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, p.backoff(i))
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)
}

func TestBackoffWithoutMax(t *testing.T) {
	p := ReconnectPolicy{InitialBackoff: time.Second}
	assert.Equal(t, 8*time.Second, p.backoff(3))
}
