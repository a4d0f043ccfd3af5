package signaling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = Participant{ID: "alice", Name: "Alice", IsTherapist: true}
	bob   = Participant{ID: "bob", Name: "Bob"}
)

func TestMemoryHubPresence(t *testing.T) {
	hub := NewMemoryHub()

	a, err := hub.Join("s1", alice)
	require.NoError(t, err)
	expectNothing(t, a)

	b, err := hub.Join("s1", bob)
	require.NoError(t, err)

	assert.Equal(t, joinedBy("s1", bob), recv(t, a))
	assert.Equal(t, joinedBy("s1", alice), recv(t, b))
	assert.ElementsMatch(t, []string{"alice", "bob"}, hub.Participants("s1"))

	require.NoError(t, b.Close())
	assert.Equal(t, PeerLeft{SessionID: "s1", PeerID: "bob"}, recv(t, a))
	assert.Equal(t, []string{"alice"}, hub.Participants("s1"))

	_, ok := <-b.Receive()
	assert.False(t, ok)
}

func TestMemoryHubRejectsThirdParticipant(t *testing.T) {
	hub := NewMemoryHub()
	_, err := hub.Join("s1", alice)
	require.NoError(t, err)
	_, err = hub.Join("s1", bob)
	require.NoError(t, err)

	_, err = hub.Join("s1", Participant{ID: "eve"})
	assert.ErrorIs(t, err, ErrSessionFull)

	// Other sessions are independent.
	_, err = hub.Join("s2", Participant{ID: "eve"})
	assert.NoError(t, err)
}

func TestMemoryHubForwardsInOrder(t *testing.T) {
	hub := NewMemoryHub()
	a, _ := hub.Join("s1", alice)
	b, _ := hub.Join("s1", bob)
	recv(t, a)
	recv(t, b)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, a.Send(ctx, MediaState{SessionID: "s1", Audio: i%2 == 0, Video: true}))
	}
	for i := 0; i < 50; i++ {
		msg := recv(t, b)
		assert.Equal(t, i%2 == 0, msg.(MediaState).Audio, "message %d out of order", i)
	}
	expectNothing(t, a)
}

func TestMemoryRelaySendAlone(t *testing.T) {
	hub := NewMemoryHub()
	a, _ := hub.Join("s1", alice)

	assert.NoError(t, a.Send(context.Background(), PeerLeft{SessionID: "s1", PeerID: "x"}))

	a.Close()
	assert.ErrorIs(t, a.Send(context.Background(), PeerLeft{SessionID: "s1", PeerID: "x"}), ErrClosed)
}
