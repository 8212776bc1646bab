package core

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeers_SeenAndList(t *testing.T) {
	peers := NewPeers(time.Second, hclog.NewNullLogger())
	defer peers.Close()

	high := identity(9, 7)
	low := identity(1, 5)
	assert.True(t, peers.Seen(high, true, 100))
	assert.True(t, peers.Seen(low, false, 200))
	assert.False(t, peers.Seen(low, false, 300), "already known")

	list := peers.List(300)
	require.Len(t, list, 2)
	assert.Equal(t, low, list[0].Identity, "ordered by identifier")
	assert.Equal(t, uint64(300), list[0].LastSeen)
	assert.True(t, list[1].Leader)

	status := peers.Status(300)
	require.Len(t, status, 2)
	assert.Equal(t, high.ID, status[1].ID)
	assert.Equal(t, uint8(7), status[1].Priority)
}

func TestPeers_SilentPeersAreHidden(t *testing.T) {
	peers := NewPeers(time.Second, hclog.NewNullLogger())
	defer peers.Close()

	peers.Seen(identity(1, 5), false, 0)
	peers.Seen(identity(2, 5), false, 1_500_000)

	list := peers.List(1_600_000)
	require.Len(t, list, 1)
	assert.Equal(t, identity(2, 5), list[0].Identity)
}
