package election

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 3 * time.Second
	settle  = 500 * time.Millisecond
)

var settleMicros = uint64(settle.Microseconds())

func identity(last byte, priority uint8) types.Identity {
	return types.Identity{ID: types.DeviceID{0x02, 0, 0, 0, 0, last}, Priority: priority}
}

func newElection(id types.Identity) *Election {
	e := New(id, timeout, settle, hclog.NewNullLogger())
	e.Start(0)
	return e
}

// Delivers every pending negotiation frame to all the other devices,
// until nobody has anything left to announce.
func exchange(now uint64, elections ...*Election) {
	for {
		sent := false
		for _, from := range elections {
			if _, ok := from.TakeAnnouncement(); !ok {
				continue
			}
			sent = true
			for _, to := range elections {
				if to != from {
					to.Observe(from.Self(), now)
				}
			}
		}
		if !sent {
			return
		}
	}
}

// Heartbeats from every leader reach every other device.
func heartbeats(now uint64, elections ...*Election) {
	for _, from := range elections {
		if from.Role() != types.Leader {
			continue
		}
		for _, to := range elections {
			if to != from {
				to.Heartbeat(from.Self(), now)
			}
		}
	}
}

func converge(t *testing.T, now uint64, elections ...*Election) {
	for _, e := range elections {
		e.Poll(now)
	}
	exchange(now, elections...)
	heartbeats(now, elections...)
}

func TestElection_HigherPriorityWinsRegardlessOfOrder(t *testing.T) {
	for _, firstHigh := range []bool{true, false} {
		low := newElection(identity(1, 5))
		high := newElection(identity(9, 7))

		first, second := low, high
		if firstHigh {
			first, second = high, low
		}

		require.True(t, first.Negotiate(0))
		exchange(0, low, high)
		second.Negotiate(100)
		exchange(100, low, high)

		converge(t, settleMicros+100, low, high)
		converge(t, settleMicros+200, low, high)

		assert.Equal(t, types.Leader, high.Role(), "high first: %v", firstHigh)
		assert.Equal(t, types.Follower, low.Role(), "high first: %v", firstHigh)
		assert.Equal(t, high.Self().ID, low.Leader())
		assert.Equal(t, high.Self().ID, high.Leader())
	}
}

func TestElection_LowerStarterCannotWinAlone(t *testing.T) {
	low := newElection(identity(1, 5))
	high := newElection(identity(9, 7))

	low.Negotiate(0)
	exchange(0, low, high)
	assert.Equal(t, types.Candidate, high.Role(), "outranking follower joins the negotiation")

	assert.Equal(t, types.Follower, low.Poll(settleMicros))
	assert.Equal(t, types.Leader, high.Poll(settleMicros))
	assert.Equal(t, high.Self().ID, low.Leader())
}

func TestElection_TieBreaksToLowerID(t *testing.T) {
	a := newElection(identity(1, 5))
	b := newElection(identity(2, 5))

	b.Negotiate(0)
	a.Negotiate(0)
	exchange(0, a, b)
	converge(t, settleMicros, a, b)

	assert.Equal(t, types.Leader, a.Role())
	assert.Equal(t, types.Follower, b.Role())
	assert.Equal(t, a.Self().ID, b.Leader())
}

func TestElection_LoneDeviceBecomesLeader(t *testing.T) {
	e := newElection(identity(1, 1))
	transitions := make([]Transition, 0)
	e.OnTransition(func(tr Transition) { transitions = append(transitions, tr) })

	assert.Equal(t, types.Follower, e.Poll(uint64(timeout.Microseconds())))
	assert.Equal(t, types.Candidate, e.Poll(uint64(timeout.Microseconds())+1))

	p, ok := e.TakeAnnouncement()
	require.True(t, ok)
	assert.True(t, p.IsNegotiation())
	assert.Equal(t, uint32(1), p.Value)
	_, ok = e.TakeAnnouncement()
	assert.False(t, ok, "announced once")

	deadline := uint64(timeout.Microseconds()) + 1 + settleMicros
	assert.Equal(t, types.Candidate, e.Poll(deadline-1), "window still open")
	assert.Equal(t, types.Leader, e.Poll(deadline))

	require.Len(t, transitions, 2)
	assert.Equal(t, Transition{From: types.Follower, To: types.Candidate, At: uint64(timeout.Microseconds()) + 1}, transitions[0])
	assert.Equal(t, types.Leader, transitions[1].To)
	assert.Equal(t, e.Self().ID, transitions[1].Leader)
}

func TestElection_LeaderNeverTimesOut(t *testing.T) {
	e := newElection(identity(1, 1))
	e.Negotiate(0)
	require.Equal(t, types.Leader, e.Poll(settleMicros))

	assert.Equal(t, types.Leader, e.Poll(1<<50))
	assert.False(t, e.Negotiate(1<<50))
}

func TestElection_HeartbeatKeepsFollower(t *testing.T) {
	e := newElection(identity(1, 1))
	leader := identity(9, 9)

	accepted, changed := e.Heartbeat(leader, 1000)
	assert.True(t, accepted)
	assert.True(t, changed)

	step := uint64(timeout.Microseconds()) / 2
	for now := uint64(1000); now < 10*step; now += step {
		accepted, changed = e.Heartbeat(leader, now)
		assert.True(t, accepted)
		assert.False(t, changed)
		assert.Equal(t, types.Follower, e.Poll(now+step-1))
	}

	state := e.State()
	assert.Equal(t, leader.ID, state.Leader)
	assert.Equal(t, uint64(timeout.Microseconds()), state.Timeout)
}

func TestElection_HeartbeatFromOtherLeaders(t *testing.T) {
	e := newElection(identity(5, 5))
	current := identity(7, 7)
	lower := identity(6, 6)
	higher := identity(8, 8)

	e.Heartbeat(current, 100)

	accepted, _ := e.Heartbeat(lower, 200)
	assert.False(t, accepted, "lower leader ignored while the current one is alive")
	assert.Equal(t, current.ID, e.Leader())

	accepted, changed := e.Heartbeat(higher, 300)
	assert.True(t, accepted)
	assert.True(t, changed)
	assert.Equal(t, higher.ID, e.Leader())

	silent := 300 + uint64(timeout.Microseconds()) + 1
	accepted, changed = e.Heartbeat(lower, silent)
	assert.True(t, accepted, "silent leader replaced")
	assert.True(t, changed)
	assert.Equal(t, lower.ID, e.Leader())

	accepted, _ = e.Heartbeat(e.Self(), silent)
	assert.False(t, accepted)
}

func TestElection_CandidateCountsLeaderHeartbeat(t *testing.T) {
	e := newElection(identity(5, 5))
	e.Negotiate(0)

	accepted, _ := e.Heartbeat(identity(7, 7), 10)
	assert.False(t, accepted)
	e.Poll(settleMicros)
	assert.Equal(t, types.Follower, e.Role())
	assert.Equal(t, identity(7, 7).ID, e.Leader())
}

func TestElection_Recognizes(t *testing.T) {
	self := identity(1, 5)
	higher := identity(9, 7)
	lower := identity(3, 2)

	e := newElection(self)
	assert.False(t, e.Recognizes(higher.ID), "no leader known yet")

	require.True(t, e.Negotiate(1))
	assert.False(t, e.Recognizes(self.ID))
	e.Heartbeat(lower, 2)
	assert.False(t, e.Recognizes(lower.ID), "ranked below this device")
	e.Heartbeat(higher, 3)
	assert.True(t, e.Recognizes(higher.ID), "top contender of the negotiation")
	assert.False(t, e.Recognizes(lower.ID))

	e.Poll(1 + settleMicros)
	require.Equal(t, types.Follower, e.Role())
	assert.True(t, e.Recognizes(higher.ID))
	assert.False(t, e.Recognizes(lower.ID))

	leader := newElection(higher)
	leader.Poll(uint64(timeout.Microseconds()) + 1)
	leader.Poll(uint64(timeout.Microseconds()) + 2 + settleMicros)
	require.Equal(t, types.Leader, leader.Role())
	assert.False(t, leader.Recognizes(self.ID))
}

func TestElection_LeaderReaffirmsAgainstLowerNegotiation(t *testing.T) {
	leader := newElection(identity(1, 9))
	leader.Negotiate(0)
	leader.TakeAnnouncement()
	require.Equal(t, types.Leader, leader.Poll(settleMicros))

	leader.Observe(identity(2, 3), settleMicros+1)
	_, ok := leader.TakeAnnouncement()
	assert.True(t, ok)

	leader.Observe(identity(3, 200), settleMicros+2)
	_, ok = leader.TakeAnnouncement()
	assert.False(t, ok, "outranked leader stays quiet")
	assert.Equal(t, types.Leader, leader.Role())
}

func TestElection_Demote(t *testing.T) {
	e := newElection(identity(1, 3))
	assert.False(t, e.Demote(identity(2, 9), 0), "only leaders demote")

	e.Negotiate(0)
	e.Poll(settleMicros)
	require.Equal(t, types.Leader, e.Role())

	var seen Transition
	e.OnTransition(func(tr Transition) { seen = tr })
	assert.True(t, e.Demote(identity(2, 9), settleMicros+5))
	assert.Equal(t, types.Follower, e.Role())
	assert.Equal(t, identity(2, 9).ID, e.Leader())
	assert.Equal(t, Transition{From: types.Leader, To: types.Follower, Leader: identity(2, 9).ID, At: settleMicros + 5}, seen)

	// Heartbeat timeout counts from the demotion.
	assert.Equal(t, types.Follower, e.Poll(settleMicros+5+uint64(timeout.Microseconds())))
}

func TestBallotBox_Rank(t *testing.T) {
	box := NewBallotBox()
	_, ok := box.Winner()
	assert.False(t, ok)

	box.Cast(identity(3, 5))
	box.Cast(identity(1, 5))
	box.Cast(identity(9, 4))
	box.Cast(identity(1, 5))

	assert.Equal(t, 3, box.Size())
	winner, ok := box.Winner()
	require.True(t, ok)
	assert.Equal(t, identity(1, 5), winner)

	box.Cast(identity(200, 6))
	winner, _ = box.Winner()
	assert.Equal(t, identity(200, 6), winner)

	box.Clear()
	assert.Zero(t, box.Size())

	a := types.Identity{ID: types.DeviceID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, Priority: 1}
	b := types.Identity{ID: types.DeviceID{}, Priority: 0}
	assert.Greater(t, int64(Rank(a)), int64(Rank(b)))
	assert.Equal(t, a.Outranks(b), Rank(a) > Rank(b))
}
