// Package election decides which device is the tempo leader. Devices
// negotiate by broadcasting their identity, wait for a settle window
// while collecting the identities of the others, and the highest ranked
// one becomes leader. Followers watch the leader heartbeat and start a
// new negotiation when it goes silent.
package election

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/helper"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

const (
	// DefaultHeartbeatTimeout before a follower gives up on the leader.
	DefaultHeartbeatTimeout = 3 * time.Second

	// DefaultSettleWindow a candidate waits for other negotiations.
	DefaultSettleWindow = 500 * time.Millisecond
)

// Transition between two roles.
type Transition struct {
	From types.Role
	To   types.Role

	// Leader recognized after the transition.
	Leader types.DeviceID

	// Local time of the transition.
	At uint64
}

type heardFrom struct {
	identity types.Identity
	at       uint64
}

// Election is the leader state of a device. All methods take the
// current local time in microseconds and never block, the caller
// polls the election from its loop. It is safe for concurrent use.
type Election struct {
	mutex sync.Mutex

	self    types.Identity
	timeout uint64
	settle  uint64
	log     hclog.Logger

	role          types.Role
	leader        types.DeviceID
	leaderRank    uint8
	lastHeartbeat uint64

	// End of the settle window while Candidate.
	deadline uint64
	ballots  *BallotBox

	// Negotiations heard recently, counted when this device starts
	// its own negotiation shortly after.
	heard map[types.DeviceID]heardFrom

	// A negotiation frame must be broadcast.
	announce helper.Latch

	listeners []func(Transition)
}

// New creates an election in the Follower role, with no known leader.
func New(self types.Identity, heartbeatTimeout, settleWindow time.Duration, log hclog.Logger) *Election {
	return &Election{
		self:    self,
		timeout: uint64(heartbeatTimeout.Microseconds()),
		settle:  uint64(settleWindow.Microseconds()),
		log:     log,
		role:    types.Follower,
		ballots: NewBallotBox(),
		heard:   make(map[types.DeviceID]heardFrom),
	}
}

// OnTransition registers a listener called after every role change.
// Listeners are called without any lock held, on the goroutine that
// caused the change.
func (e *Election) OnTransition(listener func(Transition)) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.listeners = append(e.listeners, listener)
}

// Start the heartbeat timeout from now.
func (e *Election) Start(now uint64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.lastHeartbeat = now
}

// Negotiate starts a negotiation if the device is a Follower.
func (e *Election) Negotiate(now uint64) bool {
	e.mutex.Lock()
	if e.role != types.Follower {
		e.mutex.Unlock()
		return false
	}
	t := e.candidate(now)
	e.mutex.Unlock()

	e.notify(t)
	return true
}

// Poll applies the timed transitions: the heartbeat timeout of a
// Follower and the end of the settle window of a Candidate.
func (e *Election) Poll(now uint64) types.Role {
	e.mutex.Lock()
	var transitions []Transition
	switch e.role {
	case types.Follower:
		if now > e.lastHeartbeat && now-e.lastHeartbeat > e.timeout {
			e.log.Warn("leader heartbeat timeout, starting negotiation", "leader", e.leader, "silence", now-e.lastHeartbeat)
			transitions = append(transitions, e.candidate(now))
		}
	case types.Candidate:
		if now >= e.deadline {
			transitions = append(transitions, e.conclude(now))
		}
	}
	role := e.role
	e.mutex.Unlock()

	e.notify(transitions...)
	return role
}

// Observe a negotiation frame from another device.
func (e *Election) Observe(sender types.Identity, now uint64) {
	if sender.ID == e.self.ID {
		return
	}

	e.mutex.Lock()
	e.heard[sender.ID] = heardFrom{identity: sender, at: now}

	var transitions []Transition
	switch e.role {
	case types.Candidate:
		e.ballots.Cast(sender)
	case types.Follower:
		// A lower ranked device must not win while this one is around.
		if e.self.Outranks(sender) {
			transitions = append(transitions, e.candidate(now))
			e.ballots.Cast(sender)
		}
	case types.Leader:
		if e.self.Outranks(sender) {
			e.log.Debug("reaffirming leadership", "negotiator", sender)
			e.announce.Set()
		}
	}
	e.mutex.Unlock()

	e.notify(transitions...)
}

// Heartbeat records a CLOCK frame from a device claiming leadership.
// Returns if the heartbeat was accepted as coming from the recognized
// leader, and if the recognized leader changed because of it.
//
// A Follower accepts the heartbeat of its leader, of any leader when it
// knows none, of a leader outranking its own, or of any leader once its
// own went silent for longer than the timeout. A Candidate counts the
// sender as a contender of the ongoing negotiation. A Leader ignores it.
func (e *Election) Heartbeat(sender types.Identity, now uint64) (accepted bool, changed bool) {
	if sender.ID == e.self.ID {
		return false, false
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	switch e.role {
	case types.Follower:
		switch {
		case e.leader == sender.ID:
		case e.leader.IsZero(),
			sender.Outranks(types.Identity{ID: e.leader, Priority: e.leaderRank}),
			now > e.lastHeartbeat && now-e.lastHeartbeat > e.timeout:
			e.log.Info("following leader", "leader", sender, "previous", e.leader)
			e.leader = sender.ID
			changed = true
		default:
			return false, false
		}
		e.lastHeartbeat = now
		e.leaderRank = sender.Priority
		return true, changed
	case types.Candidate:
		e.ballots.Cast(sender)
	}
	return false, false
}

// Demote a Leader to Follower of the given device, used when another
// leader outranking this one is heard.
func (e *Election) Demote(leader types.Identity, now uint64) bool {
	e.mutex.Lock()
	if e.role != types.Leader {
		e.mutex.Unlock()
		return false
	}
	e.log.Warn("yielding leadership", "leader", leader)
	from := e.role
	e.role = types.Follower
	e.leader = leader.ID
	e.leaderRank = leader.Priority
	e.lastHeartbeat = now
	t := Transition{From: from, To: e.role, Leader: e.leader, At: now}
	e.mutex.Unlock()

	e.notify(t)
	return true
}

// TakeAnnouncement returns the negotiation frame to broadcast, if any.
// Each announcement is returned once.
func (e *Election) TakeAnnouncement() (types.ControlPayload, bool) {
	if !e.announce.Consume() {
		return types.ControlPayload{}, false
	}
	return types.NewNegotiation(e.self.Priority), true
}

func (e *Election) Role() types.Role {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.role
}

// Leader returns the recognized leader, zero when unknown.
func (e *Election) Leader() types.DeviceID {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.leader
}

// Recognizes verifies if the device speaks for the leadership: the
// leader of a Follower, or the contender of a Candidate that outranks
// every device heard in the ongoing negotiation, this one included.
func (e *Election) Recognizes(id types.DeviceID) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	switch e.role {
	case types.Follower:
		return !e.leader.IsZero() && e.leader == id
	case types.Candidate:
		winner, ok := e.ballots.Winner()
		return ok && winner.ID == id && winner.ID != e.self.ID
	}
	return false
}

// Self is the local identity.
func (e *Election) Self() types.Identity {
	return e.self
}

// State returns a copy of the leader state.
func (e *Election) State() types.LeaderState {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return types.LeaderState{
		Role:          e.role,
		Leader:        e.leader,
		LastHeartbeat: e.lastHeartbeat,
		Timeout:       e.timeout,
	}
}

// Must be called with the lock held.
func (e *Election) candidate(now uint64) Transition {
	from := e.role
	e.role = types.Candidate
	e.deadline = now + e.settle
	e.ballots.Clear()
	e.ballots.Cast(e.self)
	for id, h := range e.heard {
		if h.at > now || now-h.at > e.settle {
			delete(e.heard, id)
			continue
		}
		e.ballots.Cast(h.identity)
	}
	e.announce.Set()
	e.log.Info("negotiating leadership", "priority", e.self.Priority)
	return Transition{From: from, To: e.role, Leader: e.leader, At: now}
}

// Must be called with the lock held.
func (e *Election) conclude(now uint64) Transition {
	from := e.role
	winner, _ := e.ballots.Winner()
	if winner.ID == e.self.ID {
		e.role = types.Leader
		e.leader = e.self.ID
		e.leaderRank = e.self.Priority
		e.log.Info("elected leader", "contenders", e.ballots.Size())
	} else {
		e.role = types.Follower
		e.leader = winner.ID
		e.leaderRank = winner.Priority
		e.lastHeartbeat = now
		e.log.Info("negotiation lost", "leader", winner)
	}
	e.ballots.Clear()
	return Transition{From: from, To: e.role, Leader: e.leader, At: now}
}

func (e *Election) notify(transitions ...Transition) {
	if len(transitions) == 0 {
		return
	}

	e.mutex.Lock()
	listeners := make([]func(Transition), len(e.listeners))
	copy(listeners, e.listeners)
	e.mutex.Unlock()

	for _, t := range transitions {
		for _, l := range listeners {
			l(t)
		}
	}
}
