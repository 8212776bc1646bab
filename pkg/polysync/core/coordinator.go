// Package core ties the units of a device together. The coordinator
// turns clock events into frames while leading, turns frames into
// tempo, pattern and transport changes while following, and reports
// everything that happens to the output sinks.
package core

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/clock"
	"github.com/jabolina/go-polysync/pkg/polysync/concurrent"
	"github.com/jabolina/go-polysync/pkg/polysync/drift"
	"github.com/jabolina/go-polysync/pkg/polysync/election"
	"github.com/jabolina/go-polysync/pkg/polysync/helper"
	"github.com/jabolina/go-polysync/pkg/polysync/network"
	"github.com/jabolina/go-polysync/pkg/polysync/output"
	"github.com/jabolina/go-polysync/pkg/polysync/pattern"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

const (
	// DefaultPollInterval of the main loop when no pulse arrives.
	DefaultPollInterval = 10 * time.Millisecond

	// TempoTolerance is the BPM difference a follower ignores.
	TempoTolerance = 0.5

	// Pending remote commands, older ones are dropped when full.
	commandQueueSize = 16

	// Loop iterations may lag this many ticks before being reported.
	lateTicks = 4
)

// Configuration of a coordinator. Every unit is created and owned by
// the caller, the coordinator only drives them.
type Configuration struct {
	Engine   *clock.Engine
	Election *election.Election
	Drift    *drift.Corrector
	Patterns *pattern.Set
	Sender   *network.Sender
	Output   *output.Dispatcher
	Peers    *Peers
	Time     clock.TimeSource
	Logger   hclog.Logger

	// A Leader yields to another leader outranking it.
	YieldToHigherLeader bool

	// Interval to poll the election when no pulse arrives.
	PollInterval time.Duration
}

type command struct {
	control types.ControlPayload

	// Issued on this device, not received from the leader.
	local bool
}

// Coordinator is the synchronization logic of a single device.
//
// Clock listeners and Step run on the main loop, Handle runs on the
// receiver goroutine. The units are shared through their own locks and
// the receiver hands work to the main loop through latches and queues.
type Coordinator struct {
	engine   *clock.Engine
	election *election.Election
	drift    *drift.Corrector
	patterns *pattern.Set
	sender   *network.Sender
	output   *output.Dispatcher
	peers    *Peers
	time     clock.TimeSource
	log      hclog.Logger

	yield bool
	poll  time.Duration

	// A leader sends a CLOCK at least this often, even with the clock
	// stopped, so followers do not take it for gone.
	keepalive uint64
	heartbeat uint64

	handle   clock.Handle
	detector *concurrent.Detector

	mutex sync.Mutex

	// Tempo before the drift correction. Set locally while leading
	// and adopted from the leader while following.
	base float64

	// Last recognized leader, to reset the per leader state.
	leader      types.DeviceID
	transitions []election.Transition

	// Channels to publish, marked by local edits.
	dirty helper.Mask

	// Channels applied from the leader, to report to the sinks.
	replicated helper.Mask

	// Last tick heard from the leader. A stopped follower only joins
	// once the tick moves.
	lastTick  uint32
	tickKnown bool

	// Follow a running leader with the clock stopped.
	autostart helper.Latch
	joinTick  uint32

	// Repeat every channel on the next iteration, for a device that
	// appeared or while the clock is stopped.
	resyncPending helper.Latch

	// Stopped by a local command, the leader clock does not restart it.
	held helper.Latch

	commands chan command
	wake     chan struct{}
	received uint64

	closed helper.Latch
}

// NewCoordinator registers the clock listeners and the election
// transition listener. The receiver must deliver to Handle.
func NewCoordinator(conf Configuration) *Coordinator {
	if conf.PollInterval <= 0 {
		conf.PollInterval = DefaultPollInterval
	}
	c := &Coordinator{
		engine:   conf.Engine,
		election: conf.Election,
		drift:    conf.Drift,
		patterns: conf.Patterns,
		sender:   conf.Sender,
		output:   conf.Output,
		peers:    conf.Peers,
		time:     conf.Time,
		log:      conf.Logger,
		yield:    conf.YieldToHigherLeader,
		poll:     conf.PollInterval,
		base:     conf.Engine.Tempo(),
		leader:   conf.Election.Leader(),
		commands: make(chan command, commandQueueSize),
		wake:     make(chan struct{}, 1),
	}
	c.keepalive = conf.Election.State().Timeout / 3
	c.detector = concurrent.NewDetector(c.budget(c.base))
	c.handle = c.engine.Register(clock.Listener{
		OnSync24: c.onSync24,
		OnBeat:   c.onBeat,
		OnStep:   c.onStep,
	})
	c.election.OnTransition(c.onTransition)
	return c
}

// ShouldSendClock verifies if the leader broadcasts the CLOCK frame of
// the sync tick. Every tick is sent up to 120 BPM, every second tick up
// to 240 BPM and every fourth above.
func ShouldSendClock(bpm float64, tick uint32) bool {
	switch {
	case bpm <= 120:
		return true
	case bpm <= 240:
		return tick%2 == 0
	default:
		return tick%4 == 0
	}
}

// Start the heartbeat timeout. A device boots as Follower and only
// negotiates when no leader is heard in time.
func (c *Coordinator) Start() {
	c.election.Start(c.time.NowMicros())
	c.signal()
}

// Run the main loop until the context is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	c.Step()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.engine.Signal():
		case <-c.wake:
		case <-ticker.C:
		}
		c.Step()
	}
}

// Step runs a single iteration of the main loop: the timed election
// transitions, the frames they need, the pending commands, the pending
// pulses and the pattern replication.
func (c *Coordinator) Step() {
	now := c.time.NowMicros()
	if c.engine.Running() && !c.engine.Paused() {
		if ok, exceed := c.detector.Happened(concurrent.LoopIteration, now); !ok {
			c.log.Warn("main loop is late", "exceed", exceed, "bpm", c.engine.Tempo())
		}
	} else {
		c.detector.Reset()
	}

	c.election.Poll(now)
	if announcement, ok := c.election.TakeAnnouncement(); ok {
		c.send(announcement)
	}

	c.applyTransitions()
	c.applyCommands()

	if c.autostart.Consume() {
		c.join(atomic.LoadUint32(&c.joinTick))
	}

	c.engine.SetStepTicks(c.patterns.StepTicks(types.PPQN))
	c.engine.Drain()

	leading := c.IsLeader()
	if leading && now > c.heartbeat && now-c.heartbeat >= c.keepalive {
		c.sendClock(c.engine.Counter()/(types.PPQN/types.SyncPPQN), now)
		// No pattern cycle starts while the clock does not run.
		if !c.engine.Running() || c.engine.Paused() {
			c.resyncPending.Set()
		}
	}

	if mask := c.dirty.Consume(); mask != 0 && leading {
		c.publish(mask)
	}

	if c.resyncPending.Consume() && leading {
		c.resync()
	}

	if mask := c.replicated.Consume(); mask != 0 {
		c.reportPatterns(mask, now)
	}
}

func (c *Coordinator) IsLeader() bool {
	return c.election.Role() == types.Leader
}

// Negotiate the leadership now, without waiting for a timeout.
func (c *Coordinator) Negotiate() bool {
	started := c.election.Negotiate(c.time.NowMicros())
	c.signal()
	return started
}

// SetTempo changes the base tempo, returning the applied value. A
// follower keeps it until the leader tempo is heard.
func (c *Coordinator) SetTempo(bpm float64) float64 {
	bpm = clock.ClampTempo(bpm)
	c.mutex.Lock()
	c.base = bpm
	c.mutex.Unlock()

	c.engine.SetTempo(bpm * c.drift.Factor())
	c.detector.SetBudget(c.budget(bpm))
	return bpm
}

// Tempo is the base tempo, without drift correction.
func (c *Coordinator) Tempo() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.base
}

// Edit a channel locally and mark it to be published.
func (c *Coordinator) Edit(channel int, edit func(ch *pattern.Channel)) bool {
	if !c.patterns.Update(channel, edit) {
		return false
	}
	c.MarkDirty(channel)
	return true
}

// MarkDirty requests the channel to be published by the next loop
// iteration. Only the leader publishes. Safe from any goroutine.
func (c *Coordinator) MarkDirty(channel int) {
	if channel < 0 || channel >= types.ChannelCount {
		return
	}
	c.dirty.Set(channel)
	c.signal()
}

// SetMultiplier changes the multiplier index, returning the applied one.
func (c *Coordinator) SetMultiplier(index int) uint8 {
	applied := c.patterns.SetMultiplier(index)
	c.signal()
	return applied
}

func (c *Coordinator) Play()   { c.local(types.CommandStart) }
func (c *Coordinator) Halt()   { c.local(types.CommandStop) }
func (c *Coordinator) Pause()  { c.local(types.CommandPause) }
func (c *Coordinator) Resume() { c.local(types.CommandResume) }

func (c *Coordinator) local(cmd types.Command) {
	select {
	case c.commands <- command{control: types.ControlPayload{Command: cmd}, local: true}:
		c.signal()
	default:
		c.log.Warn("command queue full, dropping", "command", cmd)
	}
}

// Handle a frame delivered by the receiver, at the local arrival time.
func (c *Coordinator) Handle(m types.Message, arrival uint64) {
	atomic.AddUint64(&c.received, 1)
	sender := m.Identity()

	switch p := m.Payload.(type) {
	case types.ClockPayload:
		if p.IsLeader {
			c.onClock(m.Header, p, arrival)
		}
	case types.BeatPayload:
		c.onRemoteBeat(sender, p)
	case types.BarPayload:
		if c.fromLeader(sender) && p.PatternLength != c.patterns.TotalPatternLength() {
			c.log.Debug("pattern length differs from leader", "local", c.patterns.TotalPatternLength(), "leader", p.PatternLength)
		}
	case types.PatternPayload:
		c.onPattern(sender, p)
	case types.ControlPayload:
		c.onControl(sender, p, arrival)
	}

	leader := c.election.Leader() == sender.ID
	if c.peers.Seen(sender, leader, arrival) && c.IsLeader() {
		c.resyncPending.Set()
		c.signal()
	}
}

// The leader of a Follower, or the top contender heard by a Candidate,
// whose first frames arrive before the negotiation ends here.
func (c *Coordinator) fromLeader(sender types.Identity) bool {
	return c.election.Recognizes(sender.ID)
}

func (c *Coordinator) onClock(header types.Header, p types.ClockPayload, arrival uint64) {
	sender := header.Identity()
	if c.IsLeader() {
		if !c.yield || !sender.Outranks(c.election.Self()) {
			c.log.Debug("ignoring clock from another leader", "leader", sender)
			return
		}
		c.election.Demote(sender, arrival)
	}

	accepted, changed := c.election.Heartbeat(sender, arrival)
	if !accepted {
		return
	}
	if changed {
		c.forgetLeader()
	}

	c.mutex.Lock()
	moved := c.tickKnown && p.Tick != c.lastTick
	c.lastTick, c.tickKnown = p.Tick, true
	c.mutex.Unlock()

	base := c.Tempo()
	factor := c.drift.Observe(p.Tick, header.Timestamp, arrival, base)
	c.engine.SetTempo(base * factor)

	// A stopped or paused leader repeats the same tick.
	if moved && !c.engine.Running() && !c.held.IsSet() {
		atomic.StoreUint32(&c.joinTick, p.Tick)
		if c.autostart.Set() {
			c.signal()
		}
	}
}

func (c *Coordinator) onRemoteBeat(sender types.Identity, p types.BeatPayload) {
	if !c.fromLeader(sender) {
		return
	}

	remote := float64(p.BPM)
	if math.Abs(remote-c.Tempo()) > TempoTolerance {
		c.log.Info("adopting leader tempo", "bpm", remote)
		c.mutex.Lock()
		c.base = clock.ClampTempo(remote)
		c.mutex.Unlock()
		c.engine.SetTempo(c.drift.Effective(c.Tempo()))
		c.detector.SetBudget(c.budget(remote))
	}

	if p.Multiplier != c.patterns.Multiplier() {
		c.patterns.SetMultiplier(int(p.Multiplier))
		c.signal()
	}
}

func (c *Coordinator) onPattern(sender types.Identity, p types.PatternPayload) {
	if !c.fromLeader(sender) {
		return
	}

	switch c.patterns.Apply(p) {
	case pattern.Applied:
		c.replicated.Set(int(p.Channel))
		c.signal()
	case pattern.Stale:
		c.log.Debug("ignoring stale pattern", "channel", p.Channel, "version", p.Version)
	case pattern.Invalid:
		c.log.Warn("ignoring pattern for unknown channel", "channel", p.Channel)
	}
}

func (c *Coordinator) onControl(sender types.Identity, p types.ControlPayload, arrival uint64) {
	if p.IsNegotiation() {
		c.election.Observe(sender, arrival)
		c.signal()
		return
	}

	if !c.fromLeader(sender) {
		return
	}
	select {
	case c.commands <- command{control: p}:
		c.signal()
	default:
		c.log.Warn("command queue full, dropping", "command", p.Command)
	}
}

func (c *Coordinator) onTransition(t election.Transition) {
	c.mutex.Lock()
	c.transitions = append(c.transitions, t)
	changed := t.Leader != c.leader
	c.leader = t.Leader
	if changed {
		c.tickKnown = false
	}
	c.mutex.Unlock()

	if changed {
		c.drift.Reset()
		c.patterns.Forget()
	}
	c.signal()
}

// The leader changed without a role transition.
func (c *Coordinator) forgetLeader() {
	c.mutex.Lock()
	c.leader = c.election.Leader()
	c.tickKnown = false
	c.mutex.Unlock()

	c.drift.Reset()
	c.patterns.Forget()
}

func (c *Coordinator) applyTransitions() {
	c.mutex.Lock()
	transitions := c.transitions
	c.transitions = nil
	c.mutex.Unlock()

	for _, t := range transitions {
		c.output.Dispatch(output.Event{Kind: output.RoleEvent, At: t.At, Role: t.To, Leader: t.Leader})
		if t.To == types.Leader && t.From != types.Leader {
			c.lead()
		}
	}
}

// Take over as leader: a CLOCK first so the others adopt this device,
// then the whole pattern state and the transport state of this device.
func (c *Coordinator) lead() {
	c.drift.Reset()
	base := c.Tempo()
	c.engine.SetTempo(base)
	c.log.Info("leading", "bpm", base, "running", c.engine.Running())

	c.sendClock(c.engine.Counter()/(types.PPQN/types.SyncPPQN), c.time.NowMicros())
	c.publish(1<<types.ChannelCount - 1)
	cmd := types.CommandStop
	if c.engine.Running() {
		cmd = types.CommandStart
	}
	c.send(types.ControlPayload{Command: cmd})
}

func (c *Coordinator) applyCommands() {
	for {
		select {
		case cmd := <-c.commands:
			c.apply(cmd)
		default:
			return
		}
	}
}

func (c *Coordinator) apply(cmd command) {
	switch cmd.control.Command {
	case types.CommandStart:
		c.held.Consume()
		c.patterns.ResetBeats()
		c.engine.Start()
	case types.CommandStop:
		if cmd.local {
			c.held.Set()
		}
		c.engine.Stop()
		c.patterns.ResetBeats()
	case types.CommandPause:
		c.engine.Pause()
	case types.CommandResume:
		c.engine.Resume()
	case types.CommandReset:
		c.patterns.ResetBeats()
	default:
		c.log.Warn("unknown transport command", "command", cmd.control.Command)
		return
	}

	c.output.Dispatch(output.Event{
		Kind:    output.TransportEvent,
		At:      c.time.NowMicros(),
		Command: cmd.control.Command,
		Role:    c.election.Role(),
	})
	if cmd.local && c.IsLeader() {
		c.send(cmd.control)
	}
}

// Start the stopped clock aligned with the leader, at the tick of its
// last CLOCK frame.
func (c *Coordinator) join(tick uint32) {
	if c.engine.Running() {
		return
	}
	counter := tick * (types.PPQN / types.SyncPPQN)
	c.engine.SetStepTicks(c.patterns.StepTicks(types.PPQN))
	stepTicks := c.engine.StepTicks()
	c.patterns.Seek((counter + stepTicks - 1) / stepTicks)
	c.engine.StartAt(counter)
	c.log.Info("joining leader clock", "tick", tick, "counter", counter)
	c.output.Dispatch(output.Event{
		Kind:    output.TransportEvent,
		At:      c.time.NowMicros(),
		Tick:    tick,
		Command: types.CommandStart,
		Role:    c.election.Role(),
	})
}

func (c *Coordinator) publish(mask uint32) {
	for i := 0; i < types.ChannelCount; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		if p, ok := c.patterns.Publish(i); ok {
			c.send(p)
		}
	}
}

func (c *Coordinator) reportPatterns(mask uint32, now uint64) {
	payloads := c.patterns.Payloads()
	for i := range payloads {
		if mask&(1<<i) == 0 {
			continue
		}
		p := payloads[i]
		c.output.Dispatch(output.Event{Kind: output.PatternEvent, At: now, Channel: &p, Role: c.election.Role()})
	}
}

func (c *Coordinator) onSync24(tick uint32) {
	role := c.election.Role()
	c.output.Dispatch(output.Event{Kind: output.SyncEvent, At: c.time.NowMicros(), Tick: tick, Role: role})
	if role == types.Leader && ShouldSendClock(c.Tempo(), tick) {
		c.sendClock(tick, c.time.NowMicros())
	}
}

// The CLOCK frames are the leader heartbeat.
func (c *Coordinator) sendClock(tick uint32, now uint64) {
	c.heartbeat = now
	c.send(types.ClockPayload{IsLeader: true, Tick: tick})
}

func (c *Coordinator) onBeat(quarter uint32) {
	role := c.election.Role()
	base := c.Tempo()
	position := quarter % uint32(c.patterns.TotalPatternLength())
	c.output.Dispatch(output.Event{
		Kind:     output.BeatEvent,
		At:       c.time.NowMicros(),
		Quarter:  quarter,
		Position: position,
		BPM:      base,
		Role:     role,
	})
	if role == types.Leader {
		c.send(types.BeatPayload{BPM: float32(base), Position: position, Multiplier: c.patterns.Multiplier()})
		if position == 0 {
			c.resync()
		}
	}
}

// Repeat the state of every channel at the start of each pattern cycle,
// without a new version. Followers that missed an update or joined late
// catch up, the others discard them as stale.
func (c *Coordinator) resync() {
	for _, p := range c.patterns.Payloads() {
		c.send(p)
	}
}

func (c *Coordinator) onStep(step uint32) {
	role := c.election.Role()
	now := c.time.NowMicros()
	hits := c.patterns.Advance()
	length := c.patterns.TotalPatternLength()
	mask := c.patterns.EnabledMask()

	c.output.Dispatch(output.Event{Kind: output.BarEvent, At: now, Step: step, PatternLength: length, ChannelMask: mask, Role: role})
	if len(hits) > 0 {
		c.output.Dispatch(output.Event{Kind: output.HitEvent, At: now, Step: step, Hits: hits, Role: role})
	}
	if role == types.Leader {
		c.send(types.BarPayload{GlobalBar: step, ChannelCount: types.ChannelCount, PatternLength: length, ChannelMask: mask})
	}
}

// Failures are logged by the sender and never retried.
func (c *Coordinator) send(p types.Payload) {
	_ = c.sender.Send(p)
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) budget(bpm float64) uint64 {
	return uint64(lateTicks * clock.IntervalMicros(clock.ClampTempo(bpm), types.PPQN))
}

// Status is a point in time view of the device.
func (c *Coordinator) Status() output.Status {
	state := c.election.State()
	self := c.election.Self()
	snapshot := c.drift.Snapshot()
	base := c.Tempo()

	return output.Status{
		ID:             self.ID,
		Priority:       self.Priority,
		Role:           state.Role,
		Leader:         state.Leader,
		Running:        c.engine.Running(),
		Paused:         c.engine.Paused(),
		BPM:            base,
		EffectiveBPM:   c.engine.Tempo(),
		DriftFactor:    snapshot.Factor,
		AverageLatency: snapshot.AverageLatency,
		Counter:        c.engine.Counter(),
		Multiplier:     c.patterns.Multiplier(),
		PatternLength:  c.patterns.TotalPatternLength(),
		Channels:       c.patterns.Payloads(),
		Peers:          c.peers.Status(c.time.NowMicros()),
		FramesSent:     c.sender.Sent(),
		FramesFailed:   c.sender.Failed(),
		FramesReceived: atomic.LoadUint64(&c.received),
		FramesDropped:  c.output.Dropped(),
		LateLoops:      c.detector.Late(),
	}
}

// Close removes the clock listener. The units are closed by their owner.
func (c *Coordinator) Close() {
	if !c.closed.Set() {
		return
	}
	c.engine.Unregister(c.handle)
}
