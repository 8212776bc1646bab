// Package polysync assembles a networked metronome device: its clock,
// its election, its pattern set and the outputs, synchronized with the
// other devices on the same broadcast medium.
package polysync

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/clock"
	"github.com/jabolina/go-polysync/pkg/polysync/core"
	"github.com/jabolina/go-polysync/pkg/polysync/drift"
	"github.com/jabolina/go-polysync/pkg/polysync/election"
	"github.com/jabolina/go-polysync/pkg/polysync/helper"
	"github.com/jabolina/go-polysync/pkg/polysync/network"
	"github.com/jabolina/go-polysync/pkg/polysync/output"
	"github.com/jabolina/go-polysync/pkg/polysync/pattern"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

var (
	// ErrMissingTransport is returned for an in memory device created
	// without WithTransport.
	ErrMissingTransport = errors.New("in memory transport must be given")

	// ErrDeviceClosed is returned when starting a closed device.
	ErrDeviceClosed = errors.New("device is closed")
)

// Option changes how a device is assembled.
type Option func(d *Device)

// WithTransport broadcasts on the given transport instead of the
// configured one. The device closes it.
func WithTransport(t network.Transport) Option {
	return func(d *Device) {
		d.transport = t
	}
}

// WithPulse drives the clock with the given source.
func WithPulse(p clock.PulseSource) Option {
	return func(d *Device) {
		d.pulse = p
	}
}

// WithTimeSource reads the local time from the given source.
func WithTimeSource(t clock.TimeSource) Option {
	return func(d *Device) {
		d.time = t
	}
}

// WithSink attaches a sink. The device closes it.
func WithSink(s output.Sink) Option {
	return func(d *Device) {
		d.sinks = append(d.sinks, s)
	}
}

// Device is a single metronome participating in the synchronization.
type Device struct {
	config   *Config
	identity types.Identity
	log      hclog.Logger

	invoker   helper.Invoker
	transport network.Transport
	pulse     clock.PulseSource
	time      clock.TimeSource
	sinks     []output.Sink

	engine      *clock.Engine
	patterns    *pattern.Set
	peers       *core.Peers
	dispatcher  *output.Dispatcher
	coordinator *core.Coordinator
	receiver    *network.Receiver

	monitor      *output.Monitor
	listener     net.Listener
	announcement *network.Announcement

	ctx    context.Context
	cancel context.CancelFunc

	started helper.Latch
	closed  helper.Latch
}

// NewDevice assembles the device. Nothing runs until Start.
func NewDevice(config *Config, options ...Option) (*Device, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	d := &Device{
		config:  config,
		invoker: helper.NewInvoker(),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for _, option := range options {
		option(d)
	}

	d.identity = types.Identity{Priority: config.Priority}
	if config.DeviceID != "" {
		d.identity.ID, _ = types.ParseDeviceID(config.DeviceID)
	} else {
		d.identity.ID = helper.ResolveDeviceID(config.Transport.Interface)
	}
	d.log = config.Logger.With("device", d.identity.ID.String())

	if err := d.assemble(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) assemble() error {
	conf := d.config
	if d.time == nil {
		d.time = clock.NewSystemTime()
	}
	if d.pulse == nil {
		d.pulse = clock.NewTickerPulse(clock.Interval(conf.BPM, types.PPQN))
	}

	if d.transport == nil {
		if conf.Transport.Kind == InMemory {
			return ErrMissingTransport
		}
		t, err := network.NewUDPTransport(network.UDPConfig{
			Group:     conf.Transport.Group,
			Port:      conf.Transport.Port,
			Interface: conf.Transport.Interface,
		}, d.invoker, d.log.Named("transport"))
		if err != nil {
			return err
		}
		d.transport = t
	}

	d.engine = clock.NewEngine(d.pulse, d.log.Named("clock"))
	d.patterns = pattern.NewSet()
	d.patterns.SetMultiplier(conf.Multiplier)
	d.peers = core.NewPeers(core.DefaultPeerTTL, d.log.Named("peers"))
	d.dispatcher = output.NewDispatcher(output.DefaultQueueSize, d.log.Named("output"))

	d.coordinator = core.NewCoordinator(core.Configuration{
		Engine:              d.engine,
		Election:            election.New(d.identity, conf.HeartbeatTimeout, conf.SettleWindow, d.log.Named("election")),
		Drift:               drift.NewCorrector(),
		Patterns:            d.patterns,
		Sender:              network.NewSender(d.transport, d.identity, d.time, d.log.Named("sender")),
		Output:              d.dispatcher,
		Peers:               d.peers,
		Time:                d.time,
		Logger:              d.log.Named("coordinator"),
		YieldToHigherLeader: conf.YieldToHigherLeader,
		PollInterval:        conf.PollInterval,
	})
	d.coordinator.SetTempo(conf.BPM)
	d.receiver = network.NewReceiver(d.transport, d.identity.ID, d.time, d.coordinator.Handle, d.log.Named("receiver"))

	return d.attachSinks()
}

func (d *Device) attachSinks() error {
	for _, sink := range d.sinks {
		d.dispatcher.Attach(sink)
	}

	conf := d.config.Sinks
	if conf.LogEvents {
		d.dispatcher.Attach(output.NewLogSink(d.log.Named("events")))
	}

	if conf.MIDIPort != "" {
		midiConf := output.DefaultMIDIConfig()
		midiConf.Channel = conf.MIDIChannel
		midiConf.Clock = conf.MIDIClock
		sink, err := output.OpenMIDI(conf.MIDIPort, midiConf)
		if err != nil {
			return err
		}
		d.dispatcher.Attach(sink)
	}

	if conf.SerialDevice != "" {
		sink, err := output.OpenSerial(conf.SerialDevice, conf.SerialBaud)
		if err != nil {
			return err
		}
		d.dispatcher.Attach(sink)
	}

	if conf.MonitorAddress != "" {
		l, err := net.Listen("tcp", conf.MonitorAddress)
		if err != nil {
			return fmt.Errorf("failed listening monitor on %s: %w", conf.MonitorAddress, err)
		}
		d.listener = l
		d.monitor = output.NewMonitor(d.Status, d.invoker, d.log.Named("monitor"))
		// The monitor is closed before the invoker is stopped.
		d.dispatcher.Attach(output.FuncSink(d.monitor.Deliver))
	}
	return nil
}

// Start receiving frames and running the main loop. Starting twice
// is a no-op.
func (d *Device) Start() error {
	if d.closed.IsSet() {
		return ErrDeviceClosed
	}
	if !d.started.Set() {
		return nil
	}

	if d.config.Announce {
		a, err := network.Advertise(d.config.Name, d.config.Transport.Port, d.identity, d.config.Transport.Group, d.log.Named("mdns"))
		if err != nil {
			d.log.Warn("device will not be discoverable", "error", err)
		} else {
			d.announcement = a
		}
	}

	if d.monitor != nil {
		d.invoker.Spawn(func() {
			if err := d.monitor.Serve(d.listener); err != nil {
				d.log.Error("monitor stopped", "error", err)
			}
		})
	}

	d.receiver.Start(d.invoker)
	d.coordinator.Start()
	d.invoker.Spawn(func() {
		if err := d.coordinator.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("main loop stopped", "error", err)
		}
	})
	d.log.Info("device started", "priority", d.identity.Priority, "bpm", d.coordinator.Tempo())
	return nil
}

// Run starts the device and blocks until the context is done or the
// device is closed. The caller still closes the device.
func (d *Device) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return nil
	}
}

// Identity of the device.
func (d *Device) Identity() types.Identity {
	return d.identity
}

// Coordinator drives the device, for the user interface collaborators.
func (d *Device) Coordinator() *core.Coordinator {
	return d.coordinator
}

// Status is a point in time view of the device.
func (d *Device) Status() output.Status {
	return d.coordinator.Status()
}

// MonitorAddr is the address the monitor listens on, nil when disabled.
func (d *Device) MonitorAddr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Close stops every goroutine of the device and releases the
// transport and the sinks. Closing twice is a no-op.
func (d *Device) Close() error {
	if !d.closed.Set() {
		return nil
	}
	d.cancel()

	if d.announcement != nil {
		d.announcement.Shutdown()
	}
	if d.receiver != nil {
		d.receiver.Stop()
	}

	var errs []error
	if d.transport != nil {
		errs = append(errs, d.transport.Close())
	}
	if d.coordinator != nil {
		d.coordinator.Close()
	}
	if d.engine != nil {
		d.engine.Close()
	}
	if d.monitor != nil {
		errs = append(errs, d.monitor.Close())
	}
	if d.listener != nil {
		if err := d.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	d.invoker.Stop()

	if d.dispatcher != nil {
		errs = append(errs, d.dispatcher.Close())
	} else {
		for _, s := range d.sinks {
			errs = append(errs, s.Close())
		}
	}
	if d.peers != nil {
		d.peers.Close()
	}
	d.log.Info("device closed")
	return errors.Join(errs...)
}
