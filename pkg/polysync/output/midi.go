package output

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jabolina/go-polysync/pkg/polysync/types"
	"gitlab.com/gomidi/midi/v2"
)

// MIDIConfig tells how hits are played on MIDI equipment.
type MIDIConfig struct {
	// Zero based MIDI channel, the General MIDI percussion channel is 9.
	Channel uint8

	// Note played by each pattern channel.
	Notes [types.ChannelCount]uint8

	Velocity       uint8
	AccentVelocity uint8

	// Send the 24 PPQN timing clock and the transport messages.
	Clock bool
}

// DefaultMIDIConfig plays wood blocks, hi-hat and kick on the percussion
// channel and sends the clock.
func DefaultMIDIConfig() MIDIConfig {
	return MIDIConfig{
		Channel:        9,
		Notes:          [types.ChannelCount]uint8{76, 77, 42, 36},
		Velocity:       100,
		AccentVelocity: 127,
		Clock:          true,
	}
}

// MIDISink plays the hits as notes and forwards the clock, so external
// sequencers and drum machines follow the device.
type MIDISink struct {
	mutex    sync.Mutex
	conf     MIDIConfig
	send     func(msg midi.Message) error
	release  func() error
	sounding []uint8
}

// NewMIDISink creates a sink writing the messages with send.
func NewMIDISink(send func(msg midi.Message) error, conf MIDIConfig) *MIDISink {
	return &MIDISink{conf: conf, send: send}
}

// OpenMIDI opens the named output port of the registered MIDI driver.
func OpenMIDI(port string, conf MIDIConfig) (*MIDISink, error) {
	out, err := midi.FindOutPort(port)
	if err != nil {
		return nil, fmt.Errorf("midi output %q not found: %w", port, err)
	}
	send, err := midi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("failed opening midi output %q: %w", port, err)
	}
	s := NewMIDISink(send, conf)
	s.release = out.Close
	return s, nil
}

// Implements the Sink interface.
func (m *MIDISink) Deliver(e Event) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	switch e.Kind {
	case SyncEvent:
		if m.conf.Clock {
			return m.send(midi.TimingClock())
		}
	case TransportEvent:
		if m.conf.Clock {
			return m.transport(e.Command)
		}
	case HitEvent:
		return m.hits(e)
	}
	return nil
}

func (m *MIDISink) transport(command types.Command) error {
	switch command {
	case types.CommandStart:
		return m.send(midi.Start())
	case types.CommandStop, types.CommandPause:
		err := m.silence()
		return errors.Join(err, m.send(midi.Stop()))
	case types.CommandResume:
		return m.send(midi.Continue())
	}
	return nil
}

// The notes of the previous step are released before the new ones.
func (m *MIDISink) hits(e Event) error {
	err := m.silence()
	for _, hit := range e.Hits {
		if int(hit.Channel) >= len(m.conf.Notes) {
			continue
		}
		note := m.conf.Notes[hit.Channel]
		velocity := m.conf.Velocity
		if hit.Accent {
			velocity = m.conf.AccentVelocity
		}
		if sendErr := m.send(midi.NoteOn(m.conf.Channel, note, velocity)); sendErr != nil {
			err = errors.Join(err, sendErr)
			continue
		}
		m.sounding = append(m.sounding, note)
	}
	return err
}

func (m *MIDISink) silence() error {
	var err error
	for _, note := range m.sounding {
		err = errors.Join(err, m.send(midi.NoteOff(m.conf.Channel, note)))
	}
	m.sounding = m.sounding[:0]
	return err
}

// Implements the Sink interface.
func (m *MIDISink) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.silence()
	if m.release != nil {
		err = errors.Join(err, m.release())
	}
	return err
}
