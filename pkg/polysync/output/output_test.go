package output

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/helper"
	"github.com/jabolina/go-polysync/pkg/polysync/pattern"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/goleak"
)

type collector struct {
	mutex  sync.Mutex
	events []Event
	closed bool
}

func (c *collector) Deliver(e Event) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	return nil
}

func (c *collector) kinds() []Kind {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	kinds := make([]Kind, 0, len(c.events))
	for _, e := range c.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestDispatcher_FansOutInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(DefaultQueueSize, hclog.NewNullLogger())
	first := &collector{}
	second := &collector{}
	d.Attach(first)
	d.Attach(second)

	d.Dispatch(Event{Kind: BeatEvent, Quarter: 1})
	d.Dispatch(Event{Kind: BarEvent, Step: 1})
	d.Dispatch(Event{Kind: HitEvent})
	d.Flush()

	expected := []Kind{BeatEvent, BarEvent, HitEvent}
	assert.Equal(t, expected, first.kinds())
	assert.Equal(t, expected, second.kinds())

	require.NoError(t, d.Close())
	assert.True(t, first.closed)
	assert.True(t, second.closed)
}

func TestDispatcher_DropsWhenBehind(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(2, hclog.NewNullLogger())
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	d.Attach(FuncSink(func(Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}))

	d.Dispatch(Event{Kind: BeatEvent})
	<-started
	for i := 0; i < 5; i++ {
		d.Dispatch(Event{Kind: BeatEvent})
	}
	assert.Equal(t, uint64(3), d.Dropped())

	close(release)
	require.NoError(t, d.Close())
}

func TestMIDISink_PlaysHitsAndClock(t *testing.T) {
	var sent []midi.Message
	sink := NewMIDISink(func(msg midi.Message) error {
		sent = append(sent, msg)
		return nil
	}, DefaultMIDIConfig())

	require.NoError(t, sink.Deliver(Event{Kind: TransportEvent, Command: types.CommandStart}))
	require.NoError(t, sink.Deliver(Event{Kind: SyncEvent, Tick: 0}))
	require.NoError(t, sink.Deliver(Event{Kind: HitEvent, Hits: []pattern.Hit{
		{Channel: 0, Beat: 0, Accent: true},
		{Channel: 3, Beat: 2},
	}}))
	require.NoError(t, sink.Deliver(Event{Kind: HitEvent, Hits: []pattern.Hit{{Channel: 1, Beat: 1}}}))
	require.NoError(t, sink.Deliver(Event{Kind: BeatEvent}))
	require.NoError(t, sink.Close())

	expected := []midi.Message{
		midi.Start(),
		midi.TimingClock(),
		midi.NoteOn(9, 76, 127),
		midi.NoteOn(9, 36, 100),
		midi.NoteOff(9, 76),
		midi.NoteOff(9, 36),
		midi.NoteOn(9, 77, 100),
		midi.NoteOff(9, 77),
	}
	assert.Equal(t, expected, sent)
}

func TestMIDISink_WithoutClock(t *testing.T) {
	var sent []midi.Message
	conf := DefaultMIDIConfig()
	conf.Clock = false
	sink := NewMIDISink(func(msg midi.Message) error {
		sent = append(sent, msg)
		return nil
	}, conf)

	require.NoError(t, sink.Deliver(Event{Kind: SyncEvent}))
	require.NoError(t, sink.Deliver(Event{Kind: TransportEvent, Command: types.CommandStop}))
	assert.Empty(t, sent)
}

type port struct {
	bytes.Buffer
	closed bool
}

func (p *port) Close() error {
	p.closed = true
	return nil
}

func TestSerialFrames(t *testing.T) {
	// LEN = 4, CKS = 4 ^ 0x20 ^ 0x05 ^ 0x01 ^ 7.
	assert.Equal(t, []byte{0xAA, 0x55, 0x04, 0x20, 0x05, 0x01, 0x07, 0x04 ^ 0x20 ^ 0x05 ^ 0x01 ^ 0x07}, StrikeFrame(0x05, 0x01))
	assert.Equal(t, []byte{0xAA, 0x55, 0x04, 0x20, 0x02, 0x00, 0x05, 0x04 ^ 0x20 ^ 0x02 ^ 0x05}, StrikeFrame(0x02, 0))
	assert.Equal(t, []byte{0xAA, 0x55, 0x01, 0x21, 0x01 ^ 0x21}, ReleaseFrame())
}

func TestSerialSink(t *testing.T) {
	p := &port{}
	sink := NewSerialSink(p)

	require.NoError(t, sink.Deliver(Event{Kind: HitEvent, Hits: []pattern.Hit{
		{Channel: 0, Accent: true},
		{Channel: 2},
	}}))
	require.NoError(t, sink.Deliver(Event{Kind: BeatEvent}))
	require.NoError(t, sink.Deliver(Event{Kind: HitEvent}))
	assert.Equal(t, StrikeFrame(0b101, 0b001), p.Bytes())

	p.Reset()
	require.NoError(t, sink.Close())
	assert.Equal(t, ReleaseFrame(), p.Bytes())
	assert.True(t, p.closed)
}

func testStatus() Status {
	return Status{
		ID:       types.DeviceID{0x02, 0, 0, 0, 0, 0x01},
		Priority: 5,
		Role:     types.Leader,
		Running:  true,
		BPM:      120,
		Counter:  96,
		Channels: []types.PatternPayload{{Channel: 0, BarLength: 4, Pattern: 0xF, Enabled: true}},
	}
}

func TestMonitor_Status(t *testing.T) {
	invoker := helper.NewInvoker()
	defer invoker.Stop()
	m := NewMonitor(testStatus, invoker, hclog.NewNullLogger())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	res, err := http.Get(server.URL + "/status")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "02:00:00:00:00:01", decoded["id"])
	assert.Equal(t, "leader", decoded["role"])
	assert.Equal(t, 120.0, decoded["bpm"])
	assert.Equal(t, true, decoded["running"])

	res, err = http.Get(server.URL + "/status.msgpack")
	require.NoError(t, err)
	body, err = io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "application/msgpack", res.Header.Get("Content-Type"))

	var generic map[string]interface{}
	require.NoError(t, DecodeMsgpack(body, &generic))
	assert.Equal(t, true, generic["running"])
	assert.Contains(t, generic, "channels")

	res, err = http.Post(server.URL+"/status", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestMonitor_StreamsEvents(t *testing.T) {
	invoker := helper.NewInvoker()
	defer invoker.Stop()
	m := NewMonitor(testStatus, invoker, hclog.NewNullLogger())
	server := httptest.NewServer(m.Handler())
	defer server.Close()
	defer m.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return m.Clients() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Deliver(Event{Kind: SyncEvent, Tick: 1}))
	require.NoError(t, m.Deliver(Event{Kind: BeatEvent, Quarter: 3, BPM: 98.5}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var e map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, float64(BeatEvent), e["kind"], "sync ticks are not streamed")
	assert.Equal(t, 3.0, e["quarter"])
	assert.Equal(t, 98.5, e["bpm"])

	conn.Close()
	require.Eventually(t, func() bool { return m.Clients() == 0 }, time.Second, time.Millisecond)
}

func TestEncodeMsgpack_Event(t *testing.T) {
	data, err := EncodeMsgpack(Event{Kind: BarEvent, Step: 4, PatternLength: 12})
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, DecodeMsgpack(data, &generic))
	assert.Contains(t, generic, "step")
	assert.Contains(t, generic, "pattern_length")
	assert.NotContains(t, generic, "hits")
	assert.Equal(t, "bar", BarEvent.String())
}

func TestMonitor_CloseReleasesClients(t *testing.T) {
	defer goleak.VerifyNone(t)

	invoker := helper.NewInvoker()
	m := NewMonitor(testStatus, invoker, hclog.NewNullLogger())
	server := httptest.NewServer(m.Handler())

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Clients() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Close())
	assert.Zero(t, m.Clients())

	// The pumps are accounted by the invoker, stopping it waits for them.
	invoker.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection is closed with the monitor")
	conn.Close()

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err = late.ReadMessage()
		assert.Error(t, err, "clients after close are rejected")
		late.Close()
	}
	assert.Zero(t, m.Clients())
	server.Close()
}
