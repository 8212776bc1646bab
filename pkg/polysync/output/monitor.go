package output

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/helper"
)

const (
	clientQueue  = 256
	writeTimeout = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is a single connected monitor.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Monitor serves the device status over HTTP and streams its events to
// websocket clients. It is a Sink: every delivered event except the
// sync ticks is pushed to the connected clients as JSON.
//
//	GET /status          JSON status
//	GET /status.msgpack  msgpack status
//	GET /ws              event stream
type Monitor struct {
	mutex   sync.Mutex
	clients map[*client]bool
	closed  bool

	status  func() Status
	invoker helper.Invoker
	router  *mux.Router
	server  *http.Server
	log     hclog.Logger
}

// NewMonitor creates a monitor reading the status from the given function.
// The pumps of the websocket clients are spawned with the invoker, which
// must be stopped only after the monitor is closed.
func NewMonitor(status func() Status, invoker helper.Invoker, log hclog.Logger) *Monitor {
	m := &Monitor{
		clients: make(map[*client]bool),
		status:  status,
		invoker: invoker,
		log:     log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", m.serveStatus).Methods(http.MethodGet)
	r.HandleFunc("/status.msgpack", m.serveStatusMsgpack).Methods(http.MethodGet)
	r.HandleFunc("/ws", m.serveWs)
	m.router = r
	return m
}

// Handler of the monitor routes.
func (m *Monitor) Handler() http.Handler {
	return m.router
}

// Serve the monitor on the listener until Close.
func (m *Monitor) Serve(l net.Listener) error {
	m.mutex.Lock()
	m.server = &http.Server{Handler: m.router, ReadHeaderTimeout: 5 * time.Second}
	server := m.server
	m.mutex.Unlock()

	m.log.Info("monitor listening", "address", l.Addr().String())
	if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Monitor) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.status()); err != nil {
		m.log.Warn("failed writing status", "error", err)
	}
}

func (m *Monitor) serveStatusMsgpack(w http.ResponseWriter, r *http.Request) {
	data, err := EncodeMsgpack(m.status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/msgpack")
	_, _ = w.Write(data)
}

func (m *Monitor) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Debug("failed upgrading monitor connection", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		_ = conn.Close()
		return
	}
	m.clients[c] = true
	m.log.Debug("monitor client registered", "clients", len(m.clients))

	m.invoker.Spawn(c.writePump)
	m.invoker.Spawn(func() { m.readPump(c) })
}

// Clients is the number of connected websocket clients.
func (m *Monitor) Clients() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.clients)
}

// Monitor clients only listen, reading detects the disconnection.
func (m *Monitor) readPump(c *client) {
	defer m.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (m *Monitor) unregister(c *client) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.clients[c]; ok {
		delete(m.clients, c)
		close(c.send)
	}
}

// Implements the Sink interface.
func (m *Monitor) Deliver(e Event) error {
	if e.Kind == SyncEvent {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	for c := range m.clients {
		select {
		case c.send <- data:
		default:
			// Slow client.
			delete(m.clients, c)
			close(c.send)
		}
	}
	return nil
}

// Implements the Sink interface.
func (m *Monitor) Close() error {
	m.mutex.Lock()
	m.closed = true
	server := m.server
	for c := range m.clients {
		delete(m.clients, c)
		close(c.send)
	}
	m.mutex.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
