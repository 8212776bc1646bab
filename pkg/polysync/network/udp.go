package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/helper"
	"github.com/jabolina/go-polysync/pkg/polysync/wire"
	"golang.org/x/net/ipv4"
)

const (
	// DefaultGroup is the multicast group devices broadcast to.
	DefaultGroup = "239.255.42.99"

	// DefaultPort of the multicast group.
	DefaultPort = 42099

	// Frames must stay on the local link.
	multicastTTL = 1

	// Larger than a frame so oversized datagrams are detected.
	readBufferSize = 4 * wire.FrameSize

	listenQueue = 256
)

// UDPConfig configures the multicast transport.
type UDPConfig struct {
	// Multicast group address.
	Group string

	// Port of the group.
	Port int

	// Interface name to join the group on, empty for the system default.
	Interface string
}

// UDPTransport implements the Transport interface over an IPv4
// multicast group. Loopback is enabled, so the local device receives
// its own frames and relies on echo filtering.
type UDPTransport struct {
	conn *ipv4.PacketConn
	dst  *net.UDPAddr

	// Channel to publish the received datagrams.
	producer chan []byte

	// Transport context for bounding the lifetime.
	ctx context.Context

	// Used to close the transport.
	cancel context.CancelFunc

	log hclog.Logger
}

// NewUDPTransport joins the multicast group and starts receiving.
func NewUDPTransport(conf UDPConfig, invoker helper.Invoker, log hclog.Logger) (*UDPTransport, error) {
	group := net.ParseIP(conf.Group)
	if group == nil || group.To4() == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("group %q is not an IPv4 multicast address", conf.Group)
	}

	var ifi *net.Interface
	if conf.Interface != "" {
		iface, err := net.InterfaceByName(conf.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed resolving interface %s: %w", conf.Interface, err)
		}
		ifi = iface
	}

	lc := net.ListenConfig{Control: reuseAddress}
	c, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(conf.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed listening on port %d: %w", conf.Port, err)
	}

	conn := ipv4.NewPacketConn(c)
	dst := &net.UDPAddr{IP: group, Port: conf.Port}
	if err = conn.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed joining group %s: %w", group, err)
	}
	if ifi != nil {
		if err = conn.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed setting interface %s: %w", ifi.Name, err)
		}
	}
	if err = conn.SetMulticastLoopback(true); err != nil {
		log.Warn("failed enabling multicast loopback", "error", err)
	}
	if err = conn.SetMulticastTTL(multicastTTL); err != nil {
		log.Warn("failed setting multicast ttl", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &UDPTransport{
		conn:     conn,
		dst:      dst,
		producer: make(chan []byte, listenQueue),
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
	invoker.Spawn(u.poll)
	log.Info("joined multicast group", "group", dst.String(), "interface", conf.Interface)
	return u, nil
}

// Implements the Transport interface.
func (u *UDPTransport) Broadcast(frame []byte) error {
	if u.ctx.Err() != nil {
		return ErrTransportClosed
	}
	_, err := u.conn.WriteTo(frame, nil, u.dst)
	return err
}

// Implements the Transport interface.
func (u *UDPTransport) Listen() <-chan []byte {
	return u.producer
}

// Implements the Transport interface.
func (u *UDPTransport) Close() error {
	if u.ctx.Err() != nil {
		return nil
	}
	u.cancel()
	return u.conn.Close()
}

func (u *UDPTransport) poll() {
	defer close(u.producer)

	buf := make([]byte, readBufferSize)
	for {
		n, _, src, err := u.conn.ReadFrom(buf)
		if err != nil {
			if u.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.Warn("failed reading datagram", "error", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		select {
		case <-u.ctx.Done():
			return
		case u.producer <- datagram:
		default:
			u.log.Debug("receive queue full, dropping datagram", "from", src)
		}
	}
}
