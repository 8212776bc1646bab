package network

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

const (
	// ServiceType announced for every device.
	ServiceType = "_polysync._udp"

	serviceDomain = "local."
)

// Announcement of the device on mDNS, so tools on the link can find
// devices and the group they synchronize on.
type Announcement struct {
	server *zeroconf.Server
	log    hclog.Logger
}

// Advertise registers the device. The instance name is derived from
// the identity when empty.
func Advertise(instance string, port int, identity types.Identity, group string, log hclog.Logger) (*Announcement, error) {
	if instance == "" {
		instance = fmt.Sprintf("polysync-%s", identity.ID)
	}
	txt := []string{
		fmt.Sprintf("id=%s", identity.ID),
		fmt.Sprintf("priority=%d", identity.Priority),
		fmt.Sprintf("group=%s", group),
	}
	server, err := zeroconf.Register(instance, ServiceType, serviceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed registering mdns service: %w", err)
	}
	log.Info("mdns service registered", "instance", instance, "service", ServiceType, "port", port)
	return &Announcement{server: server, log: log}, nil
}

// Shutdown removes the announcement.
func (a *Announcement) Shutdown() {
	a.server.Shutdown()
	a.log.Debug("mdns service removed")
}

// Discovered device announced on the link.
type Discovered struct {
	Instance string
	Host     string
	Port     int
	Text     []string
}

// Discover browses the announced devices until the context is done.
func Discover(ctx context.Context, found func(Discovered)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed initializing mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				found(Discovered{
					Instance: entry.Instance,
					Host:     entry.HostName,
					Port:     entry.Port,
					Text:     entry.Text,
				})
			}
		}
	}()

	if err = resolver.Browse(ctx, ServiceType, serviceDomain, entries); err != nil {
		return fmt.Errorf("failed browsing mdns services: %w", err)
	}
	<-ctx.Done()
	<-done
	return nil
}
