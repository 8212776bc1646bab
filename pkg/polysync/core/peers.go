package core

import (
	"sort"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/output"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

// DefaultPeerTTL is how long a silent device stays in the peer table.
const DefaultPeerTTL = 10 * time.Second

// Peer is a device heard on the link.
type Peer struct {
	Identity types.Identity

	// Local time of the last frame in microseconds.
	LastSeen uint64

	// The last frame was a leader CLOCK.
	Leader bool
}

// Peers keeps the devices recently heard. Entries expire after the
// TTL without frames. Used for diagnostics only, the synchronization
// itself never depends on it.
type Peers struct {
	// Holds the entries, expiring the silent ones.
	cache *ttlcache.Cache

	// Keys present on the cache.
	mutex sync.Mutex
	keys  map[string]struct{}

	ttl uint64
	log hclog.Logger
}

func NewPeers(ttl time.Duration, log hclog.Logger) *Peers {
	p := &Peers{
		cache: ttlcache.NewCache(),
		keys:  make(map[string]struct{}),
		ttl:   uint64(ttl.Microseconds()),
		log:   log,
	}
	p.cache.SetTTL(ttl)
	p.cache.SetExpirationCallback(p.expired)
	return p
}

func (p *Peers) expired(key string, value interface{}) {
	p.mutex.Lock()
	delete(p.keys, key)
	p.mutex.Unlock()

	if peer, ok := value.(Peer); ok {
		p.log.Info("peer expired", "peer", peer.Identity)
	}
}

// Seen records a frame from the device. Returns true when the device
// was not known, or had expired.
func (p *Peers) Seen(id types.Identity, leader bool, now uint64) bool {
	key := id.ID.String()

	p.mutex.Lock()
	_, known := p.keys[key]
	p.keys[key] = struct{}{}
	p.mutex.Unlock()

	if !known {
		p.log.Info("peer discovered", "peer", id)
	}
	p.cache.Set(key, Peer{Identity: id, LastSeen: now, Leader: leader})
	return !known
}

// List the devices heard within the TTL, ordered by identifier.
func (p *Peers) List(now uint64) []Peer {
	p.mutex.Lock()
	keys := make([]string, 0, len(p.keys))
	for k := range p.keys {
		keys = append(keys, k)
	}
	p.mutex.Unlock()

	peers := make([]Peer, 0, len(keys))
	for _, k := range keys {
		v, ok := p.cache.Get(k)
		if !ok {
			continue
		}
		peer := v.(Peer)
		if now > peer.LastSeen && now-peer.LastSeen > p.ttl {
			continue
		}
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Identity.ID.Compare(peers[j].Identity.ID) < 0
	})
	return peers
}

// Status of the peers for the monitor.
func (p *Peers) Status(now uint64) []output.PeerStatus {
	peers := p.List(now)
	status := make([]output.PeerStatus, 0, len(peers))
	for _, peer := range peers {
		status = append(status, output.PeerStatus{
			ID:       peer.Identity.ID,
			Priority: peer.Identity.Priority,
			LastSeen: peer.LastSeen,
			Leader:   peer.Leader,
		})
	}
	return status
}

// Close stops the expiration of entries.
func (p *Peers) Close() {
	p.cache.Close()
}
