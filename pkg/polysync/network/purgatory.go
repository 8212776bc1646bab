package network

import (
	"encoding/binary"
	"time"

	"github.com/coocood/freecache"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
)

var defaultValue = []byte{0x1}

const (
	// Smallest size accepted by freecache.
	purgatorySize = 512 * 1024

	// DefaultDuplicateWindow is how long a frame identity is remembered.
	DefaultDuplicateWindow = 2 * time.Second
)

// Purgatory remembers recently seen frames for a short while.
type Purgatory interface {
	// Set will add the frame identity to the purgatory.
	// Returns true if it was not present.
	Set(sender types.DeviceID, sequence uint32) bool

	// Contains verify if the frame identity is in purgatory.
	Contains(sender types.DeviceID, sequence uint32) bool
}

// TtlPurgatory implements the Purgatory interface.
// All added entries expire after the configured window.
type TtlPurgatory struct {
	// delegate structure that will handle all entries.
	delegate *freecache.Cache

	// Expiration in seconds.
	expiration int
}

// NewPurgatory creates a purgatory, the window is rounded up to seconds.
func NewPurgatory(window time.Duration) Purgatory {
	expiration := int((window + time.Second - 1) / time.Second)
	if expiration < 1 {
		expiration = 1
	}
	return &TtlPurgatory{
		delegate:   freecache.NewCache(purgatorySize),
		expiration: expiration,
	}
}

func frameKey(sender types.DeviceID, sequence uint32) []byte {
	key := make([]byte, len(sender)+4)
	copy(key, sender[:])
	binary.LittleEndian.PutUint32(key[len(sender):], sequence)
	return key
}

// Implements the Purgatory interface.
// If the entry already exists, nothing changes.
func (t *TtlPurgatory) Set(sender types.DeviceID, sequence uint32) bool {
	old, err := t.delegate.GetOrSet(frameKey(sender, sequence), defaultValue, t.expiration)
	return old == nil && err == nil
}

// Implements the Purgatory interface.
func (t *TtlPurgatory) Contains(sender types.DeviceID, sequence uint32) bool {
	v, err := t.delegate.Peek(frameKey(sender, sequence))
	return v != nil && err == nil
}
