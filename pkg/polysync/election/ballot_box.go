package election

import (
	"sync"

	"github.com/jabolina/go-polysync/pkg/polysync/types"
	"github.com/wangjia184/sortedset"
)

// Lowest 48 bits of the score hold the inverted identifier.
const idBits = 48

// BallotBox is a thread safe struct ranking the identities heard during
// a negotiation. Each identity is counted once.
type BallotBox struct {
	// Synchronization for operations.
	mutex sync.Mutex

	// Identities ordered by rank, the highest score is the winner.
	set *sortedset.SortedSet
}

func NewBallotBox() *BallotBox {
	return &BallotBox{set: sortedset.New()}
}

// Rank orders identities the same way Identity.Outranks does: the
// priority on the high bits, then the identifier inverted so the lower
// identifier gets the higher score.
func Rank(id types.Identity) sortedset.SCORE {
	var raw uint64
	for _, b := range id.ID {
		raw = raw<<8 | uint64(b)
	}
	inverted := (uint64(1)<<idBits - 1) - raw
	return sortedset.SCORE(uint64(id.Priority)<<idBits | inverted)
}

// Cast adds the identity to the box.
func (b *BallotBox) Cast(id types.Identity) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.set.AddOrUpdate(id.ID.String(), Rank(id), id)
}

// Winner returns the highest ranked identity.
func (b *BallotBox) Winner() (types.Identity, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	node := b.set.PeekMax()
	if node == nil {
		return types.Identity{}, false
	}
	return node.Value.(types.Identity), true
}

// Size is the number of distinct identities.
func (b *BallotBox) Size() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.set.GetCount()
}

// Clear removes every identity.
func (b *BallotBox) Clear() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.set = sortedset.New()
}
