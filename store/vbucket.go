package store

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/tapstream/checkpoint"
	"github.com/maxpert/tapstream/vbucket"
	"github.com/puzpuzpuz/xsync/v3"
)

// storedValue is one key's hash table entry. value is nil while the item is
// evicted; persisted holds the compressed copy written by the flusher.
type storedValue struct {
	mu       sync.Mutex
	key      string
	value    []byte
	flags    uint32
	expiry   uint32
	cas      uint64
	rowID    int64
	seqno    uint64
	replicas atomic.Uint32

	dirty     bool
	persisted *diskRecord
}

type diskRecord struct {
	data   []byte
	flags  uint32
	expiry uint32
	cas    uint64
	rowID  int64
	seqno  uint64
}

// VBucket is one partition of the MemoryStore
type VBucket struct {
	id       uint16
	state    atomic.Uint32
	version  atomic.Uint32
	backfill atomic.Bool

	// Last checkpoint the flusher is known to have persisted up to
	persistenceCheckpoint atomic.Uint64

	checkpoints *checkpoint.MemoryManager
	items       *xsync.MapOf[string, *storedValue]
}

func newVBucket(id uint16, state vbucket.State, opts checkpoint.Options) *VBucket {
	vb := &VBucket{
		id:          id,
		checkpoints: checkpoint.NewMemoryManager(id, opts),
		items:       xsync.NewMapOf[string, *storedValue](),
	}
	vb.state.Store(uint32(state))
	return vb
}

func (vb *VBucket) ID() uint16 { return vb.id }

func (vb *VBucket) State() vbucket.State {
	return vbucket.State(vb.state.Load())
}

func (vb *VBucket) Version() uint16 {
	return uint16(vb.version.Load())
}

func (vb *VBucket) IsBackfillPhase() bool {
	return vb.backfill.Load()
}

func (vb *VBucket) SetBackfillPhase(on bool) {
	vb.backfill.Store(on)
}

func (vb *VBucket) Checkpoints() checkpoint.Manager {
	return vb.checkpoints
}

// PersistenceCheckpointID is the checkpoint the persistence cursor was last set to
func (vb *VBucket) PersistenceCheckpointID() uint64 {
	return vb.persistenceCheckpoint.Load()
}

// NumItems is the number of keys in the vbucket
func (vb *VBucket) NumItems() int {
	return vb.items.Size()
}
