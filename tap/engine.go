// Package tap implements the replication stream engine: producers that turn
// per-vbucket checkpoint logs into an ordered, acknowledged stream, consumers
// that apply such a stream, and the registry that owns both.
//
// Every Producer and Consumer is guarded by one mutex. Methods on the held
// guard type assume it is locked and must never call a locking method of the
// same connection. The registry lock is independent; registry operations
// snapshot what they need from a connection and release its lock before
// taking the registry lock again.
package tap

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/couchbase/gomemcached"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/tapstream/cfg"
	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/dispatcher"
	"github.com/maxpert/tapstream/store"
	"github.com/maxpert/tapstream/vbucket"
)

var (
	// ErrStreamComplete is returned by ProcessAck when the last outstanding
	// message of a dump or takeover stream was acknowledged.
	ErrStreamComplete = errors.New("tap stream complete")
	ErrDisconnected   = errors.New("tap connection disconnected")
	ErrNotMyVBucket   = errors.New("not my vbucket")
	ErrNotFound       = errors.New("tap connection not found")
	ErrNameInUse      = errors.New("tap connection name in use")
	ErrInvalidEvent   = errors.New("invalid tap event")
)

// StatusBusy is the binary protocol EBUSY status, a transient nack.
const StatusBusy = gomemcached.Status(0x85)

// NackError reports a non-transient negative acknowledgement.
type NackError struct {
	Seqno  uint32
	Status gomemcached.Status
	Msg    string
}

func (e *NackError) Error() string {
	return fmt.Sprintf("negative tap ack for seqno %d: %s %s", e.Seqno, e.Status, e.Msg)
}

// Store is the storage engine contract the stream engine consumes.
type Store interface {
	VBucket(id uint16) (vbucket.Bucket, bool)
	NumVBuckets() int

	// Get returns store.ErrWouldBlock with an identity-only item when the
	// value is not resident.
	Get(key string, vb uint16) (*common.Item, error)
	HasValidValue(key string, vb uint16) bool
	FetchValue(key string, rowID int64, vb uint16, version uint16) *future.Future[*common.Item]
	Load(key string, vb uint16) (*common.Item, error)
	Scan(ctx context.Context, vb uint16, fn func(store.ScanEntry) bool) error
	ResidentRatio(vb uint16) float64
	IncrementReplicas(key string, vb uint16)

	Set(item *common.Item) (uint64, error)
	Delete(key string, vb uint16) error
	FlushAll()
	SetVBucketState(id uint16, state vbucket.State) error
	ResetVBucket(id uint16) error
	SetPersistenceCheckpointID(vb uint16, id uint64)
	StartOnlineUpdate(vb uint16) error
	StopOnlineUpdate(vb uint16) error
	RevertOnlineUpdate(vb uint16) error
}

// Scheduler runs background tasks.
type Scheduler interface {
	Schedule(task dispatcher.Task, delay time.Duration) dispatcher.TaskID
}

// CursorRecorder persists the last acknowledged checkpoint of registered
// clients.
type CursorRecorder interface {
	Load(name string) map[uint16]uint64
	Record(name string, vb uint16, checkpoint uint64) error
	Delete(name string) error
}

// Cookie is the transport handle of a connection. The registry holds one
// reference per live connection and releases it exactly once.
type Cookie interface {
	Release()
	// NotifyIOComplete wakes the transport blocked on this connection.
	NotifyIOComplete(err error)
}

// Options wires a ConnMap to its collaborators.
type Options struct {
	Store   Store
	Config  *cfg.TapConfig
	Readers Scheduler
	NonIO   Scheduler
	// Cursors is optional; without it registered clients do not survive restarts
	Cursors CursorRecorder
	// InconsistentSlaveCheckpoint lets active vbuckets apply checkpoint messages
	InconsistentSlaveCheckpoint bool
	Now                         func() time.Time
}

// engine is what connections share.
type engine struct {
	store   Store
	config  *cfg.TapConfig
	readers Scheduler
	nonIO   Scheduler
	cursors CursorRecorder
	now     func() time.Time

	inconsistentSlaveCheckpoint bool

	conns       *ConnMap
	memOverhead atomic.Int64
}

func (e *engine) overMemoryLimit() bool {
	limit := e.config.MaxMemoryOverhead()
	return limit > 0 && uint64(max(e.memOverhead.Load(), 0)) > limit
}

func (e *engine) bucket(vb uint16) vbucket.Bucket {
	b, ok := e.store.VBucket(vb)
	if !ok {
		return nil
	}
	return b
}

// seqBefore compares 32-bit sequence numbers modulo wraparound.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
