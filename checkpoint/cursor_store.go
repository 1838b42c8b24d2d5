package checkpoint

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/tapstream/encoding"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Key prefix for Pebble storage: /tapcursor/{clientName}
const prefixTapCursor = "/tapcursor/"

// Pebble configuration constants
const (
	memTableSize                = 4 << 20 // 4MB, records are tiny
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

// CursorRecord is the persisted position of a registered client: the last
// checkpoint id it acknowledged per vbucket, ordered by vbucket.
type CursorRecord struct {
	Name        string              `msgpack:"name"`
	Checkpoints []VBucketCheckpoint `msgpack:"checkpoints"`
	UpdatedAt   int64               `msgpack:"updated_at"`
}

// VBucketCheckpoint is one vbucket's acknowledged checkpoint
type VBucketCheckpoint struct {
	VBucket uint16 `msgpack:"vb"`
	ID      uint64 `msgpack:"id"`
}

func (r *CursorRecord) find(vb uint16) (int, bool) {
	return slices.BinarySearchFunc(r.Checkpoints, vb, func(c VBucketCheckpoint, vb uint16) int {
		return int(c.VBucket) - int(vb)
	})
}

func (r *CursorRecord) asMap() map[uint16]uint64 {
	out := make(map[uint16]uint64, len(r.Checkpoints))
	for _, c := range r.Checkpoints {
		out[c.VBucket] = c.ID
	}
	return out
}

// CursorStore persists registered-client checkpoint positions in Pebble so a
// client reconnecting after a restart resumes from its last closed checkpoint.
type CursorStore struct {
	db   *pebble.DB
	path string
	now  func() time.Time

	// Read cache, loaded fully at open
	records *xsync.MapOf[string, *CursorRecord]
	// Serializes read-modify-write of a single record
	writeMu sync.Mutex

	closed atomic.Bool
}

// OpenCursorStore creates or opens the store under dir. now stamps records
// and defaults to time.Now.
func OpenCursorStore(dir string, now func() time.Time) (*CursorStore, error) {
	if now == nil {
		now = time.Now
	}
	storePath := filepath.Join(dir, "tap_cursors")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
	}

	db, err := pebble.Open(storePath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor store at %s: %w", storePath, err)
	}

	cs := &CursorStore{
		db:      db,
		path:    storePath,
		now:     now,
		records: xsync.NewMapOf[string, *CursorRecord](),
	}

	if err := cs.loadRecords(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return cs, nil
}

func (cs *CursorStore) loadRecords() error {
	prefix := []byte(prefixTapCursor)
	iter, err := cs.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	count := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixTapCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		rec := &CursorRecord{}
		if err := encoding.Unmarshal(val, rec); err != nil {
			return fmt.Errorf("corrupted cursor record for %s: %w", name, err)
		}
		cs.records.Store(name, rec)
		count++
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if count > 0 {
		log.Info().Int("cursors", count).Msg("Loaded registered tap client cursors")
	}
	return nil
}

// Load returns a copy of the checkpoint ids stored for name, nil when unknown
func (cs *CursorStore) Load(name string) map[uint16]uint64 {
	rec, ok := cs.records.Load(name)
	if !ok {
		return nil
	}
	return rec.asMap()
}

// Record stores checkpoint as the last acknowledged closed checkpoint of
// vbucket for name. Older ids never overwrite newer ones.
func (cs *CursorStore) Record(name string, vbucket uint16, checkpoint uint64) error {
	if cs.closed.Load() {
		return fmt.Errorf("cursor store is closed")
	}

	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()

	next := &CursorRecord{Name: name}
	if prev, ok := cs.records.Load(name); ok {
		if i, found := prev.find(vbucket); found && prev.Checkpoints[i].ID >= checkpoint {
			return nil
		}
		next.Checkpoints = slices.Clone(prev.Checkpoints)
	}
	if i, found := next.find(vbucket); found {
		next.Checkpoints[i].ID = checkpoint
	} else {
		next.Checkpoints = slices.Insert(next.Checkpoints, i, VBucketCheckpoint{VBucket: vbucket, ID: checkpoint})
	}
	next.UpdatedAt = cs.now().UnixNano()

	val, err := encoding.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor record: %w", err)
	}
	if err := cs.db.Set([]byte(prefixTapCursor+name), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write cursor record: %w", err)
	}

	cs.records.Store(name, next)
	return nil
}

// Delete forgets a registered client
func (cs *CursorStore) Delete(name string) error {
	if cs.closed.Load() {
		return fmt.Errorf("cursor store is closed")
	}

	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()

	if err := cs.db.Delete([]byte(prefixTapCursor+name), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete cursor record: %w", err)
	}
	cs.records.Delete(name)
	return nil
}

// Names returns every registered client with a stored position
func (cs *CursorStore) Names() []string {
	var names []string
	cs.records.Range(func(name string, _ *CursorRecord) bool {
		names = append(names, name)
		return true
	})
	return names
}

// Close closes the underlying database
func (cs *CursorStore) Close() error {
	if !cs.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("cursor store already closed")
	}
	return cs.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
