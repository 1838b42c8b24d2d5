// Package store is the key/value engine the stream engine replicates from and
// applies into. Values live in a hash table per vbucket; an LRU bounds how
// many stay resident, and evicted values are kept zstd-compressed in a disk
// tier that background fetches read asynchronously.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/tapstream/checkpoint"
	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/vbucket"
	"github.com/rs/zerolog/log"
)

var (
	ErrKeyNotFound  = errors.New("key not found")
	ErrWouldBlock   = errors.New("value not resident")
	ErrNotMyVBucket = errors.New("not my vbucket")
)

// Options configures a MemoryStore
type Options struct {
	NumVBuckets      int
	ResidentCapacity int
	Checkpoint       checkpoint.Options
	// Now is the clock used for expiry; defaults to time.Now
	Now func() time.Time
}

type residentKey struct {
	vbucket uint16
	key     string
}

// MemoryStore is an in-process key/value engine
type MemoryStore struct {
	opts     Options
	vbuckets []atomic.Pointer[VBucket]

	resident *lru.Cache[residentKey, *storedValue]
	enc      *zstd.Encoder
	dec      *zstd.Decoder

	nextRowID atomic.Int64
	nextCas   atomic.Uint64

	onMutation atomic.Pointer[func(vbid uint16)]
}

// New creates a store with no vbuckets; create them with SetVBucketState
func New(opts Options) (*MemoryStore, error) {
	if opts.NumVBuckets < 1 {
		return nil, fmt.Errorf("vbucket count must be >= 1")
	}
	if opts.ResidentCapacity < 1 {
		return nil, fmt.Errorf("resident capacity must be >= 1")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &MemoryStore{
		opts:     opts,
		vbuckets: make([]atomic.Pointer[VBucket], opts.NumVBuckets),
		enc:      enc,
		dec:      dec,
	}

	s.resident, err = lru.NewWithEvict[residentKey, *storedValue](opts.ResidentCapacity, s.evict)
	if err != nil {
		enc.Close()
		dec.Close()
		return nil, fmt.Errorf("failed to create resident cache: %w", err)
	}
	return s, nil
}

// evict moves a value out of memory, writing it through to disk when dirty
func (s *MemoryStore) evict(_ residentKey, sv *storedValue) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.value == nil {
		return
	}
	if sv.dirty || sv.persisted == nil {
		s.persistLocked(sv)
	}
	sv.value = nil
}

func (s *MemoryStore) persistLocked(sv *storedValue) {
	sv.persisted = &diskRecord{
		data:   s.enc.EncodeAll(sv.value, nil),
		flags:  sv.flags,
		expiry: sv.expiry,
		cas:    sv.cas,
		rowID:  sv.rowID,
		seqno:  sv.seqno,
	}
	sv.dirty = false
}

func (s *MemoryStore) bucket(id uint16) *VBucket {
	if int(id) >= len(s.vbuckets) {
		return nil
	}
	return s.vbuckets[id].Load()
}

// VBucket returns the vbucket with id if it exists
func (s *MemoryStore) VBucket(id uint16) (vbucket.Bucket, bool) {
	vb := s.bucket(id)
	if vb == nil {
		return nil, false
	}
	return vb, true
}

// Bucket returns the concrete vbucket, nil if absent
func (s *MemoryStore) Bucket(id uint16) *VBucket {
	return s.bucket(id)
}

func (s *MemoryStore) NumVBuckets() int {
	return len(s.vbuckets)
}

// SetVBucketState creates the vbucket when missing, otherwise changes its state
func (s *MemoryStore) SetVBucketState(id uint16, state vbucket.State) error {
	if int(id) >= len(s.vbuckets) {
		return fmt.Errorf("vbucket %d out of range: %w", id, ErrNotMyVBucket)
	}
	if !state.Valid() {
		return fmt.Errorf("invalid vbucket state %d", state)
	}

	if vb := s.vbuckets[id].Load(); vb != nil {
		prev := vb.State()
		vb.state.Store(uint32(state))
		if prev != state {
			log.Info().
				Uint16("vbucket", id).
				Stringer("from", prev).
				Stringer("to", state).
				Msg("VBucket state changed")
		}
		return nil
	}

	s.vbuckets[id].CompareAndSwap(nil, newVBucket(id, state, s.opts.Checkpoint))
	return nil
}

// ResetVBucket drops every item and checkpoint of the vbucket and bumps its
// version so in-flight background fetches are discarded.
func (s *MemoryStore) ResetVBucket(id uint16) error {
	vb := s.bucket(id)
	if vb == nil {
		return ErrNotMyVBucket
	}

	vb.items.Range(func(key string, _ *storedValue) bool {
		s.resident.Remove(residentKey{vbucket: id, key: key})
		return true
	})
	vb.items.Clear()
	vb.version.Add(1)
	vb.checkpoints.Reset()
	log.Info().Uint16("vbucket", id).Msg("VBucket reset")
	return nil
}

// FlushAll resets every vbucket
func (s *MemoryStore) FlushAll() {
	for i := range s.vbuckets {
		if s.vbuckets[i].Load() != nil {
			_ = s.ResetVBucket(uint16(i))
		}
	}
}

// SetMutationListener registers fn to run after every mutation is queued
// into a checkpoint. fn must not block.
func (s *MemoryStore) SetMutationListener(fn func(vbid uint16)) {
	s.onMutation.Store(&fn)
}

func (s *MemoryStore) notifyMutation(vbid uint16) {
	if fn := s.onMutation.Load(); fn != nil {
		(*fn)(vbid)
	}
}

// Set stores item and appends the mutation to the vbucket's open checkpoint
func (s *MemoryStore) Set(item *common.Item) (uint64, error) {
	vb := s.bucket(item.VBucket)
	if vb == nil || vb.State() == vbucket.Dead {
		return 0, ErrNotMyVBucket
	}

	cas := item.Cas
	if cas == 0 {
		cas = s.nextCas.Add(1)
	}
	rowID := s.nextRowID.Add(1)

	sv, _ := vb.items.LoadOrCompute(item.Key, func() *storedValue {
		return &storedValue{key: item.Key}
	})

	sv.mu.Lock()
	sv.value = append([]byte(nil), item.Value...)
	sv.flags = item.Flags
	sv.expiry = item.Expiry
	sv.cas = cas
	sv.rowID = rowID
	sv.seqno++
	sv.dirty = true
	sv.mu.Unlock()

	s.resident.Add(residentKey{vbucket: item.VBucket, key: item.Key}, sv)

	vb.checkpoints.Queue(&common.QueuedItem{Key: item.Key, Op: common.OpSet, RowID: rowID})
	if vb.State() == vbucket.Active {
		vb.checkpoints.CheckOpenCheckpoint(false)
	}
	s.notifyMutation(item.VBucket)
	return cas, nil
}

// Delete removes key and appends the deletion to the open checkpoint
func (s *MemoryStore) Delete(key string, vbid uint16) error {
	vb := s.bucket(vbid)
	if vb == nil || vb.State() == vbucket.Dead {
		return ErrNotMyVBucket
	}

	sv, ok := vb.items.LoadAndDelete(key)
	if !ok {
		return ErrKeyNotFound
	}
	s.resident.Remove(residentKey{vbucket: vbid, key: key})

	vb.checkpoints.Queue(&common.QueuedItem{Key: key, Op: common.OpDel, RowID: sv.rowID})
	if vb.State() == vbucket.Active {
		vb.checkpoints.CheckOpenCheckpoint(false)
	}
	s.notifyMutation(vbid)
	return nil
}

// Get returns the resident value of key. A non-resident key returns
// ErrWouldBlock together with an item carrying only its identity and row id,
// enough to issue FetchValue.
func (s *MemoryStore) Get(key string, vbid uint16) (*common.Item, error) {
	vb := s.bucket(vbid)
	if vb == nil {
		return nil, ErrNotMyVBucket
	}

	sv, ok := vb.items.Load(key)
	if !ok {
		return nil, ErrKeyNotFound
	}

	sv.mu.Lock()
	if sv.expiry != 0 && int64(sv.expiry) <= s.opts.Now().Unix() {
		sv.mu.Unlock()
		return nil, ErrKeyNotFound
	}
	if sv.value == nil {
		stub := &common.Item{Key: key, VBucket: vbid, RowID: sv.rowID}
		sv.mu.Unlock()
		return stub, ErrWouldBlock
	}
	item := s.itemLocked(sv, vbid)
	sv.mu.Unlock()

	s.resident.Get(residentKey{vbucket: vbid, key: key})
	return item, nil
}

func (s *MemoryStore) itemLocked(sv *storedValue, vbid uint16) *common.Item {
	return &common.Item{
		Key:     sv.key,
		Value:   append([]byte(nil), sv.value...),
		VBucket: vbid,
		Flags:   sv.flags,
		Expiry:  sv.expiry,
		Cas:     sv.cas,
		RowID:   sv.rowID,
		Seqno:   sv.seqno,
	}
}

// HasValidValue reports whether key currently exists in the hash table
func (s *MemoryStore) HasValidValue(key string, vbid uint16) bool {
	vb := s.bucket(vbid)
	if vb == nil {
		return false
	}
	sv, ok := vb.items.Load(key)
	if !ok {
		return false
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.expiry == 0 || int64(sv.expiry) > s.opts.Now().Unix()
}

// FetchValue reads key from the disk tier asynchronously. rowID < 0 accepts
// any revision; otherwise a newer revision fails with ErrKeyNotFound, as does
// a vbucket reset since version was observed.
func (s *MemoryStore) FetchValue(key string, rowID int64, vbid uint16, version uint16) *future.Future[*common.Item] {
	p := future.NewPromise[*common.Item]()
	go func() {
		p.Set(s.readFromDisk(key, rowID, vbid, version))
	}()
	return p.Future()
}

func (s *MemoryStore) readFromDisk(key string, rowID int64, vbid uint16, version uint16) (*common.Item, error) {
	vb := s.bucket(vbid)
	if vb == nil {
		return nil, ErrNotMyVBucket
	}
	if vb.Version() != version {
		return nil, ErrKeyNotFound
	}

	sv, ok := vb.items.Load(key)
	if !ok {
		return nil, ErrKeyNotFound
	}

	sv.mu.Lock()
	rec := sv.persisted
	if rec == nil || (rowID >= 0 && rec.rowID != rowID) {
		sv.mu.Unlock()
		return nil, ErrKeyNotFound
	}
	value, err := s.dec.DecodeAll(rec.data, nil)
	if err != nil {
		sv.mu.Unlock()
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	restore := sv.value == nil && sv.rowID == rec.rowID
	if restore {
		sv.value = value
	}
	item := &common.Item{
		Key:     key,
		Value:   value,
		VBucket: vbid,
		Flags:   rec.flags,
		Expiry:  rec.expiry,
		Cas:     rec.cas,
		RowID:   rec.rowID,
		Seqno:   rec.seqno,
	}
	sv.mu.Unlock()

	if restore {
		s.resident.Add(residentKey{vbucket: vbid, key: key}, sv)
	}
	return item, nil
}

// Load returns the current value of key reading from disk when needed. Used
// by disk backfill, which already runs on a background worker.
func (s *MemoryStore) Load(key string, vbid uint16) (*common.Item, error) {
	item, err := s.Get(key, vbid)
	if errors.Is(err, ErrWouldBlock) {
		vb := s.bucket(vbid)
		if vb == nil {
			return nil, ErrNotMyVBucket
		}
		return s.readFromDisk(key, -1, vbid, vb.Version())
	}
	return item, err
}

// IncrementReplicas records that key was acknowledged by one more replica
func (s *MemoryStore) IncrementReplicas(key string, vbid uint16) {
	vb := s.bucket(vbid)
	if vb == nil {
		return
	}
	if sv, ok := vb.items.Load(key); ok {
		sv.replicas.Add(1)
	}
}

// Replicas returns how many replica acknowledgements key has seen
func (s *MemoryStore) Replicas(key string, vbid uint16) uint32 {
	vb := s.bucket(vbid)
	if vb == nil {
		return 0
	}
	if sv, ok := vb.items.Load(key); ok {
		return sv.replicas.Load()
	}
	return 0
}

// Evict forces key out of memory
func (s *MemoryStore) Evict(key string, vbid uint16) bool {
	vb := s.bucket(vbid)
	if vb == nil {
		return false
	}
	sv, ok := vb.items.Load(key)
	if !ok {
		return false
	}
	s.resident.Remove(residentKey{vbucket: vbid, key: key})
	s.evict(residentKey{vbucket: vbid, key: key}, sv)
	return true
}

// ScanEntry is one key visited by Scan
type ScanEntry struct {
	Key      string
	RowID    int64
	Resident bool
}

// Scan visits every live key of the vbucket until fn returns false or ctx is done
func (s *MemoryStore) Scan(ctx context.Context, vbid uint16, fn func(ScanEntry) bool) error {
	vb := s.bucket(vbid)
	if vb == nil {
		return ErrNotMyVBucket
	}

	now := s.opts.Now().Unix()
	var err error
	vb.items.Range(func(key string, sv *storedValue) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		sv.mu.Lock()
		expired := sv.expiry != 0 && int64(sv.expiry) <= now
		entry := ScanEntry{Key: key, RowID: sv.rowID, Resident: sv.value != nil}
		sv.mu.Unlock()
		if expired {
			return true
		}
		return fn(entry)
	})
	return err
}

// ResidentRatio is the fraction of the vbucket's keys held in memory
func (s *MemoryStore) ResidentRatio(vbid uint16) float64 {
	vb := s.bucket(vbid)
	if vb == nil {
		return 0
	}
	total, resident := 0, 0
	vb.items.Range(func(_ string, sv *storedValue) bool {
		total++
		sv.mu.Lock()
		if sv.value != nil {
			resident++
		}
		sv.mu.Unlock()
		return true
	})
	if total == 0 {
		return 1
	}
	return float64(resident) / float64(total)
}

// SetPersistenceCheckpointID records where the persistence cursor was moved to
func (s *MemoryStore) SetPersistenceCheckpointID(vbid uint16, id uint64) {
	if vb := s.bucket(vbid); vb != nil {
		vb.persistenceCheckpoint.Store(id)
	}
}

// StartOnlineUpdate pauses persistence of the vbucket and marks its log
func (s *MemoryStore) StartOnlineUpdate(vbid uint16) error {
	vb := s.bucket(vbid)
	if vb == nil {
		return ErrNotMyVBucket
	}
	return vb.checkpoints.StartOnlineUpdate()
}

// StopOnlineUpdate resumes persistence of the vbucket
func (s *MemoryStore) StopOnlineUpdate(vbid uint16) error {
	vb := s.bucket(vbid)
	if vb == nil {
		return ErrNotMyVBucket
	}
	return vb.checkpoints.StopOnlineUpdate()
}

// RevertOnlineUpdate undoes every mutation made since StartOnlineUpdate by
// restoring the last persisted copy, or removing keys that were never persisted.
func (s *MemoryStore) RevertOnlineUpdate(vbid uint16) error {
	vb := s.bucket(vbid)
	if vb == nil {
		return ErrNotMyVBucket
	}

	reverted, err := vb.checkpoints.RevertOnlineUpdate()
	if err != nil {
		return err
	}

	for _, qi := range reverted {
		if !qi.Op.IsMutation() {
			continue
		}
		sv, ok := vb.items.Load(qi.Key)
		if !ok {
			continue
		}
		sv.mu.Lock()
		rec := sv.persisted
		if rec == nil {
			sv.mu.Unlock()
			vb.items.Delete(qi.Key)
			s.resident.Remove(residentKey{vbucket: vbid, key: qi.Key})
			continue
		}
		sv.value = nil
		sv.flags, sv.expiry, sv.cas = rec.flags, rec.expiry, rec.cas
		sv.rowID, sv.seqno = rec.rowID, rec.seqno
		sv.dirty = false
		sv.mu.Unlock()
		s.resident.Remove(residentKey{vbucket: vbid, key: qi.Key})
	}

	log.Info().Uint16("vbucket", vbid).Int("reverted", len(reverted)).Msg("Online update reverted")
	return nil
}

// Close releases the compression codecs
func (s *MemoryStore) Close() {
	s.enc.Close()
	s.dec.Close()
}
