package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tapstream/checkpoint"
	"github.com/maxpert/tapstream/common"
	"github.com/rs/zerolog/log"
)

// DefaultFlushInterval is the pause between flusher passes
const DefaultFlushInterval = 100 * time.Millisecond

// FlusherState is the flusher lifecycle
type FlusherState int32

const (
	FlusherInitializing FlusherState = iota
	FlusherRunning
	FlusherPausing
	FlusherPaused
	FlusherStopping
	FlusherStopped
)

func (s FlusherState) String() string {
	switch s {
	case FlusherInitializing:
		return "initializing"
	case FlusherRunning:
		return "running"
	case FlusherPausing:
		return "pausing"
	case FlusherPaused:
		return "paused"
	case FlusherStopping:
		return "stopping"
	case FlusherStopped:
		return "stopped"
	}
	return "unknown"
}

// Flusher drains each vbucket's persistence cursor and writes the dirty
// values it names to the disk tier. It shares nothing with the stream engine
// but the checkpoint log.
type Flusher struct {
	store    *MemoryStore
	interval time.Duration

	state       atomic.Int32
	stopCh      chan struct{}
	doneCh      chan struct{}
	lifecycleMu sync.Mutex
}

// NewFlusher creates a flusher over s; interval <= 0 uses DefaultFlushInterval
func NewFlusher(s *MemoryStore, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Flusher{store: s, interval: interval}
}

func (f *Flusher) State() FlusherState {
	return FlusherState(f.state.Load())
}

// Start starts the flusher goroutine
func (f *Flusher) Start() {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if st := f.State(); st == FlusherRunning || st == FlusherPaused {
		return
	}

	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	f.state.Store(int32(FlusherRunning))

	log.Info().Dur("interval", f.interval).Msg("Starting flusher")
	go f.loop()
}

// Stop stops the flusher after a final pass
func (f *Flusher) Stop() {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if st := f.State(); st != FlusherRunning && st != FlusherPaused {
		return
	}

	f.state.Store(int32(FlusherStopping))
	close(f.stopCh)
	<-f.doneCh
	f.state.Store(int32(FlusherStopped))
	log.Info().Msg("Flusher stopped")
}

// Pause suspends persistence until Resume
func (f *Flusher) Pause() bool {
	if !f.state.CompareAndSwap(int32(FlusherRunning), int32(FlusherPausing)) {
		return false
	}
	f.state.Store(int32(FlusherPaused))
	return true
}

// Resume continues a paused flusher
func (f *Flusher) Resume() bool {
	return f.state.CompareAndSwap(int32(FlusherPaused), int32(FlusherRunning))
}

func (f *Flusher) loop() {
	defer close(f.doneCh)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			f.FlushOnce()
			return
		case <-ticker.C:
			if f.State() == FlusherRunning {
				f.FlushOnce()
			}
		}
	}
}

// FlushOnce runs one persistence pass and returns the number of items written.
// Vbuckets in an online update are skipped so the update can be reverted.
func (f *Flusher) FlushOnce() int {
	written := 0
	for i := range f.store.vbuckets {
		vb := f.store.vbuckets[i].Load()
		if vb == nil || vb.checkpoints.InOnlineUpdate() {
			continue
		}
		written += f.flushVBucket(vb)
	}
	return written
}

func (f *Flusher) flushVBucket(vb *VBucket) int {
	written := 0
	for {
		qi, _ := vb.checkpoints.NextItem(checkpoint.PersistenceCursor)
		switch qi.Op {
		case common.OpEmpty:
			return written
		case common.OpSet:
			if f.persist(vb, qi) {
				written++
			}
		case common.OpCheckpointEnd:
			vb.persistenceCheckpoint.Store(qi.Checkpoint)
		}
	}
}

func (f *Flusher) persist(vb *VBucket, qi *common.QueuedItem) bool {
	sv, ok := vb.items.Load(qi.Key)
	if !ok {
		return false
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()

	// A later revision will be persisted when its own log entry is reached
	if !sv.dirty || sv.value == nil || sv.rowID != qi.RowID {
		return false
	}
	f.store.persistLocked(sv)
	return true
}
