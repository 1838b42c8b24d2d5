package tap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/tapstream/store"
	"github.com/maxpert/tapstream/telemetry"
	"github.com/maxpert/tapstream/vbucket"
	"github.com/rs/zerolog/log"
)

type eventCounters struct {
	ok     atomic.Uint64
	failed atomic.Uint64
}

// Consumer applies an inbound stream to the local store.
type Consumer struct {
	conn
	mu sync.Mutex

	checkpointSync atomic.Bool
	counters       [EventNoop + 1]eventCounters
}

func newConsumer(e *engine, name string, cookie Cookie) *Consumer {
	c := &Consumer{}
	c.conn.init(e, name, cookie)
	return c
}

func (c *Consumer) Kind() string { return "consumer" }

// Apply validates ev against the local vbucket and applies it. Events are
// applied one at a time in arrival order.
func (c *Consumer) Apply(ev InboundEvent) error {
	c.mu.Lock()
	backfill, err := c.apply(ev)
	c.mu.Unlock()

	if backfill != nil {
		c.e.conns.ScheduleBackfill(backfill)
	}

	result := "ok"
	if int(ev.Event) < len(c.counters) {
		if err == nil {
			c.counters[ev.Event].ok.Add(1)
		} else {
			c.counters[ev.Event].failed.Add(1)
		}
	}
	if err != nil {
		result = "failed"
		log.Debug().Err(err).Str("tap", c.name).Stringer("event", ev.Event).Uint16("vbucket", ev.VBucket).Msg("Failed to apply tap event")
	}
	telemetry.TapConsumerEventsTotal.With(ev.Event.String(), result).Inc()
	return err
}

// apply returns the vbuckets whose inbound backfill ended; downstream
// producers backfill them once the consumer lock is released.
func (c *Consumer) apply(ev InboundEvent) ([]uint16, error) {
	switch ev.Event {
	case EventMutation:
		if _, err := c.writable(ev.VBucket); err != nil {
			return nil, err
		}
		if ev.Item == nil {
			return nil, fmt.Errorf("mutation without item: %w", ErrInvalidEvent)
		}
		item := ev.Item.Clone()
		item.VBucket = ev.VBucket
		_, err := c.e.store.Set(item)
		return nil, err

	case EventDeletion:
		if _, err := c.writable(ev.VBucket); err != nil {
			return nil, err
		}
		if ev.Item == nil {
			return nil, fmt.Errorf("deletion without key: %w", ErrInvalidEvent)
		}
		err := c.e.store.Delete(ev.Item.Key, ev.VBucket)
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err

	case EventFlush:
		c.e.store.FlushAll()
		return nil, nil

	case EventVBucketSet:
		if !ev.State.Valid() {
			return nil, fmt.Errorf("vbucket state %d: %w", ev.State, ErrInvalidEvent)
		}
		return nil, c.e.store.SetVBucketState(ev.VBucket, ev.State)

	case EventCheckpointStart, EventCheckpointEnd:
		return c.processCheckpointCommand(ev)

	case EventOpaque:
		return c.processOpaque(ev)

	case EventNoop:
		return nil, nil
	}
	return nil, fmt.Errorf("event %s: %w", ev.Event, ErrInvalidEvent)
}

// writable returns the vbucket when it accepts replicated mutations.
func (c *Consumer) writable(vb uint16) (vbucket.Bucket, error) {
	b := c.e.bucket(vb)
	if b == nil {
		return nil, fmt.Errorf("vbucket %d: %w", vb, ErrNotMyVBucket)
	}
	switch b.State() {
	case vbucket.Active, vbucket.Dead:
		return nil, fmt.Errorf("vbucket %d is %s: %w", vb, b.State(), ErrNotMyVBucket)
	}
	return b, nil
}

func (c *Consumer) processCheckpointCommand(ev InboundEvent) ([]uint16, error) {
	b := c.e.bucket(ev.VBucket)
	if b == nil {
		return nil, fmt.Errorf("vbucket %d: %w", ev.VBucket, ErrNotMyVBucket)
	}
	if b.State() == vbucket.Active && !c.e.inconsistentSlaveCheckpoint {
		return nil, nil
	}

	var backfill []uint16
	ckpts := b.Checkpoints()
	switch ev.Event {
	case EventCheckpointStart:
		if b.IsBackfillPhase() && ev.Checkpoint > 0 {
			backfill = c.setBackfillPhase(b, false)
		}
		ok, repositioned := ckpts.CheckAndAddNewCheckpoint(ev.Checkpoint)
		if !ok {
			return backfill, fmt.Errorf("checkpoint %d is older than the open checkpoint of vbucket %d", ev.Checkpoint, ev.VBucket)
		}
		if repositioned && ev.Checkpoint > 0 {
			c.e.store.SetPersistenceCheckpointID(ev.VBucket, ev.Checkpoint-1)
		}
	case EventCheckpointEnd:
		if !ckpts.CloseOpenCheckpoint(ev.Checkpoint) {
			return nil, fmt.Errorf("checkpoint %d is not the open checkpoint of vbucket %d", ev.Checkpoint, ev.VBucket)
		}
	}
	return backfill, nil
}

func (c *Consumer) processOpaque(ev InboundEvent) ([]uint16, error) {
	switch ev.Opaque {
	case OpaqueEnableAutoNack:
		c.supportAck.Store(true)
		return nil, nil

	case OpaqueEnableCheckpointSync:
		c.checkpointSync.Store(true)
		return nil, nil

	case OpaqueCloseTapStream:
		log.Info().Str("tap", c.name).Msg("Peer closed the tap stream")
		return nil, nil
	}

	b := c.e.bucket(ev.VBucket)
	if b == nil {
		return nil, fmt.Errorf("vbucket %d: %w", ev.VBucket, ErrNotMyVBucket)
	}

	switch ev.Opaque {
	case OpaqueInitialVBucketStream:
		if b.State() == vbucket.Active {
			log.Warn().Str("tap", c.name).Uint16("vbucket", ev.VBucket).Msg("Ignoring initial stream for active vbucket")
			return nil, nil
		}
		if err := c.e.store.ResetVBucket(ev.VBucket); err != nil {
			return nil, err
		}
		c.setBackfillPhase(b, true)
		return nil, nil

	case OpaqueCloseBackfill:
		if !b.IsBackfillPhase() {
			return nil, nil
		}
		return c.setBackfillPhase(b, false), nil

	case OpaqueOpenCheckpoint:
		c.checkVBOpenCheckpoint(b)
		return nil, nil

	case OpaqueStartOnlineUpdate:
		return nil, c.e.store.StartOnlineUpdate(ev.VBucket)
	case OpaqueStopOnlineUpdate:
		return nil, c.e.store.StopOnlineUpdate(ev.VBucket)
	case OpaqueRevertOnlineUpdate:
		return nil, c.e.store.RevertOnlineUpdate(ev.VBucket)
	}
	return nil, fmt.Errorf("opaque %s: %w", ev.Opaque, ErrInvalidEvent)
}

// setBackfillPhase toggles the inbound backfill flag of b. Ending it returns
// the vbucket so producers replicating it downstream backfill it in turn.
func (c *Consumer) setBackfillPhase(b vbucket.Bucket, on bool) []uint16 {
	b.SetBackfillPhase(on)
	log.Info().Str("tap", c.name).Uint16("vbucket", b.ID()).Bool("backfill", on).Msg("Vbucket backfill phase changed")
	if on {
		b.Checkpoints().SetOpenCheckpointID(0)
		return nil
	}
	return []uint16{b.ID()}
}

// checkVBOpenCheckpoint closes the open checkpoint of a replica so the
// upstream's closed-checkpoint-only stream can move on.
func (c *Consumer) checkVBOpenCheckpoint(b vbucket.Bucket) {
	if b.State() == vbucket.Active {
		return
	}
	id := b.Checkpoints().CheckOpenCheckpoint(true)
	log.Debug().Str("tap", c.name).Uint16("vbucket", b.ID()).Uint64("checkpoint", id).Msg("Checked open checkpoint")
}

// Stats returns per-event apply counters.
func (c *Consumer) Stats() map[string]string {
	out := make(map[string]string)
	add := func(k string, v any) { out[k] = formatStat(v) }
	c.commonStats(c.Kind(), add)
	add("checkpoint_sync", c.checkpointSync.Load())
	for _, ev := range consumerEvents {
		add("num_"+ev.String(), c.counters[ev].ok.Load())
		add("num_"+ev.String()+"_failed", c.counters[ev].failed.Load())
	}
	return out
}
