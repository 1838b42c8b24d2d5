package tap

import (
	"errors"

	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/store"
	"github.com/maxpert/tapstream/telemetry"
	"github.com/maxpert/tapstream/vbucket"
	"github.com/rs/zerolog/log"
)

// Next pulls the next message of the stream. Sources are tried in fixed
// priority order: flush, vbucket control events, checkpoint markers, disk
// results, the main queue and finally the dump/takeover completion steps.
func (p *Producer) Next() Message {
	h := p.lock()
	msg := h.next()
	h.unlock()

	p.paused.Store(msg.Action == ActionPause)
	return msg
}

func (h *held) next() Message {
	if vbs, ok := h.claimBackfill(); ok {
		task, readers := newBackfillTask(h.Producer, vbs), h.e.readers
		h.afterUnlock(func() { readers.Schedule(task, 0) })
	}

	if h.ShouldDisconnect() {
		return disconnectMsg()
	}
	if h.suspended.Load() {
		return pauseMsg()
	}
	if h.e.overMemoryLimit() {
		telemetry.TapBackpressureTotal.Inc()
		return pauseMsg()
	}
	if h.windowIsFull() {
		if h.expired(h.e.now()) {
			log.Warn().Str("tap", h.name).Msg("Ack window full past expiry, disconnecting")
			h.SetDisconnect(true)
			telemetry.TapDisconnectsTotal.With("expired").Inc()
			return disconnectMsg()
		}
		telemetry.TapWindowFullTotal.Inc()
		return pauseMsg()
	}

	if h.doFlush {
		h.doFlush = false
		return h.send(Message{Event: EventFlush}, nil)
	}
	if ev, ok := h.nextVBucketHighPriority(); ok {
		return h.send(ev.message(), nil)
	}

	msg := h.getNextItem()
	if msg.Action != ActionPause {
		return msg
	}
	if h.dump || h.takeover {
		if msg = h.checkDumpOrTakeOverCompletion(); msg.Action != ActionPause {
			return msg
		}
	}
	if h.noop.Swap(false) {
		h.totalNoops++
		h.lastMsgTime.Store(h.e.now().UnixNano())
		telemetry.TapEventsSentTotal.With(EventNoop.String()).Inc()
		return Message{Action: ActionSend, Event: EventNoop}
	}
	return msg
}

func (ev vbEvent) message() Message {
	return Message{Event: ev.event, VBucket: ev.vbucket, State: ev.state, Opaque: ev.opaque}
}

// send turns msg into an outgoing message, logging it for acknowledgement
// when the peer supports acks.
func (h *held) send(msg Message, qi *common.QueuedItem) Message {
	msg.Action = ActionSend
	if h.SupportsAck() {
		h.stamp(&msg, qi)
	}
	msg.Ack = h.requestAck(msg.Event, msg.VBucket)
	if msg.Ack {
		h.seqnoAckRequested = msg.Seqno
	}

	if msg.Event == EventMutation || msg.Event == EventDeletion {
		h.queueDrain++
	}
	h.lastMsgTime.Store(h.e.now().UnixNano())
	telemetry.TapEventsSentTotal.With(msg.Event.String()).Inc()
	return msg
}

// nextVBucketHighPriority pops the next high priority event, dropping events
// for vbuckets outside the filter.
func (h *held) nextVBucketHighPriority() (vbEvent, bool) {
	for {
		ev, ok := h.highPriority.PopFront()
		if !ok {
			return ev, false
		}
		if ev.event == EventOpaque && ev.opaque.connectionWide() {
			return ev, true
		}
		if h.filter.Contains(ev.vbucket) {
			return ev, true
		}
	}
}

// otherWork reports whether a retry would find something to send.
func (h *held) otherWork() bool {
	return h.queue.Len() > 0 ||
		h.checkpointMsgs.Len() > 0 ||
		h.highPriority.Len() > 0 ||
		h.backfilledItems.Len() > 0 ||
		h.doFlush
}

func (h *held) getNextItem() Message {
	if qi, ok := h.checkpointMsgs.PopFront(); ok {
		ev := EventCheckpointStart
		if qi.Op == common.OpCheckpointEnd {
			ev = EventCheckpointEnd
		}
		return h.send(Message{Event: ev, VBucket: qi.VBucket, Checkpoint: qi.Checkpoint}, qi)
	}

	if item, ok := h.backfilledItems.PopFront(); ok {
		h.backfilledMemSize -= int64(item.Size())
		h.e.memOverhead.Add(-int64(item.Size()))
		return h.sendBackfilled(item)
	}

	if h.waitForBackfill() {
		return pauseMsg()
	}
	if h.SupportsAck() && h.checkpointMsgCounter > 0 {
		return pauseMsg()
	}

	qi, pause := h.nextFgFetched()
	if qi == nil {
		if h.otherWork() || !pause {
			return retryMsg()
		}
		return pauseMsg()
	}
	if !h.filter.Contains(qi.VBucket) {
		h.recordsSkipped++
		return retryMsg()
	}

	if qi.Op == common.OpDel {
		h.recordsFetched++
		return h.send(Message{
			Event:   EventDeletion,
			VBucket: qi.VBucket,
			Item:    &common.Item{Key: qi.Key, VBucket: qi.VBucket},
		}, qi)
	}

	item, err := h.e.store.Get(qi.Key, qi.VBucket)
	switch {
	case err == nil:
		h.recordsFetched++
		return h.send(Message{Event: EventMutation, VBucket: qi.VBucket, Item: item}, qi)
	case errors.Is(err, store.ErrKeyNotFound):
		h.recordsFetched++
		return h.send(Message{
			Event:   EventDeletion,
			VBucket: qi.VBucket,
			Item:    &common.Item{Key: qi.Key, VBucket: qi.VBucket},
		}, qi)
	case errors.Is(err, store.ErrWouldBlock):
		h.queueBGFetch(qi, item.RowID)
		if h.otherWork() {
			return retryMsg()
		}
		return pauseMsg()
	default:
		log.Warn().
			Err(err).
			Str("tap", h.name).
			Uint16("vbucket", qi.VBucket).
			Str("key", qi.Key).
			Msg("Failed to read item, disconnecting")
		h.SetDisconnect(true)
		telemetry.TapDisconnectsTotal.With("error").Inc()
		return disconnectMsg()
	}
}

// sendBackfilled sends a value read from disk, preferring the resident copy
// when there is one.
func (h *held) sendBackfilled(item *common.Item) Message {
	if !h.filter.Contains(item.VBucket) {
		h.recordsSkipped++
		return retryMsg()
	}

	fresh, err := h.e.store.Get(item.Key, item.VBucket)
	switch {
	case err == nil:
		item = fresh
	case errors.Is(err, store.ErrWouldBlock):
	default:
		h.recordsSkipped++
		return retryMsg()
	}
	if item.IsExpired(h.e.now()) {
		h.recordsSkipped++
		return retryMsg()
	}

	h.recordsFetched++
	qi := &common.QueuedItem{Key: item.Key, VBucket: item.VBucket, Op: common.OpSet, RowID: item.RowID}
	return h.send(Message{Event: EventMutation, VBucket: item.VBucket, Item: item}, qi)
}

// checkDumpOrTakeOverCompletion runs once everything else is drained. It
// sends the low priority vbucket events, flipping a taken-over vbucket to
// dead, and ends the stream when nothing is left unacknowledged.
func (h *held) checkDumpOrTakeOverCompletion() Message {
	if !h.mayCompleteDumpOrTakeover() {
		return pauseMsg()
	}

	if ev, ok := h.lowPriority.PopFront(); ok {
		if h.takeover && ev.event == EventVBucketSet && ev.state == vbucket.Active {
			if uint64(len(h.ackLog)) >= h.e.config.TakeoverMaxAckLogSize() {
				h.lowPriority.PushFront(ev)
				return pauseMsg()
			}
			h.takeoverCompletion = true
			// only an active vbucket hands its role over
			if b := h.e.bucket(ev.vbucket); b != nil && b.State() == vbucket.Active {
				if err := h.e.store.SetVBucketState(ev.vbucket, vbucket.Dead); err != nil {
					log.Warn().Err(err).Str("tap", h.name).Uint16("vbucket", ev.vbucket).Msg("Failed to mark vbucket dead")
				}
				log.Info().Str("tap", h.name).Uint16("vbucket", ev.vbucket).Msg("Vbucket taken over")
			}
		}
		return h.send(ev.message(), nil)
	}

	if len(h.ackLog) > 0 {
		return pauseMsg()
	}

	log.Info().Str("tap", h.name).Bool("takeover", h.takeover).Msg("Tap stream complete, disconnecting")
	h.SetDisconnect(true)
	return disconnectMsg()
}
