package tap

import (
	"github.com/couchbase/gomemcached"
	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/telemetry"
	"github.com/maxpert/tapstream/vbucket"
	"github.com/rs/zerolog/log"
)

// logEntry is a sent message waiting for its acknowledgement. It holds
// enough to put the message back on the queue it came from.
type logEntry struct {
	seqno   uint32
	event   Event
	vbucket uint16
	state   vbucket.State
	opaque  OpaqueCode
	// item is set for mutations, deletions and checkpoint markers
	item *common.QueuedItem
}

func (h *held) windowIsFull() bool {
	if !h.SupportsAck() {
		return false
	}
	limit := h.e.config.AckWindowSize() * h.e.config.AckInterval()
	return h.unacked() > limit
}

// unacked is the distance between the next sequence number and the last
// acknowledged one. Sequence numbers skip 0 when they wrap.
func (h *held) unacked() uint64 {
	if h.seqno >= h.seqnoReceived {
		return uint64(h.seqno - h.seqnoReceived)
	}
	return uint64(0xFFFFFFFF-h.seqnoReceived) + uint64(h.seqno)
}

// stamp assigns the current sequence number to msg and logs it. The caller
// must have checked that ack support is on.
func (h *held) stamp(msg *Message, qi *common.QueuedItem) {
	msg.Seqno = h.seqno
	h.ackLog = append(h.ackLog, logEntry{
		seqno:   h.seqno,
		event:   msg.Event,
		vbucket: msg.VBucket,
		state:   msg.State,
		opaque:  msg.Opaque,
		item:    qi,
	})
	if msg.Event == EventCheckpointStart || msg.Event == EventCheckpointEnd {
		h.checkpointMsgCounter++
	}
}

// requestAck decides whether the peer must acknowledge the message that was
// just stamped, and advances the sequence number.
func (h *held) requestAck(event Event, vb uint16) bool {
	if !h.SupportsAck() {
		h.checkBackfillCompletion()
		return false
	}

	explicit := false
	if h.supportCheckpointSync && (event == EventMutation || event == EventDeletion) {
		if st := h.state(vb); st != nil {
			st.lastSeqNum = h.seqno
			st.hasSeq = true
			st.resent = false
			explicit = st.lastItem || st.phase == phaseCheckpointEnd
		}
	}

	cur := h.seqno
	h.seqno++
	if h.seqno == 0 {
		h.seqno = 1
		h.seqRotated = true
	}

	switch event {
	case EventVBucketSet, EventOpaque, EventCheckpointStart, EventCheckpointEnd:
		return true
	}

	h.checkBackfillCompletion()
	if explicit {
		return true
	}
	if interval := h.e.config.AckInterval(); interval > 0 && uint64(cur)%interval == 0 {
		return true
	}
	if !h.backfillCompleted && uint64(h.remaining()) < h.e.config.BackfillNearCompletion() {
		return true
	}
	return h.queue.Len() == 0 && h.highPriority.Len() == 0 && h.lowPriority.Len() == 0
}

// ProcessAck handles the peer's response to seq. It returns
// ErrStreamComplete when a dump or takeover stream has nothing left, and a
// *NackError for a non-transient nack, after which the producer is marked
// for disconnect.
func (p *Producer) ProcessAck(seq uint32, status gomemcached.Status, msg string) error {
	h := p.lock()
	err := h.processAck(seq, status, msg)
	h.unlock()
	if err == nil {
		p.notifyIO(nil)
	}
	return err
}

func (h *held) processAck(seq uint32, status gomemcached.Status, msg string) error {
	now := h.e.now()
	h.setExpiry(now.Add(h.e.config.AckGracePeriod()))
	telemetry.TapAcksTotal.With(status.String()).Inc()

	if h.seqRotated && seqBefore(seq, h.seqnoReceived) {
		log.Debug().Str("tap", h.name).Uint32("seqno", seq).Msg("Ack sequence rotated")
	}
	h.seqRotated = false
	h.seqnoReceived = seq

	n := 0
	for n < len(h.ackLog) && seqBefore(h.ackLog[n].seqno, seq) {
		n++
	}
	var explicit *logEntry
	if n < len(h.ackLog) && h.ackLog[n].seqno == seq {
		e := h.ackLog[n]
		explicit = &e
	}

	for _, e := range h.ackLog[:n] {
		h.markAcked(e)
	}

	switch status {
	case gomemcached.SUCCESS:
		removed := n
		if explicit != nil {
			h.markAcked(*explicit)
			removed++
		} else {
			log.Warn().Str("tap", h.name).Uint32("seqno", seq).Msg("Received ack for nonexistent entry")
		}
		h.dropLog(removed)

	case StatusBusy, gomemcached.TMPFAIL:
		h.numNack++
		h.dropLog(n)
		if explicit != nil {
			h.dropLog(1)
			h.reschedule(*explicit)
			h.numTmpfail++
		}
		if !h.takeoverCompletion {
			h.setSuspended(true)
		}
		log.Warn().
			Str("tap", h.name).
			Uint32("seqno", seq).
			Stringer("status", status).
			Msg("Received temporary failure, rescheduling")

	default:
		h.numNack++
		h.dropLog(n)
		if explicit != nil {
			h.dropLog(1)
		}
		h.SetDisconnect(true)
		h.setExpiry(now)
		telemetry.TapDisconnectsTotal.With("nack").Inc()
		log.Warn().
			Str("tap", h.name).
			Uint32("seqno", seq).
			Stringer("status", status).
			Str("msg", msg).
			Msg("Received negative ack, disconnecting")
		return &NackError{Seqno: seq, Status: status, Msg: msg}
	}

	h.checkBackfillCompletion()
	if h.mayCompleteDumpOrTakeover() && h.idle() {
		h.SetDisconnect(true)
		log.Info().Str("tap", h.name).Msg("Tap stream complete")
		return ErrStreamComplete
	}
	return nil
}

func (h *held) dropLog(n int) {
	if n <= 0 {
		return
	}
	clear(h.ackLog[:n])
	h.ackLog = h.ackLog[n:]
	if len(h.ackLog) == 0 {
		h.ackLog = nil
	}
}

// markAcked applies the effects of an acknowledged entry.
func (h *held) markAcked(e logEntry) {
	switch e.event {
	case EventMutation:
		if e.item != nil {
			st, key, vb := h.e.store, e.item.Key, e.vbucket
			h.afterUnlock(func() { st.IncrementReplicas(key, vb) })
		}
	case EventCheckpointStart:
		h.checkpointMsgCounter--
	case EventCheckpointEnd:
		h.checkpointMsgCounter--
		id := e.item.Checkpoint
		if st := h.state(e.vbucket); st != nil && st.phase == phaseCheckpointEnd && st.currentCheckpointID == id {
			st.phase = phaseCheckpointEndSynced
		}
		if h.registeredClient && h.e.cursors != nil {
			cursors, name, vb := h.e.cursors, h.name, e.vbucket
			h.afterUnlock(func() {
				if err := cursors.Record(name, vb, id); err != nil {
					log.Error().Err(err).Str("tap", name).Uint16("vbucket", vb).Msg("Failed to record checkpoint")
				}
			})
		}
	}
}

// reschedule puts an entry back at the head of the queue it came from so it
// is resent with a new sequence number.
func (h *held) reschedule(e logEntry) {
	telemetry.TapRescheduledTotal.Inc()

	switch e.event {
	case EventVBucketSet:
		ev := vbEvent{event: e.event, vbucket: e.vbucket, state: e.state}
		if e.state == vbucket.Pending {
			h.highPriority.PushFront(ev)
		} else {
			h.lowPriority.PushFront(ev)
		}
	case EventOpaque:
		h.highPriority.PushFront(vbEvent{event: e.event, vbucket: e.vbucket, opaque: e.opaque})
	case EventCheckpointStart, EventCheckpointEnd:
		h.checkpointMsgs.PushFront(e.item)
		h.checkpointMsgCounter--
	case EventMutation, EventDeletion:
		h.queue.PushFront(e.item)
		h.addQueueMem(int64(e.item.Size()))
		if st := h.state(e.vbucket); st != nil {
			st.resent = true
		}
	case EventFlush:
		h.doFlush = true
	case EventNoop:
	}
}

// rollback replays the whole unacknowledged window, used when a client
// reconnects and will expect everything it did not ack.
func (h *held) rollback() {
	defer func() {
		h.ackLog = nil
		h.checkpointMsgCounter = 0
		h.resetSeqno()
		for _, st := range h.checkpointState {
			st.hasSeq = false
			st.resent = false
		}
	}()

	if h.closedCheckpointOnly {
		// cursors are re-registered at a checkpoint boundary, so nothing
		// needs replaying
		h.clearQueues()
		h.highPriority.Clear()
		h.lowPriority.Clear()
		h.checkpointMsgs.Clear()
		clear(h.checkpointState)
		h.tracked = nil
		return
	}

	var (
		items, markers []*common.QueuedItem
		high, low      []vbEvent
	)
	for _, e := range h.ackLog {
		switch e.event {
		case EventMutation, EventDeletion:
			items = append(items, e.item)
		case EventCheckpointStart, EventCheckpointEnd:
			markers = append(markers, e.item)
		case EventOpaque:
			// re-sent by evaluateFlags
			if e.opaque == OpaqueEnableAutoNack || e.opaque == OpaqueEnableCheckpointSync {
				continue
			}
			high = append(high, vbEvent{event: e.event, vbucket: e.vbucket, opaque: e.opaque})
		case EventVBucketSet:
			ev := vbEvent{event: e.event, vbucket: e.vbucket, state: e.state}
			if e.state == vbucket.Pending {
				high = append(high, ev)
			} else {
				low = append(low, ev)
			}
		case EventFlush:
			h.doFlush = true
		case EventNoop:
		}
	}

	h.queue.PushFrontAll(items)
	for _, qi := range items {
		h.addQueueMem(int64(qi.Size()))
	}
	h.checkpointMsgs.PushFrontAll(markers)
	h.highPriority.PushFrontAll(high)
	h.lowPriority.PushFrontAll(low)
	h.ackPlayback += uint64(len(h.ackLog))

	if len(h.ackLog) > 0 {
		log.Info().Str("tap", h.name).Int("entries", len(h.ackLog)).Msg("Rolled back unacknowledged tap log")
	}
}
