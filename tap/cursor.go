package tap

import (
	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/vbucket"
	"github.com/rs/zerolog/log"
)

type cursorPhase uint8

const (
	phaseBackfill cursorPhase = iota + 1
	phaseCheckpointStart
	// end marker reached, waiting for it to be sent and acked
	phaseCheckpointEnd
	phaseCheckpointEndSynced
)

func (c cursorPhase) String() string {
	switch c {
	case phaseBackfill:
		return "backfill"
	case phaseCheckpointStart:
		return "checkpoint_start"
	case phaseCheckpointEnd:
		return "checkpoint_end"
	case phaseCheckpointEndSynced:
		return "checkpoint_end_synced"
	}
	return "unknown"
}

// checkpointState is a producer's view of one vbucket's cursor.
type checkpointState struct {
	vbucket             uint16
	currentCheckpointID uint64
	phase               cursorPhase
	// sequence number of the last mutation sent for this vbucket
	lastSeqNum uint32
	hasSeq     bool
	// the last queued mutation is the final one of its checkpoint
	lastItem bool
	// a mutation of this vbucket was nacked and waits to be resent
	resent bool
}

// acked reports whether every mutation sent for the vbucket was acknowledged.
func (s *checkpointState) acked(received uint32) bool {
	if s.resent {
		return false
	}
	return !s.hasSeq || !seqBefore(received, s.lastSeqNum)
}

// registerCursors places a cursor for every vbucket in the filter that has
// none yet. last holds the last checkpoint the client fully received.
// Vbuckets the cursor cannot serve are scheduled for backfill.
func (h *held) registerCursors(last map[uint16]uint64) {
	vbs := h.filter.IDs()
	if h.filter.AcceptsAll() {
		vbs = nil
		for id := 0; id < h.e.store.NumVBuckets(); id++ {
			if h.e.bucket(uint16(id)) != nil {
				vbs = append(vbs, uint16(id))
			}
		}
	}

	var backfill []uint16
	for _, vb := range vbs {
		b := h.e.bucket(vb)
		if b == nil {
			continue
		}
		lastID, hasLast := last[vb]
		if h.state(vb) != nil && !hasLast {
			continue
		}
		st := h.ensureState(vb)
		ckpts := b.Checkpoints()

		switch {
		case hasLast:
			st.currentCheckpointID = lastID + 1
		case ckpts.CursorCheckpointID(h.name) > 0:
			st.currentCheckpointID = ckpts.CursorCheckpointID(h.name)
		default:
			st.currentCheckpointID = 1
		}
		st.phase = phaseCheckpointStart
		// a producer restarted with open checkpoint 1 has lost whatever
		// that checkpoint held, so new clients always backfill
		brandNew := !ckpts.CursorExists(h.name) && st.currentCheckpointID == 1

		_, scheduled := h.backfillVBuckets[vb]
		if b.IsBackfillPhase() || scheduled {
			st.phase = phaseBackfill
			st.currentCheckpointID = 0
			continue
		}

		if h.dump {
			if b.State() == vbucket.Active {
				backfill = append(backfill, vb)
			}
			continue
		}

		ok := ckpts.RegisterCursor(h.name, st.currentCheckpointID, h.closedCheckpointOnly)
		if !ok || brandNew {
			if h.backfillAllowed() {
				st.phase = phaseBackfill
				st.currentCheckpointID = 0
				ckpts.RemoveCursor(h.name)
				// open checkpoint 0 means the vbucket is itself being
				// backfilled; it is scheduled when that ends
				if ckpts.OpenCheckpointID() > 0 {
					backfill = append(backfill, vb)
				}
				continue
			}
			st.currentCheckpointID = ckpts.CursorCheckpointID(h.name)
		}
		log.Debug().
			Str("tap", h.name).
			Uint16("vbucket", vb).
			Uint64("checkpoint", st.currentCheckpointID).
			Msg("Registered tap cursor")
	}

	if len(backfill) > 0 {
		h.scheduleBackfill(backfill)
	}
}

// setCursorToOpenCheckpoint moves the cursor of vb to the open checkpoint.
// A backfill scan covers everything before it.
func (h *held) setCursorToOpenCheckpoint(vb uint16) {
	if h.dump {
		return
	}
	b := h.e.bucket(vb)
	if b == nil {
		return
	}
	ckpts := b.Checkpoints()
	id := ckpts.OpenCheckpointID()
	ckpts.RegisterCursor(h.name, id, h.closedCheckpointOnly)

	st := h.ensureState(vb)
	st.currentCheckpointID = id
	st.phase = phaseCheckpointStart
}

// nextFgFetched returns the next item of the main queue, refilling it from
// the checkpoint cursors when it runs dry. pause reports that no vbucket can
// make progress until an ack or a new mutation arrives.
func (h *held) nextFgFetched() (qi *common.QueuedItem, pause bool) {
	if !h.backfillCompleted {
		h.checkBackfillCompletion()
	}

	if h.queue.Len() == 0 {
		if h.backfillCompleted {
			pause = h.sweepCursors()
		} else {
			pause = true
		}
	}

	qi, ok := h.queue.PopFront()
	if !ok {
		return nil, pause
	}
	h.addQueueMem(-int64(qi.Size()))
	return qi, pause
}

// sweepCursors pulls one item from every tracked vbucket's cursor.
func (h *held) sweepCursors() bool {
	var total, waitForAck, open int
	for _, vb := range h.tracked {
		st := h.checkpointState[vb]
		b := h.e.bucket(vb)
		if b == nil || (b.State() == vbucket.Dead && !h.takeover) {
			continue
		}
		total++
		if st.phase == phaseBackfill {
			open++
			continue
		}

		ckpts := b.Checkpoints()
		qi, last := ckpts.NextItem(h.name)
		switch qi.Op {
		case common.OpSet, common.OpDel:
			if h.supportCheckpointSync {
				st.lastItem = last
			}
			h.pushQueue(qi)
			h.queueFill++
			h.openCheckpointSent = false

		case common.OpCheckpointStart:
			st.currentCheckpointID = qi.Checkpoint
			if h.supportCheckpointSync {
				st.phase = phaseCheckpointStart
				st.lastItem = false
				h.checkpointMsgs.PushBack(qi)
			}

		case common.OpCheckpointEnd:
			if !h.supportCheckpointSync {
				continue
			}
			st.phase = phaseCheckpointEnd
			if st.acked(h.seqnoReceived) {
				h.checkpointMsgs.PushBack(qi)
			} else {
				ckpts.DecrCursorFromCheckpointEnd(h.name)
				waitForAck++
			}

		case common.OpOnlineUpdateStart:
			h.highPriority.PushBack(vbEvent{event: EventOpaque, vbucket: vb, opaque: OpaqueStartOnlineUpdate})
		case common.OpOnlineUpdateEnd:
			h.highPriority.PushBack(vbEvent{event: EventOpaque, vbucket: vb, opaque: OpaqueStopOnlineUpdate})
		case common.OpOnlineUpdateRevert:
			h.highPriority.PushBack(vbEvent{event: EventOpaque, vbucket: vb, opaque: OpaqueRevertOnlineUpdate})

		case common.OpFlush:
			h.doFlush = true

		case common.OpEmpty:
			open++
		}
	}

	if h.closedCheckpointOnly && total > 0 && open == total && !h.openCheckpointSent {
		for _, vb := range h.tracked {
			if st := h.checkpointState[vb]; st.phase != phaseBackfill {
				h.highPriority.PushBack(vbEvent{event: EventOpaque, vbucket: vb, opaque: OpaqueOpenCheckpoint})
			}
		}
		h.openCheckpointSent = true
	}

	return total == 0 || waitForAck == total || waitForAck+open == total
}
