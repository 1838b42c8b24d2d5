package tap

import (
	"maps"
	"slices"

	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/telemetry"
	"github.com/rs/zerolog/log"
)

// scheduleBackfill asks for a snapshot scan of vbs. Vbuckets that are
// themselves being backfilled from elsewhere are skipped. While a scan is
// running the new vbuckets wait for the next session.
func (h *held) scheduleBackfill(vbs []uint16) {
	if !h.backfillAllowed() {
		return
	}

	running := h.pendingBackfillCounter > 0
	var added []uint16
	for _, vb := range vbs {
		b := h.e.bucket(vb)
		if b == nil || b.IsBackfillPhase() || !h.filter.Contains(vb) {
			continue
		}
		if slices.Contains(h.backfillPending, vb) {
			continue
		}
		if !running && slices.Contains(h.backfillScan, vb) {
			continue
		}
		added = append(added, vb)
	}
	if len(added) == 0 {
		return
	}

	for _, vb := range added {
		if b := h.e.bucket(vb); b != nil {
			b.Checkpoints().RemoveCursor(h.name)
		}
		st := h.ensureState(vb)
		st.phase = phaseBackfill
		st.currentCheckpointID = 0
		h.highPriority.PushBack(vbEvent{event: EventOpaque, vbucket: vb, opaque: OpaqueInitialVBucketStream})

		if running {
			h.backfillPending = append(h.backfillPending, vb)
		} else {
			h.backfillVBuckets[vb] = struct{}{}
			h.backfillScan = append(h.backfillScan, vb)
		}
	}
	if !running {
		h.doRunBackfill = true
	}
	h.backfillCompleted = false
	telemetry.TapBackfillsScheduledTotal.Inc()

	log.Info().
		Str("tap", h.name).
		Uints16("vbuckets", added).
		Bool("deferred", running).
		Msg("Scheduling backfill")
}

// ScheduleBackfill asks the producer to backfill vbs.
func (p *Producer) ScheduleBackfill(vbs []uint16) {
	h := p.lock()
	h.scheduleBackfill(vbs)
	h.unlock()
}

// claimBackfill hands the pending scan to the caller exactly once.
func (h *held) claimBackfill() ([]uint16, bool) {
	if !h.doRunBackfill {
		return nil, false
	}
	h.doRunBackfill = false
	h.pendingBackfillCounter++
	vbs := h.backfillScan
	h.backfillScan = nil
	slices.Sort(vbs)
	return slices.Compact(vbs), true
}

// completeBackfill ends a claimed scan and starts the deferred session, if
// any.
func (h *held) completeBackfill() {
	h.pendingBackfillCounter--
	if len(h.backfillPending) > 0 {
		for _, vb := range h.backfillPending {
			h.backfillVBuckets[vb] = struct{}{}
		}
		h.backfillScan = append(h.backfillScan, h.backfillPending...)
		h.backfillPending = nil
		h.doRunBackfill = true
	}
	h.checkBackfillCompletion()
}

// remaining estimates the backfill items not yet sent.
func (h *held) remaining() int {
	return h.backfilledItems.Len() + int(h.bgJobIssued-h.bgJobCompleted) + h.queue.Len()
}

// checkBackfillCompletion reports the transition to completed. It fires once
// per backfill session and queues a close backfill message per vbucket.
func (h *held) checkBackfillCompletion() bool {
	if h.backfillCompleted ||
		h.doRunBackfill ||
		h.pendingBackfillCounter > 0 ||
		h.diskBackfillCounter > 0 ||
		h.remaining() > 0 ||
		len(h.ackLog) > 0 {
		return false
	}

	h.backfillCompleted = true
	vbs := slices.Sorted(maps.Keys(h.backfillVBuckets))
	for _, vb := range vbs {
		h.highPriority.PushBack(vbEvent{event: EventOpaque, vbucket: vb, opaque: OpaqueCloseBackfill})
	}
	clear(h.backfillVBuckets)

	log.Info().Str("tap", h.name).Uints16("vbuckets", vbs).Msg("Backfill completed")
	return true
}

func (h *held) waitForBackfill() bool {
	return h.bgJobIssued-h.bgJobCompleted > h.e.config.BGMaxPending()
}

// queueBGFetch schedules a disk read for a queued item whose value is not
// resident.
func (h *held) queueBGFetch(qi *common.QueuedItem, rowID int64) {
	b := h.e.bucket(qi.VBucket)
	if b == nil {
		return
	}
	h.bgJobIssued++
	h.bgQueued++

	task := &bgFetchTask{
		p:       h.Producer,
		key:     qi.Key,
		vbucket: qi.VBucket,
		rowID:   rowID,
		version: b.Version(),
		queued:  h.e.now(),
	}
	readers := h.e.readers
	h.afterUnlock(func() { readers.Schedule(task, 0) })
}

// gotBGItem delivers a value read from disk. Items delivered after the
// producer was told to disconnect are dropped.
func (p *Producer) gotBGItem(item *common.Item, implicit bool) {
	h := p.lock()
	defer h.unlock()

	if h.ShouldDisconnect() {
		return
	}
	h.backfilledItems.PushBack(item)
	h.backfilledMemSize += int64(item.Size())
	h.e.memOverhead.Add(int64(item.Size()))
	h.bgResults++
	if implicit {
		h.queueFill++
		telemetry.TapBackfillItemsTotal.With("disk").Inc()
	} else {
		telemetry.TapBGFetchedTotal.Inc()
	}
	h.afterUnlock(func() { p.notifyIO(nil) })
}

func (p *Producer) completedBGFetchJob() {
	h := p.lock()
	h.bgJobCompleted++
	h.unlock()
}

// cleanSome drops up to n backfilled items and reports whether more remain.
func (h *held) cleanSome(n int) bool {
	for ; n > 0; n-- {
		item, ok := h.backfilledItems.PopFront()
		if !ok {
			return false
		}
		h.backfilledMemSize -= int64(item.Size())
		h.e.memOverhead.Add(-int64(item.Size()))
	}
	return h.backfilledItems.Len() > 0
}
