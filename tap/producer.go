package tap

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/telemetry"
	"github.com/maxpert/tapstream/vbucket"
	"github.com/rs/zerolog/log"
)

// ConnectRequest describes a producer connect.
type ConnectRequest struct {
	Name   string
	Cookie Cookie
	Flags  Flags
	// BackfillAge is a unix timestamp; only used with the backfill flag. An
	// age in the future disables backfill.
	BackfillAge uint64
	VBuckets    []uint16
	// LastCheckpointIDs are the last checkpoints the client has fully
	// received, per vbucket
	LastCheckpointIDs    map[uint16]uint64
	ClosedCheckpointOnly bool
}

// Producer streams the checkpoint logs of its vbuckets to one client.
type Producer struct {
	conn
	mu sync.Mutex

	flags                 Flags
	flagsText             string
	dump                  bool
	takeover              bool
	takeoverCompletion    bool
	supportCheckpointSync bool
	registeredClient      bool
	closedCheckpointOnly  bool
	backfillAge           uint64

	filter vbucket.Filter

	queue          deque[*common.QueuedItem]
	queueMemSize   int64
	highPriority   deque[vbEvent]
	lowPriority    deque[vbEvent]
	checkpointMsgs deque[*common.QueuedItem]
	// checkpoint messages sent and not yet acknowledged
	checkpointMsgCounter int
	checkpointState      map[uint16]*checkpointState
	tracked              []uint16
	openCheckpointSent   bool
	doFlush              bool

	// vbuckets owed a close backfill message when the session completes
	backfillVBuckets map[uint16]struct{}
	// vbuckets the next claimed scan covers
	backfillScan           []uint16
	backfillPending        []uint16
	doRunBackfill          bool
	backfillCompleted      bool
	pendingBackfillCounter int
	diskBackfillCounter    int
	backfilledItems        deque[*common.Item]
	backfilledMemSize      int64
	bgResults              uint64
	bgQueued               uint64
	bgJobIssued            uint64
	bgJobCompleted         uint64

	ackLog            []logEntry
	seqno             uint32
	seqnoReceived     uint32
	seqnoAckRequested uint32
	seqRotated        bool
	numNack           uint64
	numTmpfail        uint64
	ackPlayback       uint64

	suspended   atomic.Bool
	paused      atomic.Bool
	noop        atomic.Bool
	lastMsgTime atomic.Int64

	recordsFetched uint64
	recordsSkipped uint64
	queueFill      uint64
	queueDrain     uint64
	queueBackoff   uint64
	totalNoops     uint64
	reconnects     uint64
}

func newProducer(e *engine, name string, cookie Cookie) *Producer {
	p := &Producer{
		checkpointState:   make(map[uint16]*checkpointState),
		backfillVBuckets:  make(map[uint16]struct{}),
		backfillCompleted: true,
	}
	p.conn.init(e, name, cookie)
	p.lastMsgTime.Store(e.now().UnixNano())
	p.resetSeqno()
	return p
}

// held is the producer with its lock taken. Methods on held assume the lock
// and become unusable once unlock is called.
type held struct {
	*Producer
	after []func()
}

func (p *Producer) lock() *held {
	p.mu.Lock()
	return &held{Producer: p}
}

// afterUnlock defers fn until the lock is released. Used for calls into
// other components that may call back into this producer.
func (h *held) afterUnlock(fn func()) {
	h.after = append(h.after, fn)
}

func (h *held) unlock() {
	after := h.after
	h.Producer.mu.Unlock()
	h.Producer = nil
	for _, fn := range after {
		fn()
	}
}

func (p *Producer) Kind() string { return "producer" }

func (p *Producer) resetSeqno() {
	initial := p.e.config.AckInitialSequenceNumber()
	p.seqno = initial
	p.seqnoReceived = initial - 1
	p.seqnoAckRequested = initial - 1
	p.seqRotated = false
}

// setup applies a connect request. It runs for new producers and for
// reconnects to an existing name.
func (p *Producer) setup(req ConnectRequest, last map[uint16]uint64, reconnect bool) {
	h := p.lock()
	defer h.unlock()

	if reconnect {
		p.swapCookie(req.Cookie)
		p.setConnected(true)
		p.SetDisconnect(false)
		p.reconnects++
		p.setExpiry(time.Time{})
		h.rollback()
		p.flags = req.Flags
		h.evaluateFlags()
	} else {
		p.flags = req.Flags
		h.evaluateFlags()
	}

	h.setBackfillAge(req.BackfillAge, reconnect)
	p.closedCheckpointOnly = req.ClosedCheckpointOnly && p.registeredClient
	if p.flags.ListVBuckets() || p.flags.Takeover() {
		h.setFilter(req.VBuckets)
	}
	h.registerCursors(last)
}

func (h *held) evaluateFlags() {
	h.dump = h.flags.Dump()
	h.registeredClient = h.flags.RegisteredClient()
	h.supportAck.Store(h.flags.SupportAck())
	h.supportCheckpointSync = h.flags.Checkpoint()

	if h.flags.SupportAck() {
		h.queueConnectionOpaque(OpaqueEnableAutoNack)
		h.setExpiry(h.e.now().Add(h.e.config.AckGracePeriod()))
	}
	if h.flags.Checkpoint() {
		h.queueConnectionOpaque(OpaqueEnableCheckpointSync)
	}

	h.flagsText = h.flags.String()
	if h.flagsText != "" {
		log.Debug().Str("tap", h.name).Str("flags", h.flagsText).Msg("TAP connection option flags")
	}
}

// queueConnectionOpaque queues a connection-wide opaque unless the same one
// is still waiting to be sent.
func (h *held) queueConnectionOpaque(code OpaqueCode) {
	queued := false
	h.highPriority.Each(func(ev vbEvent) {
		if ev.event == EventOpaque && ev.opaque == code {
			queued = true
		}
	})
	if !queued {
		h.highPriority.PushBack(vbEvent{event: EventOpaque, opaque: code})
	}
}

func (h *held) setBackfillAge(age uint64, reconnect bool) {
	if reconnect {
		if !h.flags.Backfill() {
			age = h.backfillAge
		}
		if age == h.backfillAge {
			return
		}
	}
	if h.flags.Backfill() {
		h.backfillAge = age
		log.Debug().Str("tap", h.name).Uint64("age", age).Msg("Backfill age set")
	}
}

func (h *held) backfillAllowed() bool {
	return h.backfillAge < uint64(h.e.now().Unix())
}

// setFilter replaces the vbucket filter. Cursors of vbuckets leaving the
// filter are removed unless the client is registered.
func (h *held) setFilter(vbs []uint16) {
	if h.flags.ListVBuckets() {
		next := vbucket.NewFilter(vbs...)
		changed := h.filter.Diff(next)

		var removed []uint16
		for _, vb := range changed.IDs() {
			if !next.Contains(vb) {
				removed = append(removed, vb)
			}
		}
		if h.filter.AcceptsAll() {
			for _, vb := range h.tracked {
				if !next.Contains(vb) {
					removed = append(removed, vb)
				}
			}
		}
		for _, vb := range removed {
			if !h.registeredClient {
				if b := h.e.bucket(vb); b != nil {
					b.Checkpoints().RemoveCursor(h.name)
				}
			}
			h.dropState(vb)
			delete(h.backfillVBuckets, vb)
			h.backfillScan = slices.DeleteFunc(h.backfillScan, func(x uint16) bool { return x == vb })
		}

		log.Info().
			Str("tap", h.name).
			Stringer("from", h.filter).
			Stringer("to", next).
			Msg("Changing the vbucket filter")
		h.filter = next
	}

	if h.flags.Takeover() {
		var keep []vbEvent
		h.highPriority.Each(func(ev vbEvent) {
			if ev.event == EventOpaque &&
				(ev.opaque == OpaqueEnableAutoNack || ev.opaque == OpaqueEnableCheckpointSync) {
				keep = append(keep, ev)
			}
		})
		h.highPriority.Clear()
		for _, ev := range keep {
			h.highPriority.PushBack(ev)
		}
		h.lowPriority.Clear()

		for _, vb := range h.filter.IDs() {
			h.highPriority.PushBack(vbEvent{event: EventVBucketSet, vbucket: vb, state: vbucket.Pending})
			h.lowPriority.PushBack(vbEvent{event: EventVBucketSet, vbucket: vb, state: vbucket.Active})
		}
		h.takeover = true
	}
}

// SetFilter replaces the vbucket filter of a live producer.
func (p *Producer) SetFilter(vbs []uint16) {
	h := p.lock()
	h.setFilter(vbs)
	h.unlock()
	p.e.conns.NotifyNotificationThread()
}

// Filter returns the current vbucket filter.
func (p *Producer) Filter() vbucket.Filter {
	h := p.lock()
	defer h.unlock()
	return h.filter
}

// Flush drops everything queued and sends a flush on the next pull.
func (p *Producer) Flush() {
	h := p.lock()
	log.Info().Str("tap", h.name).Msg("Clearing the tap queues by force")
	h.clearQueues()
	h.checkpointMsgs.Clear()
	h.doFlush = true
	h.unlock()
	p.e.conns.NotifyNotificationThread()
}

func (h *held) clearQueues() {
	h.e.memOverhead.Add(-(h.queueMemSize + h.backfilledMemSize))
	h.queue.Clear()
	h.queueMemSize = 0
	h.backfilledItems.Clear()
	h.backfilledMemSize = 0
}

func (h *held) pushQueue(qi *common.QueuedItem) {
	h.queue.PushBack(qi)
	h.addQueueMem(int64(qi.Size()))
}

func (h *held) addQueueMem(n int64) {
	h.queueMemSize += n
	h.e.memOverhead.Add(n)
}

// AppendQueue adds items without values to the send queue. Memory backfill
// uses it; values are fetched when the items are sent.
func (p *Producer) AppendQueue(items []*common.QueuedItem) {
	h := p.lock()
	for _, qi := range items {
		h.pushQueue(qi)
	}
	h.queueFill += uint64(len(items))
	h.unlock()
	p.e.conns.NotifyNotificationThread()
}

// IsSuspended reports whether the producer is backing off after a nack.
func (p *Producer) IsSuspended() bool { return p.suspended.Load() }

// IsPaused reports whether the last pull returned pause.
func (p *Producer) IsPaused() bool { return p.paused.Load() }

// SetSuspended suspends or resumes the producer.
func (p *Producer) SetSuspended(v bool) {
	h := p.lock()
	h.setSuspended(v)
	h.unlock()
	if !v {
		p.e.conns.NotifyNotificationThread()
	}
}

func (h *held) setSuspended(v bool) {
	if !v {
		h.suspended.Store(false)
		return
	}

	backoff := h.e.config.BackoffSleepTime()
	if backoff <= 0 || h.suspended.Load() {
		return
	}
	h.suspended.Store(true)
	h.queueBackoff++
	telemetry.TapSuspensionsTotal.Inc()

	p := h.Producer
	h.afterUnlock(func() {
		p.e.nonIO.Schedule(&resumeTask{p: p}, backoff)
	})
	log.Info().
		Str("tap", h.name).
		Dur("backoff", backoff).
		Msg("Suspending tap connection")
}

func (h *held) state(vb uint16) *checkpointState {
	return h.checkpointState[vb]
}

func (h *held) ensureState(vb uint16) *checkpointState {
	if st, ok := h.checkpointState[vb]; ok {
		return st
	}
	st := &checkpointState{vbucket: vb}
	h.checkpointState[vb] = st
	if i, found := slices.BinarySearch(h.tracked, vb); !found {
		h.tracked = slices.Insert(h.tracked, i, vb)
	}
	return st
}

func (h *held) dropState(vb uint16) {
	delete(h.checkpointState, vb)
	if i, found := slices.BinarySearch(h.tracked, vb); found {
		h.tracked = slices.Delete(h.tracked, i, i+1)
	}
}

// empty reports whether nothing is waiting to be sent.
func (h *held) empty() bool {
	return h.queue.Len() == 0 &&
		h.backfilledItems.Len() == 0 &&
		h.checkpointMsgs.Len() == 0 &&
		h.highPriority.Len() == 0 &&
		h.lowPriority.Len() == 0 &&
		h.bgJobIssued == h.bgJobCompleted &&
		!h.doFlush
}

func (h *held) idle() bool {
	return h.empty() && len(h.ackLog) == 0
}

func (h *held) mayCompleteDumpOrTakeover() bool {
	return (h.dump || h.takeover) && h.backfillCompleted && h.queue.Len() == 0
}

// ShouldNotify reports whether a paused producer has something to do: data
// to send, a noop to emit or a disconnect to act on.
func (p *Producer) ShouldNotify() bool {
	if !p.paused.Load() || p.suspended.Load() {
		return false
	}
	if p.ShouldDisconnect() || p.noop.Load() {
		return true
	}

	h := p.lock()
	defer h.unlock()
	if !h.empty() || h.doRunBackfill {
		return true
	}
	if len(h.ackLog) > 0 && !h.windowIsFull() {
		return false
	}
	for _, vb := range h.tracked {
		if b := h.e.bucket(vb); b != nil && b.Checkpoints().HasNext(h.name) {
			return true
		}
	}
	return false
}

// markNoop flags the producer for a keepalive when it has been silent for
// longer than interval.
func (p *Producer) markNoop(now time.Time, interval time.Duration) {
	last := time.Unix(0, p.lastMsgTime.Load())
	if last.Add(interval).Before(now) {
		p.noop.Store(true)
	}
}

// backlog is the approximate number of items still to be sent.
func (h *held) backlog() int {
	return h.queue.Len() + h.backfilledItems.Len() + int(h.bgJobIssued-h.bgJobCompleted)
}

// BacklogSize returns the backfill queue depth used to throttle scans.
func (p *Producer) BacklogSize() int {
	h := p.lock()
	defer h.unlock()
	return h.backlog()
}

func (p *Producer) sample() (queued, ackLog int) {
	h := p.lock()
	defer h.unlock()
	return h.backlog(), len(h.ackLog)
}

// Stats returns a flat snapshot of the producer's counters.
func (p *Producer) Stats() map[string]string {
	out := make(map[string]string)
	add := func(k string, v any) { out[k] = formatStat(v) }

	h := p.lock()
	defer h.unlock()

	h.commonStats(h.Kind(), add)
	add("qlen", h.queue.Len())
	add("qlen_high_pri", h.highPriority.Len())
	add("qlen_low_pri", h.lowPriority.Len())
	add("vb_filters", h.filter.Size())
	add("vb_filter", h.filter.String())
	add("rec_fetched", h.recordsFetched)
	add("rec_skipped", h.recordsSkipped)
	add("idle", h.idle())
	add("empty", h.empty())
	add("complete", h.mayCompleteDumpOrTakeover() && h.idle())
	add("has_item_from_disk", h.backfilledItems.Len() > 0)
	add("has_queued_item", h.queue.Len() > 0)
	add("bg_wait_for_results", h.waitForBackfill())
	add("bg_queued", h.bgQueued)
	add("bg_result_size", h.backfilledItems.Len())
	add("bg_results", h.bgResults)
	add("bg_jobs_issued", h.bgJobIssued)
	add("bg_jobs_completed", h.bgJobCompleted)
	add("bg_backlog_size", h.bgJobIssued-h.bgJobCompleted)
	add("flags", h.flagsText)
	add("suspended", h.suspended.Load())
	add("paused", h.paused.Load())
	add("pending_backfill", h.doRunBackfill || h.pendingBackfillCounter > 0)
	add("pending_disk_backfill", h.diskBackfillCounter > 0)
	add("backfill_completed", h.backfillCompleted)
	add("queue_memory", h.queueMemSize)
	add("queue_fill", h.queueFill)
	add("queue_drain", h.queueDrain)
	add("queue_backoff", h.queueBackoff)
	add("queue_backfillremaining", h.remaining())
	add("queue_itemondisk", h.bgJobIssued-h.bgJobCompleted)
	add("total_backlog_size", h.backlog())
	add("total_noops", h.totalNoops)
	add("reconnects", h.reconnects)
	add("backfill_age", h.backfillAge)

	if h.SupportsAck() {
		add("ack_seqno", h.seqno)
		add("recv_ack_seqno", h.seqnoReceived)
		add("seqno_ack_requested", h.seqnoAckRequested)
		add("ack_log_size", len(h.ackLog))
		add("ack_window_full", h.windowIsFull())
		add("expires", h.Expiry().Unix())
		add("num_tap_nack", h.numNack)
		add("num_tap_tmpfail_survivors", h.numTmpfail)
		add("ack_playback_size", h.ackPlayback)
	}
	return out
}

func formatStat(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		return ""
	}
}

// resumeTask ends a suspension.
type resumeTask struct {
	p *Producer
}

func (t *resumeTask) Description() string {
	return "Resuming suspended tap connection " + t.p.name
}

func (t *resumeTask) Run(_ context.Context) (bool, time.Duration) {
	t.p.SetSuspended(false)
	log.Info().Str("tap", t.p.name).Msg("Resumed suspended tap connection")
	return false, 0
}
