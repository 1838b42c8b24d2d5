package tap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/store"
	"github.com/maxpert/tapstream/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	diskBackfillParallelism = 4
	backfillSnooze          = time.Second
)

// backfillTask scans the vbuckets of one backfill session, one vbucket per
// run, snoozing while the producer's backlog is over the limit.
type backfillTask struct {
	p        *Producer
	vbuckets []uint16
	next     int
}

func newBackfillTask(p *Producer, vbs []uint16) *backfillTask {
	return &backfillTask{p: p, vbuckets: vbs}
}

func (t *backfillTask) Description() string {
	return fmt.Sprintf("Backfilling %d vbuckets for tap connection %s", len(t.vbuckets), t.p.name)
}

func (t *backfillTask) Run(ctx context.Context) (bool, time.Duration) {
	p := t.p
	if p.ShouldDisconnect() || ctx.Err() != nil {
		t.finish()
		return false, 0
	}

	if limit := p.e.config.BacklogLimit(); limit > 0 && uint64(p.BacklogSize()) > limit {
		return true, backfillSnooze
	}

	if t.next < len(t.vbuckets) {
		vb := t.vbuckets[t.next]
		t.next++
		t.scan(ctx, vb)
	}
	if t.next < len(t.vbuckets) {
		return true, 0
	}
	t.finish()
	return false, 0
}

func (t *backfillTask) scan(ctx context.Context, vb uint16) {
	p := t.p
	h := p.lock()
	h.setCursorToOpenCheckpoint(vb)
	h.unlock()

	if p.e.store.ResidentRatio(vb) < p.e.config.BackfillResidentThreshold() {
		t.scanDisk(ctx, vb)
		return
	}

	var items []*common.QueuedItem
	err := p.e.store.Scan(ctx, vb, func(e store.ScanEntry) bool {
		items = append(items, &common.QueuedItem{Key: e.Key, VBucket: vb, Op: common.OpSet, RowID: e.RowID})
		return true
	})
	if err != nil {
		log.Warn().Err(err).Str("tap", p.name).Uint16("vbucket", vb).Msg("Memory backfill scan failed")
	}
	if len(items) > 0 {
		p.AppendQueue(items)
		telemetry.TapBackfillItemsTotal.With("memory").Add(float64(len(items)))
	}
	log.Debug().Str("tap", p.name).Uint16("vbucket", vb).Int("items", len(items)).Msg("Memory backfill scanned")
}

func (t *backfillTask) scanDisk(ctx context.Context, vb uint16) {
	p := t.p
	h := p.lock()
	h.diskBackfillCounter++
	h.unlock()
	defer func() {
		h := p.lock()
		h.diskBackfillCounter--
		h.unlock()
	}()

	var keys []string
	if err := p.e.store.Scan(ctx, vb, func(e store.ScanEntry) bool {
		keys = append(keys, e.Key)
		return true
	}); err != nil {
		log.Warn().Err(err).Str("tap", p.name).Uint16("vbucket", vb).Msg("Disk backfill scan failed")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(diskBackfillParallelism)
	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			item, err := p.e.store.Load(key, vb)
			if errors.Is(err, store.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("load %s: %w", key, err)
			}
			p.gotBGItem(item, true)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("tap", p.name).Uint16("vbucket", vb).Msg("Disk backfill aborted")
	}
	log.Debug().Str("tap", p.name).Uint16("vbucket", vb).Int("items", len(keys)).Msg("Disk backfill loaded")
}

func (t *backfillTask) finish() {
	h := t.p.lock()
	h.completeBackfill()
	h.unlock()
	log.Info().Str("tap", t.p.name).Int("vbuckets", len(t.vbuckets)).Msg("Backfill task finished")
	t.p.notifyIO(nil)
}

// bgFetchTask reads one non-resident value for a producer.
type bgFetchTask struct {
	p       *Producer
	key     string
	vbucket uint16
	rowID   int64
	version uint16
	queued  time.Time
}

func (t *bgFetchTask) Description() string {
	return fmt.Sprintf("Fetching item from disk for tap: %s", t.key)
}

func (t *bgFetchTask) Run(ctx context.Context) (bool, time.Duration) {
	p := t.p
	if p.ShouldDisconnect() || ctx.Err() != nil {
		p.completedBGFetchJob()
		return false, 0
	}

	start := p.e.now()
	telemetry.TapBGWaitSeconds.Observe(start.Sub(t.queued).Seconds())
	item, err := p.e.store.FetchValue(t.key, t.rowID, t.vbucket, t.version).Get()
	telemetry.TapBGLoadSeconds.Observe(p.e.now().Sub(start).Seconds())

	if err == nil {
		p.gotBGItem(item, false)
		p.completedBGFetchJob()
		return false, 0
	}

	// the disk copy is gone; the key may have been written again meanwhile
	item, err = p.e.store.Get(t.key, t.vbucket)
	switch {
	case err == nil:
		p.gotBGItem(item, false)
	case errors.Is(err, store.ErrWouldBlock):
		t.rowID = -1
		t.queued = p.e.now()
		telemetry.TapBGRequeuedTotal.Inc()
		return true, p.e.config.RequeueSleepTime()
	default:
		log.Debug().Str("tap", p.name).Str("key", t.key).Msg("Dropped background fetch for missing item")
	}
	p.completedBGFetchJob()
	return false, 0
}
