package tap

import (
	"strconv"
	"testing"
	"time"

	"github.com/couchbase/gomemcached"
	"github.com/maxpert/tapstream/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamesAreUnique(t *testing.T) {
	h := newHarness(t)
	h.connect(ConnectRequest{Name: "one", Flags: Flags(gomemcached.BACKFILL), BackfillAge: noBackfill})

	_, err := h.conns.NewProducer(ConnectRequest{Name: "one", Cookie: &recordingCookie{}})
	assert.ErrorIs(t, err, ErrNameInUse)
	_, err = h.conns.NewConsumer("one", &recordingCookie{})
	assert.ErrorIs(t, err, ErrNameInUse)

	_, err = h.conns.NewConsumer("two", &recordingCookie{})
	require.NoError(t, err)
	_, err = h.conns.NewProducer(ConnectRequest{Name: "two", Cookie: &recordingCookie{}})
	assert.ErrorIs(t, err, ErrNameInUse)

	names := make([]string, 0, 2)
	for _, c := range h.conns.List() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"one", "two"}, names)
}

func TestReconnectReplaysUnackedMessages(t *testing.T) {
	h := newHarness(t)
	h.set(0, "a", "1")
	h.set(0, "b", "2")

	req := ConnectRequest{Name: "flaky", Flags: ackFlags, BackfillAge: noBackfill}
	p, first := h.connect(req)
	msgs, _ := pull(t, p)
	require.Equal(t, []string{"a", "b"}, mutationKeys(msgs))

	h.conns.Disconnect("flaky")
	assert.False(t, p.Connected())
	assert.Equal(t, int32(1), first.released.Load())

	second := &recordingCookie{}
	req.Cookie = second
	again, err := h.conns.NewProducer(req)
	require.NoError(t, err)
	assert.Same(t, p, again)
	assert.True(t, again.Connected())
	assert.Equal(t, second, again.Cookie())
	assert.Equal(t, int32(1), first.released.Load())

	msgs, _ = pull(t, again)
	require.Equal(t, []Event{EventOpaque, EventMutation, EventMutation}, events(msgs))
	assert.Equal(t, []string{"a", "b"}, mutationKeys(msgs))
	assert.Equal(t, uint32(1), msgs[0].Seqno)

	stats := again.Stats()
	assert.Equal(t, "1", stats["reconnects"])
	assert.Equal(t, "3", stats["ack_playback_size"])
}

func TestClosedCheckpointOnlyReconnectDropsLog(t *testing.T) {
	h := newHarness(t)
	h.set(0, "a", "1")
	h.closeCheckpoint(0)

	req := ConnectRequest{
		Name:                 "sealed",
		Flags:                Flags(gomemcached.BACKFILL | gomemcached.SUPPORT_ACK | gomemcached.REGISTERED_CLIENT),
		BackfillAge:          noBackfill,
		ClosedCheckpointOnly: true,
	}
	p, _ := h.connect(req)
	msgs, _ := pull(t, p)
	require.Contains(t, mutationKeys(msgs), "a")
	require.NotEqual(t, "0", p.Stats()["ack_log_size"])

	h.conns.Disconnect("sealed")
	req.Cookie = &recordingCookie{}
	again, err := h.conns.NewProducer(req)
	require.NoError(t, err)
	require.Same(t, p, again)

	initial := h.config.AckInitialSequenceNumber()
	stats := again.Stats()
	assert.Equal(t, "0", stats["ack_log_size"])
	assert.Equal(t, "0", stats["ack_playback_size"])
	assert.Equal(t, strconv.FormatUint(uint64(initial), 10), stats["ack_seqno"])
	assert.Equal(t, strconv.FormatUint(uint64(initial-1), 10), stats["recv_ack_seqno"])
	assert.Equal(t, "0", stats["qlen"])
	assert.Equal(t, "1", stats["qlen_high_pri"])
}

func TestReconnectDoesNotDuplicateConnectionOpaques(t *testing.T) {
	h := newHarness(t)
	req := ConnectRequest{
		Name:        "eager",
		Flags:       Flags(gomemcached.BACKFILL | gomemcached.SUPPORT_ACK | gomemcached.CHECKPOINT),
		BackfillAge: noBackfill,
	}
	p, _ := h.connect(req)
	require.Equal(t, "2", p.Stats()["qlen_high_pri"])

	// reconnect before anything was sent
	h.conns.Disconnect("eager")
	req.Cookie = &recordingCookie{}
	_, err := h.conns.NewProducer(req)
	require.NoError(t, err)
	assert.Equal(t, "2", p.Stats()["qlen_high_pri"])

	msgs, _ := pull(t, p)
	var opaques []OpaqueCode
	for _, m := range msgs {
		if m.Event == EventOpaque && m.Opaque != OpaqueOpenCheckpoint {
			opaques = append(opaques, m.Opaque)
		}
	}
	assert.Equal(t, []OpaqueCode{OpaqueEnableAutoNack, OpaqueEnableCheckpointSync}, opaques)

	// the same holds for a closed-checkpoint-only client, whose queues are
	// dropped on reconnect
	closed := ConnectRequest{
		Name:                 "eager-closed",
		Flags:                Flags(gomemcached.BACKFILL | gomemcached.SUPPORT_ACK | gomemcached.REGISTERED_CLIENT),
		BackfillAge:          noBackfill,
		ClosedCheckpointOnly: true,
	}
	cp, _ := h.connect(closed)
	h.conns.Disconnect("eager-closed")
	closed.Cookie = &recordingCookie{}
	_, err = h.conns.NewProducer(closed)
	require.NoError(t, err)
	assert.Equal(t, "1", cp.Stats()["qlen_high_pri"])
}

func TestDisconnectedConnectionsAreReapedAfterKeepalive(t *testing.T) {
	h := newHarness(t, withTap(func(c *cfg.TapConfiguration) { c.KeepaliveSeconds = 60 }))
	p, _ := h.connect(ConnectRequest{Name: "idle", Flags: Flags(gomemcached.BACKFILL), BackfillAge: noBackfill})
	require.True(t, h.store.Bucket(0).Checkpoints().CursorExists("idle"))

	h.conns.Disconnect("idle")
	assert.True(t, p.Expiry().Equal(h.clock.Now().Add(time.Minute)))
	assert.Equal(t, 0, h.conns.reap(h.clock.Now()))
	_, ok := h.conns.Find("idle")
	assert.True(t, ok)

	h.clock.Advance(61 * time.Second)
	h.conns.notifyPass()
	_, ok = h.conns.Find("idle")
	assert.False(t, ok)
	assert.False(t, h.store.Bucket(0).Checkpoints().CursorExists("idle"))
}

func TestRegisteredClientKeepsCursorWhenReaped(t *testing.T) {
	h := newHarness(t)
	h.connect(ConnectRequest{Name: "durable", Flags: Flags(gomemcached.BACKFILL | gomemcached.REGISTERED_CLIENT), BackfillAge: noBackfill})

	h.conns.Disconnect("durable")
	assert.Equal(t, 1, h.conns.reap(h.clock.Now()))
	assert.True(t, h.store.Bucket(0).Checkpoints().CursorExists("durable"))
}

func TestSuspendedProducerIsNotReaped(t *testing.T) {
	h := newHarness(t)
	p, _ := h.connect(ConnectRequest{Name: "backoff", Flags: Flags(gomemcached.BACKFILL), BackfillAge: noBackfill})
	p.SetSuspended(true)
	require.True(t, p.IsSuspended())

	h.conns.Disconnect("backoff")
	assert.Equal(t, 0, h.conns.reap(h.clock.Now()))

	p.SetSuspended(false)
	assert.Equal(t, 1, h.conns.reap(h.clock.Now()))
}

func TestRequestDisconnectWakesTransport(t *testing.T) {
	h := newHarness(t)
	p, cookie := h.connect(ConnectRequest{Name: "kick", Flags: Flags(gomemcached.BACKFILL), BackfillAge: noBackfill})
	before := cookie.notified.Load()

	assert.True(t, h.conns.RequestDisconnect("kick"))
	assert.False(t, h.conns.RequestDisconnect("nobody"))
	assert.Greater(t, cookie.notified.Load(), before)
	assert.Equal(t, ActionDisconnect, p.Next().Action)
}

func TestNotifyPassWakesProducersWithWork(t *testing.T) {
	h := newHarness(t)
	p, cookie := h.connect(ConnectRequest{Name: "waiting", Flags: Flags(gomemcached.BACKFILL), BackfillAge: noBackfill})
	_, action := pull(t, p)
	require.Equal(t, ActionPause, action)

	before := cookie.notified.Load()
	h.conns.notifyPass()
	assert.Equal(t, before, cookie.notified.Load())

	h.set(0, "k", "v")
	h.conns.notifyPass()
	assert.Equal(t, before+1, cookie.notified.Load())
}

func TestStatsMatchPattern(t *testing.T) {
	h := newHarness(t)
	h.connect(ConnectRequest{Name: "repl-1", Flags: Flags(gomemcached.BACKFILL), BackfillAge: noBackfill})
	h.connect(ConnectRequest{Name: "backup", Flags: Flags(gomemcached.BACKFILL), BackfillAge: noBackfill})
	_, err := h.conns.NewConsumer("repl-in", &recordingCookie{})
	require.NoError(t, err)

	stats, err := h.conns.Stats("repl-*")
	require.NoError(t, err)
	assert.Equal(t, "producer", stats["repl-1:type"])
	assert.Equal(t, "consumer", stats["repl-in:type"])
	assert.NotContains(t, stats, "backup:type")
	assert.Equal(t, "2", stats["count"])
	assert.Equal(t, "1", stats["producer_count"])
	assert.Equal(t, "1", stats["consumer_count"])

	all, err := h.conns.Stats("")
	require.NoError(t, err)
	assert.Equal(t, "3", all["count"])
}

func TestSampleBacklog(t *testing.T) {
	h := newHarness(t)
	h.set(0, "a", "1")
	p, _ := h.connect(ConnectRequest{Name: "sampled", Flags: ackFlags, BackfillAge: noBackfill})
	_, _ = pull(t, p)
	_, err := h.conns.NewConsumer("in", &recordingCookie{})
	require.NoError(t, err)

	s := h.conns.SampleBacklog()
	assert.Equal(t, 1, s.Producers)
	assert.Equal(t, 1, s.Consumers)
	assert.Equal(t, 2, s.AckLogEntries)
}

func TestShutdownReleasesEveryConnection(t *testing.T) {
	h := newHarness(t)
	_, pc := h.connect(ConnectRequest{Name: "p", Flags: Flags(gomemcached.BACKFILL), BackfillAge: noBackfill})
	cc := &recordingCookie{}
	_, err := h.conns.NewConsumer("c", cc)
	require.NoError(t, err)

	h.conns.Shutdown()
	assert.Empty(t, h.conns.List())
	assert.Equal(t, int32(1), pc.released.Load())
	assert.Equal(t, int32(1), cc.released.Load())
	assert.False(t, h.store.Bucket(0).Checkpoints().CursorExists("p"))
}
