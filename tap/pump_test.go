package tap

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/couchbase/gomemcached"
	"github.com/maxpert/tapstream/cfg"
	"github.com/maxpert/tapstream/checkpoint"
	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/dispatcher"
	"github.com/maxpert/tapstream/notify"
	"github.com/maxpert/tapstream/store"
	"github.com/maxpert/tapstream/vbucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	store *store.MemoryStore
	conns *ConnMap
}

func newNode(t *testing.T, state vbucket.State) *node {
	t.Helper()
	st, err := store.New(store.Options{
		NumVBuckets:      2,
		ResidentCapacity: 1000,
		Checkpoint:       checkpoint.Options{MaxItems: 100},
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.SetVBucketState(0, state))

	readers := dispatcher.New("readers", 2, time.Second)
	nonIO := dispatcher.New("nonio", 1, time.Second)
	readers.Start()
	nonIO.Start()
	t.Cleanup(readers.Stop)
	t.Cleanup(nonIO.Stop)

	return &node{
		store: st,
		conns: NewConnMap(Options{
			Store:   st,
			Config:  cfg.NewTapConfig(cfg.DefaultTapConfiguration()),
			Readers: readers,
			NonIO:   nonIO,
		}),
	}
}

func startReplication(t *testing.T, src, dst *node, name string, flags Flags) *Pump {
	t.Helper()
	hub := notify.NewHub()
	p, err := src.conns.NewProducer(ConnectRequest{Name: name, Cookie: NewHubCookie(hub, name), Flags: flags})
	require.NoError(t, err)
	c, err := dst.conns.NewConsumer(name, &recordingCookie{})
	require.NoError(t, err)

	pump, err := NewPump(PumpConfig{
		Producer: p,
		Sink:     &ConsumerSink{Consumer: c, Producer: p},
		Hub:      hub,
		Conns:    src.conns,
		MaxWait:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	pump.Start()
	t.Cleanup(pump.Stop)
	return pump
}

func hasValue(st *store.MemoryStore, key, value string) bool {
	item, err := st.Get(key, 0)
	return err == nil && string(item.Value) == value
}

func TestPumpReplicatesBetweenStores(t *testing.T) {
	src := newNode(t, vbucket.Active)
	dst := newNode(t, vbucket.Replica)
	for i := 0; i < 20; i++ {
		_, err := src.store.Set(&common.Item{Key: fmt.Sprintf("k%d", i), Value: []byte(fmt.Sprintf("v%d", i))})
		require.NoError(t, err)
	}

	pump := startReplication(t, src, dst, "replica", Flags(gomemcached.SUPPORT_ACK))

	require.Eventually(t, func() bool {
		for i := 0; i < 20; i++ {
			if !hasValue(dst.store, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	_, err := src.store.Set(&common.Item{Key: "late", Value: []byte("x")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return hasValue(dst.store, "late", "x")
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, dst.store.Bucket(0).IsBackfillPhase())
	assert.Greater(t, pump.Sent(), uint64(20))
	assert.NoError(t, pump.Err())
}

func TestPumpEndsWithDump(t *testing.T) {
	src := newNode(t, vbucket.Active)
	dst := newNode(t, vbucket.Replica)
	for i := 0; i < 5; i++ {
		_, err := src.store.Set(&common.Item{Key: fmt.Sprintf("d%d", i), Value: []byte("v")})
		require.NoError(t, err)
	}

	pump := startReplication(t, src, dst, "dump", Flags(gomemcached.DUMP))
	select {
	case <-pump.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dump never finished")
	}

	assert.NoError(t, pump.Err())
	for i := 0; i < 5; i++ {
		assert.True(t, hasValue(dst.store, fmt.Sprintf("d%d", i), "v"))
	}
	c, ok := src.conns.Find("dump")
	require.True(t, ok)
	assert.False(t, c.Connected())
}

type failingSink struct{ closed bool }

func (s *failingSink) Send(Message) error { return errors.New("peer gone") }
func (s *failingSink) Close() error       { s.closed = true; return nil }

func TestPumpGivesUpAfterRetries(t *testing.T) {
	h := newHarness(t)
	h.set(0, "a", "1")
	hub := notify.NewHub()
	p, _ := h.connect(ConnectRequest{
		Name:        "doomed",
		Cookie:      NewHubCookie(hub, "doomed"),
		Flags:       Flags(gomemcached.BACKFILL),
		BackfillAge: noBackfill,
	})

	sink := &failingSink{}
	pump, err := NewPump(PumpConfig{
		Producer:     p,
		Sink:         sink,
		Hub:          hub,
		Conns:        h.conns,
		RetryInitial: time.Millisecond,
		MaxRetries:   2,
	})
	require.NoError(t, err)
	pump.Start()

	select {
	case <-pump.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pump never gave up")
	}
	require.Error(t, pump.Err())
	assert.Contains(t, pump.Err().Error(), "exhausted 2 attempts")
	assert.True(t, sink.closed)
	assert.False(t, p.Connected())
	pump.Stop()
}

func TestNewPumpValidatesConfig(t *testing.T) {
	_, err := NewPump(PumpConfig{})
	assert.Error(t, err)
}

func TestHubCookieSignalsSubscriber(t *testing.T) {
	hub := notify.NewHub()
	wake, cancel := hub.Subscribe("c")
	defer cancel()

	cookie := NewHubCookie(hub, "c")
	cookie.NotifyIOComplete(nil)
	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("no wake signal")
	}

	assert.False(t, cookie.Released())
	cookie.Release()
	assert.True(t, cookie.Released())
}
