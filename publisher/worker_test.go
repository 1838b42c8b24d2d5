package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchbase/gomemcached"
	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/tap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mu        sync.Mutex
	events    []Record
	failCount atomic.Int32 // Number of times to fail before succeeding
	closed    atomic.Bool
}

func (m *mockSink) Publish(ctx context.Context, rec Record) error {
	if _, ok := ctx.Deadline(); !ok {
		return fmt.Errorf("publish without deadline")
	}
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return fmt.Errorf("mock publish failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, rec)
	return nil
}

func (m *mockSink) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockSink) getEvents() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Record, len(m.events))
	copy(result, m.events)
	return result
}

// textTransformer renders "op:vb:ckpt:key=value"
type textTransformer struct{}

func (textTransformer) Transform(ev Event) ([]byte, error) {
	return []byte(fmt.Sprintf("%d:%d:%d:%s=%s", ev.Operation, ev.VBucket, ev.Checkpoint, ev.Key, ev.Value)), nil
}

func (textTransformer) Tombstone(key string) []byte { return nil }

type recordingAcker struct {
	acked []uint32
}

func (a *recordingAcker) ProcessAck(seqno uint32, status gomemcached.Status, _ string) error {
	if status == gomemcached.SUCCESS {
		a.acked = append(a.acked, seqno)
	}
	return nil
}

func newTestWorker(t *testing.T, patterns ...string) (*Worker, *mockSink, *recordingAcker) {
	t.Helper()
	filter, err := NewGlobFilter(patterns)
	require.NoError(t, err)
	snk := &mockSink{}
	w, err := NewWorker(WorkerConfig{
		Name:        "test",
		Sink:        snk,
		Transformer: textTransformer{},
		Filter:      filter,
		Now:         func() time.Time { return time.UnixMilli(1000) },
	})
	require.NoError(t, err)
	acker := &recordingAcker{}
	w.Attach(acker)
	return w, snk, acker
}

func TestNewWorkerValidation(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{Name: "x"})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{Name: "x", Sink: &mockSink{}})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{Name: "x", Sink: &mockSink{}, Transformer: textTransformer{}})
	assert.Error(t, err)
}

func TestWorkerPublishesAndAcks(t *testing.T) {
	w, snk, acker := newTestWorker(t)

	require.NoError(t, w.Send(tap.Message{Event: tap.EventCheckpointStart, VBucket: 2, Checkpoint: 5, Seqno: 1, Ack: true}))
	require.NoError(t, w.Send(tap.Message{
		Event:   tap.EventMutation,
		VBucket: 2,
		Seqno:   2,
		Item:    &common.Item{Key: "k", Value: []byte("v")},
	}))
	require.NoError(t, w.Send(tap.Message{
		Event:   tap.EventDeletion,
		VBucket: 2,
		Seqno:   3,
		Item:    &common.Item{Key: "k"},
		Ack:     true,
	}))

	events := snk.getEvents()
	require.Len(t, events, 3)
	assert.Equal(t, Record{Topic: DefaultTopic, Key: "k", Value: []byte("0:2:5:k=v"), VBucket: 2, Seqno: 2, Checkpoint: 5}, events[0])
	assert.Equal(t, "1:2:5:k=", string(events[1].Value))
	assert.Equal(t, "k", events[2].Key)
	assert.Equal(t, uint32(3), events[2].Seqno)
	assert.Nil(t, events[2].Value, "delete is followed by a tombstone")

	assert.Equal(t, []uint32{1, 3}, acker.acked)
	assert.Equal(t, uint64(2), w.Published())
}

func TestWorkerFiltersKeysButStillAcks(t *testing.T) {
	w, snk, acker := newTestWorker(t, "keep:*")

	require.NoError(t, w.Send(tap.Message{Event: tap.EventMutation, Seqno: 1, Ack: true, Item: &common.Item{Key: "drop:1"}}))
	require.NoError(t, w.Send(tap.Message{Event: tap.EventMutation, Seqno: 2, Item: &common.Item{Key: "keep:1"}}))

	assert.Len(t, snk.getEvents(), 1)
	assert.Equal(t, uint64(1), w.Filtered())
	assert.Equal(t, []uint32{1}, acker.acked)
}

func TestWorkerFailureLeavesMessageUnacked(t *testing.T) {
	w, snk, acker := newTestWorker(t)
	snk.failCount.Store(1)

	msg := tap.Message{Event: tap.EventMutation, Seqno: 4, Ack: true, Item: &common.Item{Key: "k"}}
	assert.Error(t, w.Send(msg))
	assert.Empty(t, acker.acked)

	require.NoError(t, w.Send(msg))
	assert.Equal(t, []uint32{4}, acker.acked)
}

func TestWorkerPublishesFlushAndIgnoresControl(t *testing.T) {
	w, snk, _ := newTestWorker(t)

	require.NoError(t, w.Send(tap.Message{Event: tap.EventFlush}))
	require.NoError(t, w.Send(tap.Message{Event: tap.EventOpaque, Opaque: tap.OpaqueEnableAutoNack}))
	require.NoError(t, w.Send(tap.Message{Event: tap.EventNoop}))

	events := snk.getEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "2:0:0:=", string(events[0].Value))
	assert.Equal(t, "", events[0].Key)

	assert.Error(t, w.Send(tap.Message{Event: tap.EventMutation}), "mutation without item")
}
