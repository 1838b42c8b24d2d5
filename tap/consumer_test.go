package tap

import (
	"testing"

	"github.com/couchbase/gomemcached"
	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/store"
	"github.com/maxpert/tapstream/vbucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReplicaHarness(t *testing.T) (*harness, *Consumer) {
	t.Helper()
	h := newHarness(t)
	require.NoError(t, h.store.SetVBucketState(1, vbucket.Replica))
	c, err := h.conns.NewConsumer("inbound", &recordingCookie{})
	require.NoError(t, err)
	return h, c
}

func mutation(vb uint16, key, value string) InboundEvent {
	return InboundEvent{
		Event:   EventMutation,
		VBucket: vb,
		Item:    &common.Item{Key: key, Value: []byte(value)},
	}
}

func TestConsumerAppliesMutationsToReplica(t *testing.T) {
	h, c := newReplicaHarness(t)

	require.NoError(t, c.Apply(mutation(1, "k", "v")))
	item, err := h.store.Get("k", 1)
	require.NoError(t, err)
	assert.Equal(t, "v", string(item.Value))

	require.NoError(t, c.Apply(InboundEvent{Event: EventDeletion, VBucket: 1, Item: &common.Item{Key: "k"}}))
	_, err = h.store.Get("k", 1)
	assert.ErrorIs(t, err, store.ErrKeyNotFound)

	// deleting a missing key is not an error
	require.NoError(t, c.Apply(InboundEvent{Event: EventDeletion, VBucket: 1, Item: &common.Item{Key: "k"}}))

	stats := c.Stats()
	assert.Equal(t, "consumer", stats["type"])
	assert.Equal(t, "1", stats["num_mutation"])
	assert.Equal(t, "2", stats["num_deletion"])
}

func TestConsumerRejectsActiveAndMissingVBuckets(t *testing.T) {
	_, c := newReplicaHarness(t)

	assert.ErrorIs(t, c.Apply(mutation(0, "k", "v")), ErrNotMyVBucket)
	assert.ErrorIs(t, c.Apply(mutation(3, "k", "v")), ErrNotMyVBucket)
	assert.ErrorIs(t, c.Apply(InboundEvent{Event: EventMutation, VBucket: 1}), ErrInvalidEvent)
	assert.ErrorIs(t, c.Apply(InboundEvent{Event: Event(99)}), ErrInvalidEvent)

	assert.Equal(t, "3", c.Stats()["num_mutation_failed"])
}

func TestConsumerSetsVBucketState(t *testing.T) {
	h, c := newReplicaHarness(t)

	require.NoError(t, c.Apply(InboundEvent{Event: EventVBucketSet, VBucket: 2, State: vbucket.Pending}))
	assert.Equal(t, vbucket.Pending, h.store.Bucket(2).State())
	assert.ErrorIs(t, c.Apply(InboundEvent{Event: EventVBucketSet, VBucket: 2, State: vbucket.State(42)}), ErrInvalidEvent)
}

func TestConsumerFollowsCheckpointMarkers(t *testing.T) {
	h, c := newReplicaHarness(t)
	ckpts := h.store.Bucket(1).Checkpoints()

	require.NoError(t, c.Apply(mutation(1, "a", "1")))
	require.NoError(t, c.Apply(InboundEvent{Event: EventCheckpointStart, VBucket: 1, Checkpoint: 5}))
	assert.Equal(t, uint64(5), ckpts.OpenCheckpointID())

	assert.Error(t, c.Apply(InboundEvent{Event: EventCheckpointEnd, VBucket: 1, Checkpoint: 4}))
	require.NoError(t, c.Apply(InboundEvent{Event: EventCheckpointEnd, VBucket: 1, Checkpoint: 5}))
	assert.Equal(t, uint64(6), ckpts.OpenCheckpointID())

	assert.Error(t, c.Apply(InboundEvent{Event: EventCheckpointStart, VBucket: 1, Checkpoint: 3}))
}

func TestConsumerIgnoresCheckpointsOnActiveVBucket(t *testing.T) {
	h, c := newReplicaHarness(t)
	require.NoError(t, c.Apply(InboundEvent{Event: EventCheckpointStart, VBucket: 0, Checkpoint: 9}))
	assert.Equal(t, uint64(1), h.store.Bucket(0).Checkpoints().OpenCheckpointID())
}

func TestConsumerInboundBackfill(t *testing.T) {
	h, c := newReplicaHarness(t)
	require.NoError(t, c.Apply(mutation(1, "stale", "x")))

	require.NoError(t, c.Apply(InboundEvent{Event: EventOpaque, VBucket: 1, Opaque: OpaqueInitialVBucketStream}))
	b := h.store.Bucket(1)
	assert.True(t, b.IsBackfillPhase())
	assert.Equal(t, uint64(0), b.Checkpoints().OpenCheckpointID())
	_, err := h.store.Get("stale", 1)
	assert.ErrorIs(t, err, store.ErrKeyNotFound)

	require.NoError(t, c.Apply(mutation(1, "fresh", "y")))
	require.NoError(t, c.Apply(InboundEvent{Event: EventCheckpointStart, VBucket: 1, Checkpoint: 7}))
	assert.False(t, b.IsBackfillPhase())
	assert.Equal(t, uint64(7), b.Checkpoints().OpenCheckpointID())
}

func TestConsumerCloseBackfillTriggersDownstreamBackfill(t *testing.T) {
	h, c := newReplicaHarness(t)
	p, _ := h.connect(ConnectRequest{
		Name:     "downstream",
		Flags:    Flags(gomemcached.LIST_VBUCKETS),
		VBuckets: []uint16{1},
	})
	_, _ = pull(t, p)
	_ = h.readers.drain(t)
	_, _ = pull(t, p)

	require.NoError(t, c.Apply(InboundEvent{Event: EventOpaque, VBucket: 1, Opaque: OpaqueInitialVBucketStream}))
	require.NoError(t, c.Apply(mutation(1, "k", "v")))
	require.NoError(t, c.Apply(InboundEvent{Event: EventOpaque, VBucket: 1, Opaque: OpaqueCloseBackfill}))
	assert.False(t, h.store.Bucket(1).IsBackfillPhase())

	msgs, _ := pull(t, p)
	require.NotEmpty(t, msgs)
	assert.Equal(t, OpaqueInitialVBucketStream, msgs[0].Opaque)
	assert.Equal(t, uint16(1), msgs[0].VBucket)
}

func TestConsumerConnectionOpaques(t *testing.T) {
	h, c := newReplicaHarness(t)

	require.NoError(t, c.Apply(InboundEvent{Event: EventOpaque, Opaque: OpaqueEnableAutoNack}))
	require.NoError(t, c.Apply(InboundEvent{Event: EventOpaque, Opaque: OpaqueEnableCheckpointSync}))
	assert.True(t, c.SupportsAck())
	assert.Equal(t, "true", c.Stats()["checkpoint_sync"])

	require.NoError(t, c.Apply(mutation(1, "a", "1")))
	require.NoError(t, c.Apply(InboundEvent{Event: EventOpaque, VBucket: 1, Opaque: OpaqueOpenCheckpoint}))
	assert.Equal(t, uint64(2), h.store.Bucket(1).Checkpoints().OpenCheckpointID())

	assert.ErrorIs(t, c.Apply(InboundEvent{Event: EventOpaque, VBucket: 1, Opaque: OpaqueCode(77)}), ErrInvalidEvent)
}

func TestConsumerOnlineUpdate(t *testing.T) {
	h, c := newReplicaHarness(t)
	require.NoError(t, c.Apply(mutation(1, "kept", "1")))

	require.NoError(t, c.Apply(InboundEvent{Event: EventOpaque, VBucket: 1, Opaque: OpaqueStartOnlineUpdate}))
	require.NoError(t, c.Apply(mutation(1, "temp", "2")))
	require.NoError(t, c.Apply(InboundEvent{Event: EventOpaque, VBucket: 1, Opaque: OpaqueRevertOnlineUpdate}))

	_, err := h.store.Get("temp", 1)
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
	_, err = h.store.Get("kept", 1)
	assert.NoError(t, err)
}
