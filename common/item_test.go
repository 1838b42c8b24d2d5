package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestItemExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.False(t, (&Item{}).IsExpired(now), "zero expiry never expires")
	assert.True(t, (&Item{Expiry: uint32(now.Unix())}).IsExpired(now))
	assert.True(t, (&Item{Expiry: uint32(now.Unix() - 1)}).IsExpired(now))
	assert.False(t, (&Item{Expiry: uint32(now.Unix() + 1)}).IsExpired(now))
}

func TestItemCloneIsIndependent(t *testing.T) {
	orig := &Item{Key: "k", Value: []byte("abc"), Cas: 7}
	c := orig.Clone()
	c.Value[0] = 'z'

	assert.Equal(t, "abc", string(orig.Value))
	assert.Equal(t, uint64(7), c.Cas)
}

func TestOperationClassification(t *testing.T) {
	assert.True(t, OpSet.IsMutation())
	assert.True(t, OpDel.IsMutation())
	assert.False(t, OpCheckpointEnd.IsMutation())
	assert.False(t, OpEmpty.IsMutation())
	assert.Equal(t, "checkpoint_start", OpCheckpointStart.String())
}
