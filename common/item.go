package common

import "time"

// Operation is the kind of change recorded in a checkpoint log
type Operation uint8

const (
	OpSet Operation = iota + 1
	OpDel
	OpFlush
	OpCheckpointStart
	OpCheckpointEnd
	OpOnlineUpdateStart
	OpOnlineUpdateEnd
	OpOnlineUpdateRevert
	// OpEmpty is returned by a cursor sitting at the tail of the open checkpoint
	OpEmpty
)

func (o Operation) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpDel:
		return "del"
	case OpFlush:
		return "flush"
	case OpCheckpointStart:
		return "checkpoint_start"
	case OpCheckpointEnd:
		return "checkpoint_end"
	case OpOnlineUpdateStart:
		return "online_update_start"
	case OpOnlineUpdateEnd:
		return "online_update_end"
	case OpOnlineUpdateRevert:
		return "online_update_revert"
	case OpEmpty:
		return "empty"
	}
	return "unknown"
}

// IsMutation reports whether the operation carries a key
func (o Operation) IsMutation() bool {
	return o == OpSet || o == OpDel
}

// QueuedItem is one entry of a checkpoint log or a stream queue. Values are
// not carried: the stream fetches the current value when it sends the item.
type QueuedItem struct {
	Key     string
	VBucket uint16
	Op      Operation
	RowID   int64
	// Checkpoint carries the checkpoint id for checkpoint start/end markers
	Checkpoint uint64
}

// Size is the approximate memory held by the queued item
func (qi *QueuedItem) Size() int {
	return len(qi.Key) + queuedItemOverhead
}

const queuedItemOverhead = 48

// Item is a materialized key/value with its metadata
type Item struct {
	Key     string
	Value   []byte
	VBucket uint16
	Flags   uint32
	Expiry  uint32 // Unix seconds, 0 means never
	Cas     uint64
	RowID   int64
	Seqno   uint64
}

// IsExpired reports whether the item expired at now
func (i *Item) IsExpired(now time.Time) bool {
	return i.Expiry != 0 && int64(i.Expiry) <= now.Unix()
}

// Size is the approximate memory held by the item
func (i *Item) Size() int {
	return len(i.Key) + len(i.Value) + itemOverhead
}

const itemOverhead = 64

// Clone returns a deep copy safe to hand to another goroutine
func (i *Item) Clone() *Item {
	c := *i
	if i.Value != nil {
		c.Value = append([]byte(nil), i.Value...)
	}
	return &c
}
