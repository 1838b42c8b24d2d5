package tap

import (
	"fmt"

	"github.com/couchbase/gomemcached"
	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/vbucket"
)

// Event is the kind of message carried on a tap stream.
type Event uint8

const (
	EventMutation Event = iota + 1
	EventDeletion
	EventFlush
	EventOpaque
	EventVBucketSet
	EventCheckpointStart
	EventCheckpointEnd
	EventNoop
)

var eventNames = [...]string{
	EventMutation:        "mutation",
	EventDeletion:        "deletion",
	EventFlush:           "flush",
	EventOpaque:          "opaque",
	EventVBucketSet:      "vbucket_set",
	EventCheckpointStart: "checkpoint_start",
	EventCheckpointEnd:   "checkpoint_end",
	EventNoop:            "noop",
}

func (e Event) String() string {
	if int(e) < len(eventNames) && eventNames[e] != "" {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// Opcode maps the event to its binary protocol command. Noop has no tap
// opcode and uses the plain NOOP command.
func (e Event) Opcode() gomemcached.CommandCode {
	switch e {
	case EventMutation:
		return gomemcached.TAP_MUTATION
	case EventDeletion:
		return gomemcached.TAP_DELETE
	case EventFlush:
		return gomemcached.TAP_FLUSH
	case EventOpaque:
		return gomemcached.TAP_OPAQUE
	case EventVBucketSet:
		return gomemcached.TAP_VBUCKET_SET
	case EventCheckpointStart:
		return gomemcached.TAP_CHECKPOINT_START
	case EventCheckpointEnd:
		return gomemcached.TAP_CHECKPOINT_END
	default:
		return gomemcached.NOOP
	}
}

// consumerEvents are the inbound events a consumer keeps counters for.
var consumerEvents = []Event{
	EventMutation,
	EventDeletion,
	EventFlush,
	EventOpaque,
	EventVBucketSet,
	EventCheckpointStart,
	EventCheckpointEnd,
}

// OpaqueCode is the payload of an opaque control message.
type OpaqueCode uint32

const (
	OpaqueEnableAutoNack OpaqueCode = iota
	OpaqueInitialVBucketStream
	OpaqueEnableCheckpointSync
	OpaqueOpenCheckpoint
	OpaqueStartOnlineUpdate
	OpaqueStopOnlineUpdate
	OpaqueRevertOnlineUpdate
	OpaqueCloseTapStream
	OpaqueCloseBackfill
)

func (c OpaqueCode) String() string {
	switch c {
	case OpaqueEnableAutoNack:
		return "enable_auto_nack"
	case OpaqueInitialVBucketStream:
		return "initial_vbucket_stream"
	case OpaqueEnableCheckpointSync:
		return "enable_checkpoint_sync"
	case OpaqueOpenCheckpoint:
		return "open_checkpoint"
	case OpaqueStartOnlineUpdate:
		return "start_online_update"
	case OpaqueStopOnlineUpdate:
		return "stop_online_update"
	case OpaqueRevertOnlineUpdate:
		return "revert_online_update"
	case OpaqueCloseTapStream:
		return "close_tap_stream"
	case OpaqueCloseBackfill:
		return "close_backfill"
	}
	return fmt.Sprintf("opaque(%d)", uint32(c))
}

// connectionWide opaque codes concern the stream as a whole and are sent
// regardless of the vbucket filter.
func (c OpaqueCode) connectionWide() bool {
	return c == OpaqueEnableAutoNack || c == OpaqueEnableCheckpointSync || c == OpaqueCloseBackfill
}

// Action tells the transport what to do with the result of Next.
type Action uint8

const (
	// ActionSend carries a message to write to the peer
	ActionSend Action = iota + 1
	// ActionRetry means nothing was produced but Next may be called again
	// immediately
	ActionRetry
	// ActionPause means wait for a wake signal before calling Next again
	ActionPause
	// ActionDisconnect ends the stream
	ActionDisconnect
)

func (a Action) String() string {
	switch a {
	case ActionSend:
		return "send"
	case ActionRetry:
		return "retry"
	case ActionPause:
		return "pause"
	case ActionDisconnect:
		return "disconnect"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Message is one pull result from a producer.
type Message struct {
	Action  Action
	Event   Event
	VBucket uint16
	// Item is set for mutations and deletions (deletions carry the key only)
	Item       *common.Item
	State      vbucket.State
	Opaque     OpaqueCode
	Checkpoint uint64
	Seqno      uint32
	// Ack is set when the peer must acknowledge Seqno
	Ack bool
}

func pauseMsg() Message      { return Message{Action: ActionPause} }
func retryMsg() Message      { return Message{Action: ActionRetry} }
func disconnectMsg() Message { return Message{Action: ActionDisconnect} }

// vbEvent is a queued vbucket-level control message.
type vbEvent struct {
	event   Event
	vbucket uint16
	state   vbucket.State
	opaque  OpaqueCode
}

// InboundEvent is one message received by a consumer.
type InboundEvent struct {
	Event   Event
	VBucket uint16
	// Item carries the key for deletions and the full value for mutations
	Item       *common.Item
	State      vbucket.State
	Opaque     OpaqueCode
	Checkpoint uint64
}
