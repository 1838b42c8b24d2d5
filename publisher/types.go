package publisher

import "context"

// Operation types for published events
const (
	OpSet    uint8 = 0
	OpDelete uint8 = 1
	OpFlush  uint8 = 2
)

// Event is one published change
type Event struct {
	Seqno      uint32 `msgpack:"seq"`   // Stream sequence number
	VBucket    uint16 `msgpack:"vb"`    // Source vbucket
	Checkpoint uint64 `msgpack:"ckpt"`  // Open checkpoint when the event was sent
	Operation  uint8  `msgpack:"op"`    // 0=SET, 1=DELETE, 2=FLUSH
	Key        string `msgpack:"key"`   // Item key, empty for flush
	Value      []byte `msgpack:"val"`   // Nil for delete and flush
	Flags      uint32 `msgpack:"flags"` // Client flags
	Expiry     uint32 `msgpack:"exp"`   // Unix seconds, 0 means never
	Cas        uint64 `msgpack:"cas"`
	Timestamp  int64  `msgpack:"ts"`   // Publish time (unix ms)
	NodeID     uint64 `msgpack:"node"` // Originating node
}

// Record is one encoded event addressed to a sink. The stream position is
// carried alongside the payload so sinks can route and label it.
type Record struct {
	Topic      string
	Key        string
	Value      []byte // Nil for tombstones
	VBucket    uint16
	Seqno      uint32
	Checkpoint uint64
}

// Sink represents a destination for events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a record to the sink, returning once it is durable
	Publish(ctx context.Context, rec Record) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts events to sink-specific formats
type Transformer interface {
	// Transform converts an event to bytes for publishing
	Transform(event Event) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if events for key should be published
	Match(key string) bool
}
