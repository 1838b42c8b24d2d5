package transformer

import (
	"fmt"

	"github.com/maxpert/tapstream/encoding"
	"github.com/maxpert/tapstream/publisher"
)

func init() {
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return MsgpackTransformer{}
	})
}

// MsgpackTransformer publishes the event struct itself, msgpack encoded
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(event publisher.Event) ([]byte, error) {
	data, err := encoding.Marshal(&event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// Tombstone is a nil value, as with every format
func (MsgpackTransformer) Tombstone(string) []byte { return nil }
