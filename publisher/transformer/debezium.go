// Package transformer provides implementations of the publisher.Transformer interface
// for converting stream events to various sink-specific formats.
package transformer

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/maxpert/tapstream/publisher"
	"github.com/rs/zerolog/log"
)

func init() {
	// Register debezium transformer factory
	publisher.RegisterTransformer("debezium", func() publisher.Transformer {
		return NewDebeziumTransformer()
	})
}

// DebeziumTransformer transforms stream events to Debezium JSON with Schema format,
// compatible with Debezium consumers like Kafka Connect.
//
// Every key/value row has the same shape, so the envelope schema is built
// once. Values that are valid UTF-8 are emitted as "value"; anything else is
// emitted base64 encoded as "value_bytes".
type DebeziumTransformer struct {
	connectorName string
	schema        *debeziumEnvelopeSchema
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{
		connectorName: "tapstream",
		schema:        buildEnvelopeSchema(),
	}
}

type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     interface{}           `json:"type"` // string or nested struct
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload debeziumPayload         `json:"payload"`
}

type debeziumPayload struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Op     string                 `json:"op"`
	TsMs   int64                  `json:"ts_ms"`
	Source debeziumSource         `json:"source"`
}

type debeziumSource struct {
	Connector  string `json:"connector"`
	Node       uint64 `json:"node"`
	VBucket    uint16 `json:"vbucket"`
	Checkpoint uint64 `json:"checkpoint"`
	LSN        uint32 `json:"lsn"`
}

// Transform converts an event to Debezium JSON with Schema format
func (d *DebeziumTransformer) Transform(event publisher.Event) ([]byte, error) {
	var before, after map[string]interface{}
	switch event.Operation {
	case publisher.OpSet:
		after = rowData(event)
	case publisher.OpDelete:
		before = map[string]interface{}{"key": event.Key}
	}

	message := debeziumMessage{
		Schema: d.schema,
		Payload: debeziumPayload{
			Before: before,
			After:  after,
			Op:     d.mapOperation(event.Operation),
			TsMs:   event.Timestamp,
			Source: debeziumSource{
				Connector:  d.connectorName,
				Node:       event.NodeID,
				VBucket:    event.VBucket,
				Checkpoint: event.Checkpoint,
				LSN:        event.Seqno,
			},
		},
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (d *DebeziumTransformer) Tombstone(key string) []byte {
	return nil
}

func rowData(event publisher.Event) map[string]interface{} {
	row := map[string]interface{}{
		"key":    event.Key,
		"flags":  event.Flags,
		"expiry": event.Expiry,
		"cas":    event.Cas,
	}
	// []byte marshals as base64
	if utf8.Valid(event.Value) {
		row["value"] = string(event.Value)
	} else {
		row["value_bytes"] = event.Value
	}
	return row
}

// mapOperation maps a stream operation to a Debezium operation
func (d *DebeziumTransformer) mapOperation(op uint8) string {
	switch op {
	case publisher.OpSet:
		return "u" // sets carry no create/update distinction
	case publisher.OpDelete:
		return "d"
	case publisher.OpFlush:
		return "t" // truncate
	default:
		log.Warn().Uint8("operation", op).Msg("unknown stream operation, defaulting to update")
		return "u"
	}
}

// buildEnvelopeSchema constructs the Debezium envelope schema
func buildEnvelopeSchema() *debeziumEnvelopeSchema {
	const valueSchemaName = "tapstream.kv.Value"

	columnFields := []debeziumSchemaField{
		{Field: "key", Type: "string"},
		{Field: "value", Type: "string", Optional: true},
		{Field: "value_bytes", Type: "bytes", Optional: true},
		{Field: "flags", Type: "int32", Optional: true},
		{Field: "expiry", Type: "int32", Optional: true},
		{Field: "cas", Type: "int64", Optional: true},
	}

	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: "tapstream.kv.Envelope",
		Fields: []debeziumSchemaField{
			{
				Field:    "before",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columnFields,
			},
			{
				Field:    "after",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columnFields,
			},
			{
				Field: "op",
				Type:  "string",
			},
			{
				Field: "ts_ms",
				Type:  "int64",
			},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.tapstream.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "node", Type: "int64"},
					{Field: "vbucket", Type: "int32"},
					{Field: "checkpoint", Type: "int64"},
					{Field: "lsn", Type: "int64"},
				},
			},
		},
	}
}
