package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/couchbase/gomemcached"
	"github.com/maxpert/tapstream/tap"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTopic receives every event of a sink with no topic configured
	DefaultTopic = "tapstream.kv"
	// DefaultPublishTimeout bounds a single sink write
	DefaultPublishTimeout = 5 * time.Second
)

// Acker acknowledges stream sequence numbers
type Acker interface {
	ProcessAck(seqno uint32, status gomemcached.Status, msg string) error
}

// WorkerConfig configures a publisher worker
type WorkerConfig struct {
	Name        string      // Sink name
	Sink        Sink        // Destination sink
	Transformer Transformer // Event transformer
	Filter      Filter      // Key filter
	Topic       string      // Destination topic
	NodeID      uint64
	Timeout     time.Duration // Per-write timeout
	Now         func() time.Time
}

// Worker is the tap.Sink of a publisher pump: it turns stream messages into
// broker events and acknowledges them once published.
type Worker struct {
	config WorkerConfig
	acker  Acker

	// open checkpoint per vbucket, only touched by the pump goroutine
	checkpoints map[uint16]uint64

	published atomic.Uint64
	filtered  atomic.Uint64
}

// NewWorker creates a new publisher worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultPublishTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Worker{
		config:      config,
		checkpoints: make(map[uint16]uint64),
	}, nil
}

// Attach sets the producer acknowledgements are sent to. It must be called
// before the worker receives its first message.
func (w *Worker) Attach(acker Acker) { w.acker = acker }

func (w *Worker) Name() string { return w.config.Name }

// Published is the number of events the sink accepted
func (w *Worker) Published() uint64 { return w.published.Load() }

// Filtered is the number of mutations skipped by the key filter
func (w *Worker) Filtered() uint64 { return w.filtered.Load() }

// Send implements tap.Sink. An error leaves msg unacknowledged so the pump
// retries it.
func (w *Worker) Send(msg tap.Message) error {
	switch msg.Event {
	case tap.EventMutation, tap.EventDeletion:
		if err := w.publishItem(msg); err != nil {
			return err
		}
	case tap.EventFlush:
		if err := w.publish(w.event(msg, OpFlush)); err != nil {
			return err
		}
	case tap.EventCheckpointStart:
		w.checkpoints[msg.VBucket] = msg.Checkpoint
	}

	if msg.Ack {
		w.ack(msg.Seqno)
	}
	return nil
}

// Close closes the underlying sink
func (w *Worker) Close() error {
	return w.config.Sink.Close()
}

func (w *Worker) publishItem(msg tap.Message) error {
	if msg.Item == nil {
		return fmt.Errorf("%s without item", msg.Event)
	}
	if !w.config.Filter.Match(msg.Item.Key) {
		w.filtered.Add(1)
		return nil
	}

	op := OpSet
	if msg.Event == tap.EventDeletion {
		op = OpDelete
	}
	ev := w.event(msg, op)
	ev.Key = msg.Item.Key
	ev.Cas = msg.Item.Cas
	if op == OpSet {
		ev.Value = msg.Item.Value
		ev.Flags = msg.Item.Flags
		ev.Expiry = msg.Item.Expiry
	}

	if err := w.publish(ev); err != nil {
		return err
	}

	// For DELETE operations, also send tombstone
	if op == OpDelete {
		rec := w.record(ev)
		rec.Value = w.config.Transformer.Tombstone(ev.Key)
		if err := w.write(rec); err != nil {
			return fmt.Errorf("failed to publish tombstone for %s: %w", ev.Key, err)
		}
	}
	return nil
}

func (w *Worker) event(msg tap.Message, op uint8) Event {
	return Event{
		Seqno:      msg.Seqno,
		VBucket:    msg.VBucket,
		Checkpoint: w.checkpoints[msg.VBucket],
		Operation:  op,
		Timestamp:  w.config.Now().UnixMilli(),
		NodeID:     w.config.NodeID,
	}
}

func (w *Worker) record(ev Event) Record {
	return Record{
		Topic:      w.config.Topic,
		Key:        ev.Key,
		VBucket:    ev.VBucket,
		Seqno:      ev.Seqno,
		Checkpoint: ev.Checkpoint,
	}
}

func (w *Worker) publish(ev Event) error {
	data, err := w.config.Transformer.Transform(ev)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}
	rec := w.record(ev)
	rec.Value = data
	if err := w.write(rec); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", w.config.Topic, err)
	}
	w.published.Add(1)
	return nil
}

func (w *Worker) write(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.Timeout)
	defer cancel()
	return w.config.Sink.Publish(ctx, rec)
}

func (w *Worker) ack(seqno uint32) {
	if w.acker == nil {
		return
	}
	err := w.acker.ProcessAck(seqno, gomemcached.SUCCESS, "")
	if err != nil && !errors.Is(err, tap.ErrStreamComplete) {
		log.Warn().Err(err).Str("sink", w.config.Name).Uint32("seqno", seqno).Msg("Publisher ack rejected")
	}
}
