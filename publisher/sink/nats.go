package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/tapstream/cfg"
	"github.com/maxpert/tapstream/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// DefaultStreamMaxAge is the retention of streams created by the sink
const DefaultStreamMaxAge = 24 * time.Hour

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL, config.Name)
	})
}

// NatsSink publishes records to JetStream, creating one stream per topic
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream
	// topics whose stream exists
	streams *xsync.MapOf[string, struct{}]
}

// NewNatsSink connects to url. The connection keeps retrying in the
// background, so an unreachable server surfaces as publish errors.
func NewNatsSink(url, name string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("tapstream-"+name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("sink", name).Msg("NATS connection lost")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("sink", name).Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, streams: xsync.NewMapOf[string, struct{}]()}, nil
}

// Publish sends rec and waits for the JetStream acknowledgement
func (n *NatsSink) Publish(ctx context.Context, rec publisher.Record) error {
	if err := n.ensureStream(ctx, rec.Topic); err != nil {
		return err
	}

	if _, err := n.js.PublishMsg(ctx, natsMessage(rec)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", rec.Topic, err)
	}
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context, topic string) error {
	if _, ok := n.streams.Load(topic); ok {
		return nil
	}

	name := StreamName(topic)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    DefaultStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	n.streams.Store(topic, struct{}{})
	return nil
}

// Close closes the NATS connection
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

func natsMessage(rec publisher.Record) *nats.Msg {
	header := nats.Header{}
	for _, h := range recordHeaders(rec) {
		header.Set(h.name, h.value)
	}
	return &nats.Msg{
		Subject: rec.Topic,
		Data:    rec.Value,
		Header:  header,
	}
}

var streamNameReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// StreamName maps a subject to a JetStream stream name, which may not
// contain dots, wildcards or spaces
func StreamName(topic string) string {
	return streamNameReplacer.Replace(topic)
}
