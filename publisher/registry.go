package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/gomemcached"
	"github.com/maxpert/tapstream/cfg"
	"github.com/maxpert/tapstream/notify"
	"github.com/maxpert/tapstream/tap"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the publisher registry
type RegistryConfig struct {
	Conns       *tap.ConnMap
	NodeID      uint64
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry owns one tap producer, pump and worker per configured sink
type Registry struct {
	conns   *tap.ConnMap
	hub     *notify.Hub
	nodeID  uint64
	entries []*entry
	running atomic.Bool
	mu      sync.Mutex
}

type entry struct {
	config cfg.SinkConfiguration
	worker *Worker
	pump   *tap.Pump
}

// SinkStatus is a point-in-time view of one sink
type SinkStatus struct {
	Name      string `json:"name"`
	Producer  string `json:"producer"`
	Running   bool   `json:"running"`
	Published uint64 `json:"published"`
	Filtered  uint64 `json:"filtered"`
	Error     string `json:"error,omitempty"`
}

// ProducerName is the tap connection name used for sink name
func ProducerName(name string) string {
	return "publisher-" + name
}

// NewRegistry creates a new publisher registry
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Conns == nil {
		return nil, fmt.Errorf("connection registry is required")
	}

	registry := &Registry{
		conns:   config.Conns,
		hub:     notify.NewHub(),
		nodeID:  config.NodeID,
		entries: make([]*entry, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			// Cleanup on error: close all worker sinks
			for _, e := range registry.entries {
				e.worker.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("sinks", len(registry.entries)).
		Msg("Publisher registry initialized")

	return registry, nil
}

// AddSink creates the worker for the given sink configuration. Sinks added
// to a running registry start immediately.
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	// Transformers are stateless, no cleanup needed
	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterKeys)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:        config.Name,
		Sink:        snk,
		Transformer: trans,
		Filter:      filter,
		Topic:       config.Topic,
		NodeID:      r.nodeID,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	e := &entry{config: config, worker: worker}
	if r.running.Load() {
		if err := r.start(e); err != nil {
			snk.Close()
			return err
		}
	}
	r.entries = append(r.entries, e)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added publisher sink")

	return nil
}

// Start connects a producer for every sink and starts its pump
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("sinks", len(r.entries)).Msg("Starting publisher registry")

	for _, e := range r.entries {
		if err := r.start(e); err != nil {
			r.stopLocked()
			return err
		}
	}

	r.running.Store(true)
	return nil
}

func (r *Registry) start(e *entry) error {
	name := ProducerName(e.config.Name)
	flags := gomemcached.SUPPORT_ACK | gomemcached.REGISTERED_CLIENT | gomemcached.CHECKPOINT
	if len(e.config.VBuckets) > 0 {
		flags |= gomemcached.LIST_VBUCKETS
	}

	p, err := r.conns.NewProducer(tap.ConnectRequest{
		Name:     name,
		Cookie:   tap.NewHubCookie(r.hub, name),
		Flags:    tap.Flags(flags),
		VBuckets: e.config.VBuckets,
	})
	if err != nil {
		return fmt.Errorf("failed to connect producer for sink %q: %w", e.config.Name, err)
	}
	e.worker.Attach(p)

	pump, err := tap.NewPump(tap.PumpConfig{
		Producer:        p,
		Sink:            e.worker,
		Hub:             r.hub,
		Conns:           r.conns,
		RetryInitial:    time.Duration(e.config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(e.config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: e.config.RetryMultiplier,
		MaxRetries:      e.config.MaxRetries,
	})
	if err != nil {
		r.conns.Disconnect(name)
		return fmt.Errorf("failed to create pump for sink %q: %w", e.config.Name, err)
	}

	e.pump = pump
	pump.Start()
	return nil
}

// Stop stops every pump; pumps close their sinks on exit
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		// never started: sinks are still open
		for _, e := range r.entries {
			if e.pump == nil {
				if err := e.worker.Close(); err != nil {
					log.Warn().Err(err).Str("sink", e.config.Name).Msg("Failed to close sink")
				}
			}
		}
		return
	}

	log.Info().Msg("Stopping publisher registry")
	r.stopLocked()
	log.Info().Msg("Publisher registry stopped")
}

func (r *Registry) stopLocked() {
	for _, e := range r.entries {
		if e.pump != nil {
			e.pump.Stop()
			e.pump = nil
		}
	}
}

// Status reports every sink
func (r *Registry) Status() []SinkStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SinkStatus, 0, len(r.entries))
	for _, e := range r.entries {
		s := SinkStatus{
			Name:      e.config.Name,
			Producer:  ProducerName(e.config.Name),
			Published: e.worker.Published(),
			Filtered:  e.worker.Filtered(),
		}
		if e.pump != nil {
			select {
			case <-e.pump.Done():
			default:
				s.Running = true
			}
			if err := e.pump.Err(); err != nil {
				s.Error = err.Error()
			}
		}
		out = append(out, s)
	}
	return out
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
