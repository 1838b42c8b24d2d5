package tap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/gomemcached"
	"github.com/maxpert/tapstream/notify"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxWait bounds how long a paused pump sleeps without a wake signal
	DefaultMaxWait = time.Second
	// Default initial retry delay for failed sends
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 10 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Default number of send attempts before the pump gives up
	DefaultMaxRetries = 10
)

// Sink is where a pump writes a producer's messages.
type Sink interface {
	Send(msg Message) error
	Close() error
}

// HubCookie is a Cookie whose IO notifications wake the pump subscribed to
// its name on a notify.Hub.
type HubCookie struct {
	hub      *notify.Hub
	name     string
	released atomic.Bool
}

func NewHubCookie(hub *notify.Hub, name string) *HubCookie {
	return &HubCookie{hub: hub, name: name}
}

func (c *HubCookie) NotifyIOComplete(error) { c.hub.Signal(c.name) }
func (c *HubCookie) Release()               { c.released.Store(true) }

// Released reports whether the registry dropped its reference.
func (c *HubCookie) Released() bool { return c.released.Load() }

// PumpConfig configures a Pump
type PumpConfig struct {
	Producer        *Producer
	Sink            Sink
	Hub             *notify.Hub
	Conns           *ConnMap
	MaxWait         time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
}

// Pump drives a producer: it pulls messages, writes them to the sink and
// waits for a wake signal whenever the producer pauses.
type Pump struct {
	config      PumpConfig
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
	sent        atomic.Uint64

	errMu sync.Mutex
	err   error
}

// NewPump validates config and fills in defaults.
func NewPump(config PumpConfig) (*Pump, error) {
	if config.Producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("notify hub is required")
	}

	if config.MaxWait <= 0 {
		config.MaxWait = DefaultMaxWait
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Pump{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start runs the pump in its own goroutine.
func (pu *Pump) Start() {
	pu.lifecycleMu.Lock()
	defer pu.lifecycleMu.Unlock()

	if pu.running.Load() {
		return
	}
	pu.running.Store(true)
	pu.stopCh = make(chan struct{})
	pu.doneCh = make(chan struct{})

	log.Info().Str("tap", pu.config.Producer.Name()).Msg("Starting tap pump")
	go pu.loop()
}

// Stop stops the pump and waits for it to exit.
func (pu *Pump) Stop() {
	pu.lifecycleMu.Lock()
	defer pu.lifecycleMu.Unlock()

	if !pu.running.Load() {
		return
	}
	close(pu.stopCh)
	<-pu.doneCh
	pu.running.Store(false)
	log.Info().Str("tap", pu.config.Producer.Name()).Uint64("sent", pu.sent.Load()).Msg("Tap pump stopped")
}

// Done is closed when the pump exits, by Stop or because the stream ended.
func (pu *Pump) Done() <-chan struct{} {
	pu.lifecycleMu.Lock()
	defer pu.lifecycleMu.Unlock()
	return pu.doneCh
}

// Err returns the error that ended the pump, if any.
func (pu *Pump) Err() error {
	pu.errMu.Lock()
	defer pu.errMu.Unlock()
	return pu.err
}

// Sent is the number of messages written to the sink.
func (pu *Pump) Sent() uint64 { return pu.sent.Load() }

func (pu *Pump) loop() {
	p := pu.config.Producer
	wake, cancel := pu.config.Hub.Subscribe(p.Name())
	defer func() {
		cancel()
		if err := pu.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("tap", p.Name()).Msg("Failed to close tap sink")
		}
		if pu.config.Conns != nil {
			pu.config.Conns.Disconnect(p.Name())
		}
		close(pu.doneCh)
	}()

	for {
		select {
		case <-pu.stopCh:
			return
		default:
		}

		msg := p.Next()
		switch msg.Action {
		case ActionSend:
			if err := pu.sendWithRetry(msg); err != nil {
				pu.fail(err)
				return
			}
			pu.sent.Add(1)
		case ActionRetry:
		case ActionPause:
			if !pu.wait(wake) {
				return
			}
		case ActionDisconnect:
			log.Info().Str("tap", p.Name()).Msg("Tap stream ended")
			return
		}
	}
}

// wait blocks until a wake signal, the safety timeout or stop. It returns
// false when the pump should exit.
func (pu *Pump) wait(wake <-chan struct{}) bool {
	timer := time.NewTimer(pu.config.MaxWait)
	defer timer.Stop()

	select {
	case <-pu.stopCh:
		return false
	case _, ok := <-wake:
		return ok
	case <-timer.C:
		return true
	}
}

func (pu *Pump) fail(err error) {
	pu.errMu.Lock()
	pu.err = err
	pu.errMu.Unlock()
	log.Error().Err(err).Str("tap", pu.config.Producer.Name()).Msg("Tap pump failed")
}

// sendWithRetry writes msg with exponential backoff between attempts.
func (pu *Pump) sendWithRetry(msg Message) error {
	delay := pu.config.RetryInitial
	attempts := 0

	for {
		err := pu.config.Sink.Send(msg)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= pu.config.MaxRetries {
			return fmt.Errorf("exhausted %d attempts sending %s: %w", pu.config.MaxRetries, msg.Event, err)
		}

		log.Warn().
			Err(err).
			Str("tap", pu.config.Producer.Name()).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to send tap message, retrying")

		if !pu.sleep(delay) {
			return fmt.Errorf("pump stopped during retry")
		}
		delay = min(time.Duration(float64(delay)*pu.config.RetryMultiplier), pu.config.RetryMax)
	}
}

func (pu *Pump) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-pu.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// ConsumerSink applies a producer's messages to a local consumer and
// acknowledges the ones that ask for it, replicating between two stores in
// one process.
type ConsumerSink struct {
	Consumer *Consumer
	Producer *Producer
}

func (s *ConsumerSink) Send(msg Message) error {
	err := s.Consumer.Apply(InboundEvent{
		Event:      msg.Event,
		VBucket:    msg.VBucket,
		Item:       msg.Item,
		State:      msg.State,
		Opaque:     msg.Opaque,
		Checkpoint: msg.Checkpoint,
	})
	if !msg.Ack {
		if err != nil {
			log.Warn().Err(err).Str("tap", s.Consumer.Name()).Stringer("event", msg.Event).Msg("Unacknowledged tap message failed to apply")
		}
		return nil
	}

	status := gomemcached.SUCCESS
	switch {
	case err == nil:
	case errors.Is(err, ErrNotMyVBucket):
		status = gomemcached.NOT_MY_VBUCKET
	default:
		status = gomemcached.EINVAL
	}

	var detail string
	if err != nil {
		detail = err.Error()
	}
	if ackErr := s.Producer.ProcessAck(msg.Seqno, status, detail); ackErr != nil && !errors.Is(ackErr, ErrStreamComplete) {
		log.Warn().Err(ackErr).Str("tap", s.Producer.Name()).Uint32("seqno", msg.Seqno).Msg("Tap ack rejected")
	}
	return nil
}

func (s *ConsumerSink) Close() error { return nil }
