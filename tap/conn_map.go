package tap

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/maxpert/tapstream/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	notifyInterval = time.Second
	cleanBatchSize = 1000
)

// ConnMap is the registry of live and recently disconnected connections.
// It also runs the notification loop that wakes paused producers.
type ConnMap struct {
	e *engine

	mu    sync.Mutex
	conns map[string]Connection

	wake chan struct{}
}

// NewConnMap creates an empty registry.
func NewConnMap(opts Options) *ConnMap {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &ConnMap{
		conns: make(map[string]Connection),
		wake:  make(chan struct{}, 1),
	}
	m.e = &engine{
		store:                       opts.Store,
		config:                      opts.Config,
		readers:                     opts.Readers,
		nonIO:                       opts.NonIO,
		cursors:                     opts.Cursors,
		now:                         opts.Now,
		inconsistentSlaveCheckpoint: opts.InconsistentSlaveCheckpoint,
		conns:                       m,
	}
	return m
}

// NewProducer registers a producer for req, or reconnects the disconnected
// producer of the same name.
func (m *ConnMap) NewProducer(req ConnectRequest) (*Producer, error) {
	m.mu.Lock()
	var (
		p         *Producer
		reconnect bool
	)
	switch c := m.conns[req.Name].(type) {
	case nil:
		p = newProducer(m.e, req.Name, req.Cookie)
		m.conns[req.Name] = p
	case *Producer:
		if c.Connected() {
			m.mu.Unlock()
			return nil, fmt.Errorf("producer %q: %w", req.Name, ErrNameInUse)
		}
		// marked under the registry lock so the reaper leaves it alone
		c.setConnected(true)
		p, reconnect = c, true
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("%s %q: %w", c.Kind(), req.Name, ErrNameInUse)
	}
	m.mu.Unlock()

	last := req.LastCheckpointIDs
	if len(last) == 0 && req.Flags.RegisteredClient() && m.e.cursors != nil {
		last = m.e.cursors.Load(req.Name)
	}
	p.setup(req, last, reconnect)

	log.Info().
		Str("tap", req.Name).
		Bool("reconnect", reconnect).
		Str("flags", req.Flags.String()).
		Msg("Tap producer connected")
	m.NotifyNotificationThread()
	return p, nil
}

// NewConsumer registers a consumer. A disconnected consumer of the same name
// is replaced.
func (m *ConnMap) NewConsumer(name string, cookie Cookie) (*Consumer, error) {
	m.mu.Lock()
	old, exists := m.conns[name]
	if exists {
		if _, ok := old.(*Consumer); !ok || old.Connected() {
			m.mu.Unlock()
			return nil, fmt.Errorf("%s %q: %w", old.Kind(), name, ErrNameInUse)
		}
	}
	c := newConsumer(m.e, name, cookie)
	m.conns[name] = c
	m.mu.Unlock()

	if exists {
		old.releaseReference()
	}
	log.Info().Str("tap", name).Msg("Tap consumer connected")
	return c, nil
}

// Find returns the connection registered under name.
func (m *ConnMap) Find(name string) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[name]
	return c, ok
}

// Producer returns the producer registered under name.
func (m *ConnMap) Producer(name string) (*Producer, bool) {
	c, ok := m.Find(name)
	if !ok {
		return nil, false
	}
	p, ok := c.(*Producer)
	return p, ok
}

// List returns every registered connection sorted by name.
func (m *ConnMap) List() []Connection {
	m.mu.Lock()
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Connection) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

func (m *ConnMap) producers() []*Producer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Producer, 0, len(m.conns))
	for _, c := range m.conns {
		if p, ok := c.(*Producer); ok {
			out = append(out, p)
		}
	}
	return out
}

// ScheduleBackfill asks every producer to backfill vbs.
func (m *ConnMap) ScheduleBackfill(vbs []uint16) {
	for _, p := range m.producers() {
		p.ScheduleBackfill(vbs)
	}
	m.NotifyNotificationThread()
}

// Disconnect is called by the transport when the connection's socket goes
// away. Producers stay reconnectable for the keepalive period unless they
// were told to disconnect.
func (m *ConnMap) Disconnect(name string) {
	m.mu.Lock()
	c, ok := m.conns[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.setConnected(false)
	now := m.e.now()
	if _, consumer := c.(*Consumer); consumer || c.ShouldDisconnect() {
		c.setExpiry(now)
	} else {
		c.setExpiry(now.Add(m.e.config.Keepalive()))
	}
	m.mu.Unlock()

	c.releaseReference()
	telemetry.TapDisconnectsTotal.With("closed").Inc()
	log.Info().Str("tap", name).Str("kind", c.Kind()).Msg("Tap connection disconnected")
	m.NotifyNotificationThread()
}

// RequestDisconnect marks the connection for disconnect and wakes its
// transport.
func (m *ConnMap) RequestDisconnect(name string) bool {
	c, ok := m.Find(name)
	if !ok {
		return false
	}
	c.SetDisconnect(true)
	if cookie := c.Cookie(); cookie != nil {
		cookie.NotifyIOComplete(nil)
	}
	telemetry.TapDisconnectsTotal.With("requested").Inc()
	log.Info().Str("tap", name).Msg("Tap connection disconnect requested")
	return true
}

// NotifyNotificationThread wakes the notification loop.
func (m *ConnMap) NotifyNotificationThread() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drives the notification loop until ctx is done.
func (m *ConnMap) Run(ctx context.Context) error {
	ticker := time.NewTicker(notifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.wake:
		}
		m.notifyPass()
	}
}

// notifyPass wakes producers that have work or a noop due, then reaps
// expired connections.
func (m *ConnMap) notifyPass() {
	now := m.e.now()
	interval := m.e.config.NoopInterval()
	for _, p := range m.producers() {
		if !p.Connected() {
			continue
		}
		if interval > 0 {
			p.markNoop(now, interval)
		}
		if p.ShouldNotify() {
			p.notifyIO(nil)
		}
	}
	m.reap(now)
}

// reap removes connections that are disconnected and past their expiry.
func (m *ConnMap) reap(now time.Time) int {
	var dead []Connection
	m.mu.Lock()
	for name, c := range m.conns {
		if c.Connected() || !c.expired(now) {
			continue
		}
		if p, ok := c.(*Producer); ok && p.IsSuspended() {
			continue
		}
		delete(m.conns, name)
		dead = append(dead, c)
	}
	m.mu.Unlock()

	for _, c := range dead {
		if p, ok := c.(*Producer); ok {
			p.destroy()
		}
		c.releaseReference()
		log.Info().Str("tap", c.Name()).Str("kind", c.Kind()).Msg("Reaped tap connection")
	}
	return len(dead)
}

// destroy drops everything the producer holds. Cursors of registered
// clients survive so the client can resume.
func (p *Producer) destroy() {
	p.SetDisconnect(true)

	h := p.lock()
	if !h.registeredClient {
		for _, vb := range h.tracked {
			if b := h.e.bucket(vb); b != nil {
				b.Checkpoints().RemoveCursor(h.name)
			}
		}
	}
	h.e.memOverhead.Add(-h.queueMemSize)
	h.queue.Clear()
	h.queueMemSize = 0
	h.checkpointMsgs.Clear()
	h.highPriority.Clear()
	h.lowPriority.Clear()
	h.ackLog = nil
	h.unlock()

	for {
		h := p.lock()
		more := h.cleanSome(cleanBatchSize)
		h.unlock()
		if !more {
			break
		}
	}
}

// Stats returns the stats of every connection whose name matches pattern,
// keyed "name:stat". An empty pattern matches everything.
func (m *ConnMap) Stats(pattern string) (map[string]string, error) {
	var g glob.Glob
	if pattern != "" {
		var err error
		if g, err = glob.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}

	out := make(map[string]string)
	var producers, consumers, backlog int
	for _, c := range m.List() {
		if g != nil && !g.Match(c.Name()) {
			continue
		}
		for k, v := range c.Stats() {
			out[c.Name()+":"+k] = v
		}
		switch t := c.(type) {
		case *Producer:
			producers++
			backlog += t.BacklogSize()
		case *Consumer:
			consumers++
		}
	}
	out["count"] = formatStat(producers + consumers)
	out["producer_count"] = formatStat(producers)
	out["consumer_count"] = formatStat(consumers)
	out["total_backlog_size"] = formatStat(backlog)
	return out, nil
}

// SampleBacklog implements telemetry.BacklogSampler.
func (m *ConnMap) SampleBacklog() telemetry.BacklogStats {
	var s telemetry.BacklogStats
	for _, c := range m.List() {
		switch t := c.(type) {
		case *Producer:
			s.Producers++
			queued, acks := t.sample()
			s.QueuedItems += queued
			s.AckLogEntries += acks
		case *Consumer:
			s.Consumers++
		}
	}
	s.MemoryOverhead = m.e.memOverhead.Load()
	return s
}

// Shutdown disconnects and drops every connection.
func (m *ConnMap) Shutdown() {
	m.mu.Lock()
	all := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		all = append(all, c)
	}
	clear(m.conns)
	m.mu.Unlock()

	for _, c := range all {
		c.SetDisconnect(true)
		c.setConnected(false)
		if cookie := c.Cookie(); cookie != nil {
			cookie.NotifyIOComplete(ErrDisconnected)
		}
		if p, ok := c.(*Producer); ok {
			p.destroy()
		}
		c.releaseReference()
	}
	log.Info().Int("connections", len(all)).Msg("Tap connections shut down")
}
