package telemetry

import (
	"sync"
	"time"
)

// BacklogStats is a point-in-time sample of tap queue usage.
type BacklogStats struct {
	Producers      int
	Consumers      int
	QueuedItems    int
	AckLogEntries  int
	MemoryOverhead int64
}

// BacklogSampler is implemented by the connection registry.
type BacklogSampler interface {
	SampleBacklog() BacklogStats
}

// MetricsCollector periodically samples tap backlog and updates gauges
type MetricsCollector struct {
	sampler  BacklogSampler
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(sampler BacklogSampler, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		sampler:  sampler,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.sampler == nil {
		return
	}

	s := mc.sampler.SampleBacklog()
	TapConnections.With("producer").Set(float64(s.Producers))
	TapConnections.With("consumer").Set(float64(s.Consumers))
	TapBacklogItems.Set(float64(s.QueuedItems))
	TapAckLogEntries.Set(float64(s.AckLogEntries))
	TapMemoryOverheadBytes.Set(float64(s.MemoryOverhead))
}
