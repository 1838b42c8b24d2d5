package sink

import (
	"context"
	"sync"

	"github.com/maxpert/tapstream/publisher"
)

// MockSink records published records in memory
type MockSink struct {
	Records    []publisher.Record
	PublishErr error
	Closed     bool
	mu         sync.Mutex
}

func (m *MockSink) Publish(_ context.Context, rec publisher.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Records = append(m.Records, rec)
	return nil
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Reset clears all recorded records
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = nil
}
