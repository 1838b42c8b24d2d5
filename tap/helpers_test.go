package tap

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/tapstream/cfg"
	"github.com/maxpert/tapstream/checkpoint"
	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/dispatcher"
	"github.com/maxpert/tapstream/store"
	"github.com/maxpert/tapstream/vbucket"
	"github.com/stretchr/testify/require"
)

// noBackfill is a backfill age in the future, which turns backfill off
const noBackfill = uint64(math.MaxUint64)

type scheduledTask struct {
	task  dispatcher.Task
	delay time.Duration
}

// fakeScheduler records tasks and runs them only when asked.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []scheduledTask
}

func (s *fakeScheduler) Schedule(task dispatcher.Task, delay time.Duration) dispatcher.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, scheduledTask{task: task, delay: delay})
	return dispatcher.TaskID(len(s.tasks))
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *fakeScheduler) take() []scheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.tasks
	s.tasks = nil
	return out
}

// drain runs every scheduled task to completion, including tasks scheduled
// while draining.
func (s *fakeScheduler) drain(t *testing.T) int {
	t.Helper()
	ran := 0
	for round := 0; round < 100; round++ {
		batch := s.take()
		if len(batch) == 0 {
			return ran
		}
		for _, st := range batch {
			for i := 0; ; i++ {
				require.Less(t, i, 1000, "task %q never finished", st.task.Description())
				again, _ := st.task.Run(context.Background())
				if !again {
					break
				}
			}
			ran++
		}
	}
	t.Fatal("scheduler never drained")
	return ran
}

type recordingCookie struct {
	notified atomic.Int32
	released atomic.Int32
}

func (c *recordingCookie) NotifyIOComplete(error) { c.notified.Add(1) }
func (c *recordingCookie) Release()               { c.released.Add(1) }

type memCursors struct {
	mu   sync.Mutex
	data map[string]map[uint16]uint64
}

func newMemCursors() *memCursors {
	return &memCursors{data: make(map[string]map[uint16]uint64)}
}

func (m *memCursors) Load(name string) map[uint16]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint16]uint64, len(m.data[name]))
	for vb, id := range m.data[name] {
		out[vb] = id
	}
	return out
}

func (m *memCursors) Record(name string, vb uint16, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[name] == nil {
		m.data[name] = make(map[uint16]uint64)
	}
	m.data[name][vb] = id
	return nil
}

func (m *memCursors) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, name)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t       *testing.T
	store   *store.MemoryStore
	config  *cfg.TapConfig
	conns   *ConnMap
	readers *fakeScheduler
	nonIO   *fakeScheduler
	cursors *memCursors
	clock   *testClock
}

type harnessOption func(*store.Options, *cfg.TapConfiguration)

func withResidentCapacity(n int) harnessOption {
	return func(o *store.Options, _ *cfg.TapConfiguration) { o.ResidentCapacity = n }
}

func withTap(fn func(*cfg.TapConfiguration)) harnessOption {
	return func(_ *store.Options, c *cfg.TapConfiguration) { fn(c) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}

	so := store.Options{
		NumVBuckets:      4,
		ResidentCapacity: 1000,
		Checkpoint:       checkpoint.Options{MaxItems: 1000},
		Now:              clock.Now,
	}
	tc := cfg.DefaultTapConfiguration()
	for _, opt := range opts {
		opt(&so, &tc)
	}

	st, err := store.New(so)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.SetVBucketState(0, vbucket.Active))

	h := &harness{
		t:       t,
		store:   st,
		config:  cfg.NewTapConfig(tc),
		readers: &fakeScheduler{},
		nonIO:   &fakeScheduler{},
		cursors: newMemCursors(),
		clock:   clock,
	}
	h.conns = NewConnMap(Options{
		Store:   st,
		Config:  h.config,
		Readers: h.readers,
		NonIO:   h.nonIO,
		Cursors: h.cursors,
		Now:     clock.Now,
	})
	return h
}

func (h *harness) connect(req ConnectRequest) (*Producer, *recordingCookie) {
	h.t.Helper()
	cookie := &recordingCookie{}
	if req.Cookie == nil {
		req.Cookie = cookie
	}
	p, err := h.conns.NewProducer(req)
	require.NoError(h.t, err)
	return p, cookie
}

func (h *harness) set(vb uint16, key, value string) {
	h.t.Helper()
	_, err := h.store.Set(&common.Item{Key: key, Value: []byte(value), VBucket: vb})
	require.NoError(h.t, err)
}

// closeCheckpoint seals the open checkpoint of vb.
func (h *harness) closeCheckpoint(vb uint16) uint64 {
	return h.store.Bucket(vb).Checkpoints().CheckOpenCheckpoint(true)
}

// pull drains the producer until it pauses or disconnects and returns the
// sent messages together with the final action.
func pull(t *testing.T, p *Producer) ([]Message, Action) {
	t.Helper()
	var out []Message
	for i := 0; i < 10000; i++ {
		msg := p.Next()
		switch msg.Action {
		case ActionSend:
			out = append(out, msg)
		case ActionRetry:
		default:
			return out, msg.Action
		}
	}
	t.Fatal("producer never paused")
	return nil, 0
}

func events(msgs []Message) []Event {
	out := make([]Event, len(msgs))
	for i, m := range msgs {
		out[i] = m.Event
	}
	return out
}

func mutationKeys(msgs []Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Event == EventMutation {
			out = append(out, m.Item.Key)
		}
	}
	return out
}
