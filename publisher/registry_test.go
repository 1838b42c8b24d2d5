package publisher

import (
	"strings"
	"testing"
	"time"

	"github.com/maxpert/tapstream/cfg"
	"github.com/maxpert/tapstream/checkpoint"
	"github.com/maxpert/tapstream/common"
	"github.com/maxpert/tapstream/dispatcher"
	"github.com/maxpert/tapstream/store"
	"github.com/maxpert/tapstream/tap"
	"github.com/maxpert/tapstream/vbucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConns(t *testing.T) (*store.MemoryStore, *tap.ConnMap) {
	t.Helper()
	st, err := store.New(store.Options{
		NumVBuckets:      2,
		ResidentCapacity: 1000,
		Checkpoint:       checkpoint.Options{MaxItems: 100},
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.SetVBucketState(0, vbucket.Active))

	readers := dispatcher.New("readers", 2, time.Second)
	nonIO := dispatcher.New("nonio", 1, time.Second)
	readers.Start()
	nonIO.Start()
	t.Cleanup(readers.Stop)
	t.Cleanup(nonIO.Stop)

	conns := tap.NewConnMap(tap.Options{
		Store:   st,
		Config:  cfg.NewTapConfig(cfg.DefaultTapConfiguration()),
		Readers: readers,
		NonIO:   nonIO,
	})
	t.Cleanup(conns.Shutdown)
	return st, conns
}

// registerTestSink registers snk under a sink type unique to the test
func registerTestSink(t *testing.T, snk Sink) string {
	sinkType := "test-" + strings.ReplaceAll(t.Name(), "/", "-")
	RegisterSink(sinkType, func(cfg.SinkConfiguration) (Sink, error) { return snk, nil })
	RegisterTransformer("text", func() Transformer { return textTransformer{} })
	return sinkType
}

func publishedKeys(snk *mockSink) map[string]bool {
	keys := make(map[string]bool)
	for _, ev := range snk.getEvents() {
		keys[ev.Key] = true
	}
	return keys
}

func TestRegistryPublishesStoreMutations(t *testing.T) {
	st, conns := newTestConns(t)
	_, err := st.Set(&common.Item{Key: "user:1", Value: []byte("a")})
	require.NoError(t, err)
	_, err = st.Set(&common.Item{Key: "order:1", Value: []byte("b")})
	require.NoError(t, err)

	snk := &mockSink{}
	registry, err := NewRegistry(RegistryConfig{
		Conns:  conns,
		NodeID: 7,
		SinkConfigs: []cfg.SinkConfiguration{{
			Name:       "users",
			Type:       registerTestSink(t, snk),
			Format:     "text",
			Topic:      "users",
			FilterKeys: []string{"user:*"},
		}},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Start())
	assert.Error(t, registry.Start())

	_, err = st.Set(&common.Item{Key: "user:2", Value: []byte("c")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		keys := publishedKeys(snk)
		return keys["user:1"] && keys["user:2"]
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, publishedKeys(snk)["order:1"])
	for _, ev := range snk.getEvents() {
		assert.Equal(t, "users", ev.Topic)
	}

	c, ok := conns.Find(ProducerName("users"))
	require.True(t, ok)
	assert.True(t, c.Connected())

	status := registry.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "users", status[0].Name)
	assert.Equal(t, "publisher-users", status[0].Producer)
	assert.True(t, status[0].Running)
	assert.GreaterOrEqual(t, status[0].Published, uint64(2))
	assert.Empty(t, status[0].Error)

	registry.Stop()
	assert.True(t, snk.closed.Load())
	assert.False(t, c.Connected())
	assert.False(t, registry.Status()[0].Running)
}

func TestRegistryAddSinkWhileRunning(t *testing.T) {
	st, conns := newTestConns(t)
	registry, err := NewRegistry(RegistryConfig{Conns: conns})
	require.NoError(t, err)
	require.NoError(t, registry.Start())
	defer registry.Stop()

	snk := &mockSink{}
	require.NoError(t, registry.AddSink(cfg.SinkConfiguration{
		Name:   "late",
		Type:   registerTestSink(t, snk),
		Format: "text",
	}))

	_, err = st.Set(&common.Item{Key: "k", Value: []byte("v")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return publishedKeys(snk)["k"]
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, DefaultTopic, snk.getEvents()[0].Topic)
}

func TestRegistryRejectsUnknownTypes(t *testing.T) {
	_, conns := newTestConns(t)

	_, err := NewRegistry(RegistryConfig{
		Conns:       conns,
		SinkConfigs: []cfg.SinkConfiguration{{Name: "x", Type: "carrier-pigeon", Format: "text"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sink type")

	snk := &mockSink{}
	_, err = NewRegistry(RegistryConfig{
		Conns:       conns,
		SinkConfigs: []cfg.SinkConfiguration{{Name: "y", Type: registerTestSink(t, snk), Format: "morse"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
	assert.True(t, snk.closed.Load())

	_, err = NewRegistry(RegistryConfig{})
	assert.Error(t, err)
}

func TestRegistryStopClosesUnstartedSinks(t *testing.T) {
	_, conns := newTestConns(t)
	snk := &mockSink{}
	registry, err := NewRegistry(RegistryConfig{
		Conns:       conns,
		SinkConfigs: []cfg.SinkConfiguration{{Name: "idle", Type: registerTestSink(t, snk), Format: "text"}},
	})
	require.NoError(t, err)

	registry.Stop()
	assert.True(t, snk.closed.Load())
	_, ok := conns.Find(ProducerName("idle"))
	assert.False(t, ok)
}
