package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veild/internal/logging"
	"github.com/veilchat/veild/internal/metrics"
)

func newNode(t *testing.T, nodeID string, backend Backend, broker Broker) *Cache {
	t.Helper()
	c, err := New(Options{
		Namespace: "test",
		NodeID:    nodeID,
		Backend:   backend,
		Broker:    broker,
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestGetSetRoundTrip(t *testing.T) {
	metrics.Reset()
	c := newNode(t, "n1", NewMemoryBackend(), nil)
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("v"), time.Minute)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	c.Delete(ctx, "k")
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestBackendTTLExpires(t *testing.T) {
	metrics.Reset()
	backend := NewMemoryBackend()
	now := time.Now()
	backend.SetClock(func() time.Time { return now })

	c := newNode(t, "n1", backend, nil)
	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"), 30*time.Second)

	now = now.Add(time.Minute)
	_, found, err := backend.Get(ctx, "test:k")
	require.NoError(t, err)
	assert.False(t, found, "backend entry must expire with its TTL")
}

// Two Cache instances sharing one backend and broker model two nodes. A
// write on one node must invalidate the other node's near-cache.
func TestCrossNodeInvalidation(t *testing.T) {
	metrics.Reset()
	backend := NewMemoryBackend()
	broker := NewMemoryBroker()
	n1 := newNode(t, "n1", backend, broker)
	n2 := newNode(t, "n2", backend, broker)
	ctx := context.Background()

	n1.Set(ctx, "conv:1", []byte("v1"), time.Minute)

	// Warm n2's near-cache from the shared backend.
	got, ok := n2.Get(ctx, "conv:1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	// n1 rewrites; the invalidation envelope must evict n2's near copy so the
	// next read sees the new value, not the stale near entry.
	n1.Set(ctx, "conv:1", []byte("v2"), time.Minute)

	got, ok = n2.Get(ctx, "conv:1")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
}

func TestInvalidationHandlerAndSelfSuppression(t *testing.T) {
	metrics.Reset()
	backend := NewMemoryBackend()
	broker := NewMemoryBroker()
	n1 := newNode(t, "n1", backend, broker)
	n2 := newNode(t, "n2", backend, broker)
	ctx := context.Background()

	var n1Keys, n2Keys []string
	n1.OnInvalidate(func(key string) { n1Keys = append(n1Keys, key) })
	n2.OnInvalidate(func(key string) { n2Keys = append(n2Keys, key) })

	n1.Set(ctx, "k", []byte("v"), time.Minute)

	// The writing node suppresses its own envelope; only the peer reacts.
	assert.Empty(t, n1Keys)
	require.Len(t, n2Keys, 1)
	assert.Equal(t, "test:k", n2Keys[0])
}

func TestMalformedEnvelopeIgnored(t *testing.T) {
	metrics.Reset()
	broker := NewMemoryBroker()
	c := newNode(t, "n1", NewMemoryBackend(), broker)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Minute)

	// A peer publishing garbage must not crash the subscriber or evict
	// unrelated entries.
	require.NoError(t, broker.Publish(ctx, []byte("{not json")))
	require.NoError(t, broker.Publish(ctx, []byte(`{"nodeId":"x","ts":1}`)))

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestBackendFailureFallsThrough(t *testing.T) {
	metrics.Reset()
	c := newNode(t, "n1", failingBackend{}, nil)
	ctx := context.Background()

	// Set and Delete swallow the failure; Get reports miss.
	c.Set(ctx, "k", []byte("v"), time.Minute)
	c.Delete(ctx, "k")
	_, ok := c.Get(ctx, "other")
	assert.False(t, ok)
}

type failingBackend struct{}

type backendErr string

func (e backendErr) Error() string { return string(e) }

func (failingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, backendErr("backend down")
}
func (failingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return backendErr("backend down")
}
func (failingBackend) Del(ctx context.Context, key string) error { return backendErr("backend down") }
func (failingBackend) Close() error                              { return nil }

func TestGetJSONDropsCorruptEntries(t *testing.T) {
	metrics.Reset()
	backend := NewMemoryBackend()
	c := newNode(t, "n1", backend, nil)
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}

	SetJSON(ctx, c, "good", payload{Name: "a"}, time.Minute)
	got, ok := GetJSON[payload](ctx, c, "good")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name)

	// Corrupt the raw entry behind the typed helper.
	c.Set(ctx, "bad", []byte("{{{"), time.Minute)
	_, ok = GetJSON[payload](ctx, c, "bad")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "bad")
	assert.False(t, ok, "corrupt entry must be dropped")
}

func TestEnvelopeShape(t *testing.T) {
	var env envelope
	raw := []byte(`{"key":"test:k","nodeId":"n9","ts":123}`)
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "test:k", env.Key)
	assert.Equal(t, "n9", env.NodeID)
	assert.EqualValues(t, 123, env.TS)
}
