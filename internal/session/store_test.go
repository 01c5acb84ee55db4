package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapPersistence struct {
	mu       sync.Mutex
	sessions map[string]*Data
	deleted  []string
}

func newMapPersistence() *mapPersistence {
	return &mapPersistence{sessions: make(map[string]*Data)}
}

func (m *mapPersistence) SaveSession(_ context.Context, data *Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[data.ClientID] = data
	return nil
}

func (m *mapPersistence) LoadSession(_ context.Context, clientID string) (*Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[clientID], nil
}

func (m *mapPersistence) DeleteSession(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, clientID)
	m.deleted = append(m.deleted, clientID)
	return nil
}

func TestGetOrCreatePersistent(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})

	sess, present, err := store.GetOrCreate(ctx, "c1", false)
	require.NoError(t, err)
	assert.False(t, present)
	sess.Subscribe("x/y", 1)

	again, present, err := store.GetOrCreate(ctx, "c1", false)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Same(t, sess, again)
	assert.Equal(t, map[string]byte{"x/y": 1}, again.Subscriptions())
}

func TestGetOrCreateClean(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})

	sess, _, _ := store.GetOrCreate(ctx, "c1", false)
	sess.Subscribe("x/y", 1)

	fresh, present, err := store.GetOrCreate(ctx, "c1", true)
	require.NoError(t, err)
	assert.False(t, present)
	assert.NotSame(t, sess, fresh)
	assert.Empty(t, fresh.Subscriptions())

	// state of a clean session never carries over to a persistent one
	fresh.Subscribe("a", 0)
	persistent, present, _ := store.GetOrCreate(ctx, "c1", false)
	assert.False(t, present)
	assert.Empty(t, persistent.Subscriptions())
	assert.Equal(t, 1, store.Count())
}

func TestStoreWithPersistence(t *testing.T) {
	ctx := context.Background()
	persistence := newMapPersistence()
	store := NewStore(Options{}, WithPersistence(persistence))

	sess, _, _ := store.GetOrCreate(ctx, "c1", false)
	sess.Subscribe("x/y", 1)
	require.NoError(t, sess.Deliver(Message{Topic: "x/y", Payload: []byte("queued"), QoS: 1}))
	require.NoError(t, store.Save(ctx, sess))

	// a new broker process sees the stored session
	restarted := NewStore(Options{}, WithPersistence(persistence))
	restored, present, err := restarted.GetOrCreate(ctx, "c1", false)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, map[string]byte{"x/y": 1}, restored.Subscriptions())
	assert.Equal(t, 1, restored.Inflight())

	// clean sessions are never written
	clean, _, _ := restarted.GetOrCreate(ctx, "c2", true)
	require.NoError(t, restarted.Save(ctx, clean))
	_, stored := persistence.sessions["c2"]
	assert.False(t, stored)

	restarted.Destroy(ctx, "c1")
	_, ok := restarted.Get("c1")
	assert.False(t, ok)
	assert.Contains(t, persistence.deleted, "c1")
}

func TestDestroySessionOwnerCheck(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})

	old, _, _ := store.GetOrCreate(ctx, "c1", true)
	current, _, _ := store.GetOrCreate(ctx, "c1", true)

	assert.False(t, store.DestroySession(ctx, old))
	got, ok := store.Get("c1")
	require.True(t, ok)
	assert.Same(t, current, got)

	assert.True(t, store.DestroySession(ctx, current))
	assert.Zero(t, store.Count())
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})
	now := time.Now()

	stale, _, _ := store.GetOrCreate(ctx, "stale", false)
	stale.Touch(now.Add(-2 * time.Hour))

	online, _, _ := store.GetOrCreate(ctx, "online", false)
	online.Attach(&recordingSink{}, 1)
	online.Touch(now.Add(-2 * time.Hour))

	recent, _, _ := store.GetOrCreate(ctx, "recent", false)
	recent.Touch(now.Add(-time.Minute))

	expired := store.ExpireStale(ctx, now, time.Hour)
	assert.Equal(t, []string{"stale"}, expired)
	assert.Equal(t, 2, store.Count())

	var ids []string
	store.Range(func(s *Session) bool {
		ids = append(ids, s.ClientID)
		return true
	})
	assert.ElementsMatch(t, []string{"online", "recent"}, ids)
	assert.Len(t, store.All(), 2)
}

func TestGetOrCreateRefreshesStaleSession(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})

	sess, _, _ := store.GetOrCreate(ctx, "c1", false)
	sess.Touch(time.Now().Add(-2 * time.Hour))

	again, present, err := store.GetOrCreate(ctx, "c1", false)
	require.NoError(t, err)
	require.True(t, present)

	// a sweep between GetOrCreate and Attach must leave the returned session registered
	assert.Empty(t, store.ExpireStale(ctx, time.Now(), time.Hour))
	current, ok := store.Get("c1")
	require.True(t, ok)
	assert.Same(t, again, current)
}

func TestStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%10))
			sess, _, err := store.GetOrCreate(ctx, id, false)
			assert.NoError(t, err)
			sess.Subscribe("t", 1)
			_ = sess.Deliver(Message{Topic: "t", QoS: 1})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, store.Count())
}
