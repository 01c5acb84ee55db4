package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
)

const shardCount = 32

// Persistence stores non-clean sessions outside the process. LoadSession returns
// nil, nil when nothing is stored for the client.
type Persistence interface {
	SaveSession(ctx context.Context, data *Data) error
	LoadSession(ctx context.Context, clientID string) (*Data, error)
	DeleteSession(ctx context.Context, clientID string) error
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Store holds the sessions of one broker. Sessions are sharded by client id so that
// creating or destroying one session locks a single shard.
type Store struct {
	shards      [shardCount]*shard
	persistence Persistence
	opts        *Options
}

type StoreOption func(*Store)

func WithPersistence(p Persistence) StoreOption {
	return func(s *Store) {
		s.persistence = p
	}
}

func NewStore(opts Options, options ...StoreOption) *Store {
	store := &Store{opts: &opts}
	for i := range store.shards {
		store.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	for _, option := range options {
		option(store)
	}
	return store
}

func (st *Store) shardFor(clientID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return st.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns the session for clientID. With clean set any previous state is
// discarded first. Otherwise an existing session, in memory or in persistence, is
// reattached and present is true.
func (st *Store) GetOrCreate(ctx context.Context, clientID string, clean bool) (sess *Session, present bool, err error) {
	sh := st.shardFor(clientID)

	if clean {
		sh.mu.Lock()
		delete(sh.sessions, clientID)
		sess = newSession(clientID, true, st.opts)
		sh.sessions[clientID] = sess
		sh.mu.Unlock()
		st.deletePersisted(ctx, clientID)
		return sess, false, nil
	}

	sh.mu.Lock()
	if existing, ok := sh.sessions[clientID]; ok {
		if !existing.CleanSession {
			// keep the expiry sweep away until the caller attaches
			existing.Touch(time.Now())
			sh.mu.Unlock()
			return existing, true, nil
		}
		// a clean session still held by an old connection never carries over
		delete(sh.sessions, clientID)
	}
	sh.mu.Unlock()

	var data *Data
	if st.persistence != nil {
		if data, err = st.persistence.LoadSession(ctx, clientID); err != nil {
			return nil, false, err
		}
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.sessions[clientID]; ok && !existing.CleanSession {
		existing.Touch(time.Now())
		return existing, true, nil
	}
	sess = newSession(clientID, false, st.opts)
	if data != nil {
		sess.Restore(data)
		present = true
	}
	sh.sessions[clientID] = sess
	return sess, present, nil
}

func (st *Store) Get(clientID string) (*Session, bool) {
	sh := st.shardFor(clientID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[clientID]
	return sess, ok
}

// Destroy removes the session of clientID and its persisted copy.
func (st *Store) Destroy(ctx context.Context, clientID string) {
	sh := st.shardFor(clientID)
	sh.mu.Lock()
	delete(sh.sessions, clientID)
	sh.mu.Unlock()
	st.deletePersisted(ctx, clientID)
}

// DestroySession removes sess only if it is still the registered session for its
// client id. It reports whether anything was removed.
func (st *Store) DestroySession(ctx context.Context, sess *Session) bool {
	sh := st.shardFor(sess.ClientID)
	sh.mu.Lock()
	current, ok := sh.sessions[sess.ClientID]
	if !ok || current != sess {
		sh.mu.Unlock()
		return false
	}
	delete(sh.sessions, sess.ClientID)
	sh.mu.Unlock()
	if !sess.CleanSession {
		st.deletePersisted(ctx, sess.ClientID)
	}
	return true
}

// Save writes a non-clean session to persistence.
func (st *Store) Save(ctx context.Context, sess *Session) error {
	if st.persistence == nil || sess.CleanSession {
		return nil
	}
	return st.persistence.SaveSession(ctx, sess.Snapshot())
}

// ExpireStale reclaims non-clean sessions disconnected for longer than timeout.
func (st *Store) ExpireStale(ctx context.Context, now time.Time, timeout time.Duration) []string {
	var expired []string
	for _, sh := range st.shards {
		sh.mu.Lock()
		for clientID, sess := range sh.sessions {
			if sess.CleanSession || sess.Connected() {
				continue
			}
			if now.Sub(sess.LastActivity()) > timeout {
				delete(sh.sessions, clientID)
				expired = append(expired, clientID)
			}
		}
		sh.mu.Unlock()
	}
	for _, clientID := range expired {
		st.deletePersisted(ctx, clientID)
	}
	return expired
}

// All returns the sessions registered at the time of the call.
func (st *Store) All() []*Session {
	var result []*Session
	for _, sh := range st.shards {
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			result = append(result, sess)
		}
		sh.mu.RUnlock()
	}
	return result
}

// Range calls fn for every session without holding any shard lock during the call.
func (st *Store) Range(fn func(*Session) bool) {
	for _, sh := range st.shards {
		sh.mu.RLock()
		sessions := make([]*Session, 0, len(sh.sessions))
		for _, sess := range sh.sessions {
			sessions = append(sessions, sess)
		}
		sh.mu.RUnlock()
		for _, sess := range sessions {
			if !fn(sess) {
				return
			}
		}
	}
}

func (st *Store) Count() int {
	count := 0
	for _, sh := range st.shards {
		sh.mu.RLock()
		count += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return count
}

func (st *Store) deletePersisted(ctx context.Context, clientID string) {
	if st.persistence == nil {
		return
	}
	if err := st.persistence.DeleteSession(ctx, clientID); err != nil {
		logger.ErrorF("[%s] Fail to delete persisted session, details: %v", clientID, err)
	}
}
