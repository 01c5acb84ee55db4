package database

import (
	"context"
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/retained"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/session"
)

// MemoryStore 在进程内存中保存持久状态（重启后丢失）
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Data
	retained map[string]*retained.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session.Data),
		retained: make(map[string]*retained.Message),
	}
}

func (ms *MemoryStore) LoadSession(_ context.Context, clientID string) (*session.Data, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.sessions[clientID], nil
}

func (ms *MemoryStore) SaveSession(_ context.Context, data *session.Data) error {
	if data.ClientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	ms.sessions[data.ClientID] = data
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, clientID string) error {
	ms.mu.Lock()
	delete(ms.sessions, clientID)
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) SaveRetained(_ context.Context, msg *retained.Message) error {
	if msg.Topic == "" {
		return ErrTopicEmpty
	}
	ms.mu.Lock()
	ms.retained[msg.Topic] = msg
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) DeleteRetained(_ context.Context, topic string) error {
	ms.mu.Lock()
	delete(ms.retained, topic)
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) LoadRetained(_ context.Context) ([]*retained.Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	messages := make([]*retained.Message, 0, len(ms.retained))
	for _, msg := range ms.retained {
		messages = append(messages, msg)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Topic < messages[j].Topic })
	return messages, nil
}

// Invoke 无需释放任何资源
func (ms *MemoryStore) Invoke(context.Context) error {
	return nil
}

var (
	_ session.Persistence  = (*MemoryStore)(nil)
	_ retained.Persistence = (*MemoryStore)(nil)
)
