package session

import (
	"errors"
	"sync"
)

var ErrPacketIDExhausted = errors.New("no packet id available")

// PacketIDManager hands out packet ids 1-65535. An id stays reserved until released,
// so it is never reused while its handshake is still running.
type PacketIDManager struct {
	mu        sync.Mutex
	currentID uint16
	inUse     map[uint16]struct{}
}

func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		currentID: 1,
		inUse:     make(map[uint16]struct{}),
	}
}

// NextID returns the next free id.
func (m *PacketIDManager) NextID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.inUse) >= 65535 {
		return 0, ErrPacketIDExhausted
	}
	for {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 {
			m.currentID = 1
		}
		if _, used := m.inUse[id]; !used {
			m.inUse[id] = struct{}{}
			return id, nil
		}
	}
}

// Reserve marks an id restored from persistence as used.
func (m *PacketIDManager) Reserve(id uint16) {
	if id == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inUse[id] = struct{}{}
}

// ReleaseID frees an id once its handshake is complete.
func (m *PacketIDManager) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inUse, id)
}

func (m *PacketIDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inUse)
}
