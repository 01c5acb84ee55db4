// Package connection 管理每个客户端ID对应的在线连接
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"go.uber.org/atomic"
)

// Handle 在线的客户端连接
type Handle interface {
	ID() string
	// Kick 从外部关闭连接
	Kick(reason error)
	// Done 连接释放会话后关闭
	Done() <-chan struct{}
}

// Manager 客户端ID到连接的映射，每个客户端ID最多一个连接
type Manager struct {
	connections sync.Map
	count       *atomic.Int64
}

func NewManager() *Manager {
	return &Manager{count: atomic.NewInt64(0)}
}

// Swap 注册连接，返回被替换的旧连接
func (cm *Manager) Swap(clientID string, handle Handle) (Handle, bool) {
	previous, loaded := cm.connections.Swap(clientID, handle)
	if !loaded {
		cm.count.Inc()
		logger.InfoF("Client %s connected", clientID)
		return nil, false
	}
	logger.InfoF("Client %s connected, taking over %s", clientID, previous.(Handle).ID())
	return previous.(Handle), true
}

// RemoveIf 仅当 handle 仍是当前连接时注销
func (cm *Manager) RemoveIf(clientID string, handle Handle) bool {
	if !cm.connections.CompareAndDelete(clientID, handle) {
		return false
	}
	cm.count.Dec()
	logger.InfoF("Client %s disconnected", clientID)
	return true
}

func (cm *Manager) Get(clientID string) (Handle, bool) {
	if value, ok := cm.connections.Load(clientID); ok {
		return value.(Handle), true
	}
	return nil, false
}

func (cm *Manager) Range(fn func(clientID string, handle Handle) bool) {
	cm.connections.Range(func(key, value any) bool {
		return fn(key.(string), value.(Handle))
	})
}

func (cm *Manager) Count() int {
	return int(cm.count.Load())
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case errors.Is(err, net.ErrClosed):
		logger.DebugF("[%s] Connection closed while reading", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
