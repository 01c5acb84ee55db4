package plugin

import (
	"errors"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"github.com/panjf2000/ants/v2"
)

type EventType byte

const (
	ClientConnected EventType = iota
	ClientDisconnected
	ClientSubscribed
	ClientUnsubscribed
	MessageReceived
)

func (e EventType) String() string {
	switch e {
	case ClientConnected:
		return "client_connected"
	case ClientDisconnected:
		return "client_disconnected"
	case ClientSubscribed:
		return "client_subscribed"
	case ClientUnsubscribed:
		return "client_unsubscribed"
	case MessageReceived:
		return "message_received"
	}
	return "unknown"
}

type Event struct {
	Type     EventType
	ClientID string
	Topic    string
	QoS      byte
	Payload  []byte
	// Abnormal is set on ClientDisconnected when the will was due.
	Abnormal bool
	Time     time.Time
}

// EventHandler receives broker events on a pool goroutine. It must not block for long.
type EventHandler interface {
	HandleEvent(ev Event)
}

type EventHandlerFunc func(ev Event)

func (f EventHandlerFunc) HandleEvent(ev Event) {
	f(ev)
}

// EventLogger writes every event to the debug log.
type EventLogger struct{}

func (EventLogger) HandleEvent(ev Event) {
	switch ev.Type {
	case ClientConnected, ClientDisconnected:
		logger.DebugF("[%s] Event %s abnormal=%v", ev.ClientID, ev.Type, ev.Abnormal)
	case MessageReceived:
		logger.DebugF("[%s] Event %s topic=%s qos=%d size=%d", ev.ClientID, ev.Type, ev.Topic, ev.QoS, len(ev.Payload))
	default:
		logger.DebugF("[%s] Event %s topic=%s qos=%d", ev.ClientID, ev.Type, ev.Topic, ev.QoS)
	}
}

// Fire hands the event to every handler asynchronously. Events are dropped when the
// pool is saturated so that packet processing never waits on a handler.
func (m *Manager) Fire(ev Event) {
	if len(m.eventHandlers) == 0 {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	err := m.pool.Submit(func() {
		for _, h := range m.eventHandlers {
			m.handle(h, ev)
		}
	})
	switch {
	case err == nil:
	case errors.Is(err, ants.ErrPoolOverload):
		logger.WarnF("[%s] Event pool overloaded, dropping %s event", ev.ClientID, ev.Type)
	case errors.Is(err, ants.ErrPoolClosed):
		logger.DebugF("[%s] Event pool closed, dropping %s event", ev.ClientID, ev.Type)
	default:
		logger.ErrorF("[%s] Fail to submit %s event, details: %v", ev.ClientID, ev.Type, err)
	}
}

// handle isolates one handler so that its panic does not skip the others.
func (m *Manager) handle(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("Event handler %T panicked on %s: %v", h, ev.Type, r)
		}
	}()
	h.HandleEvent(ev)
}
