package broker

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/plugin"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/session"
	"go.uber.org/atomic"
)

type clientState int32

const (
	stateDisconnected clientState = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

func (s clientState) String() string {
	switch s {
	case stateDisconnected:
		return "DISCONNECTED"
	case stateConnecting:
		return "CONNECTING"
	case stateConnected:
		return "CONNECTED"
	case stateDisconnecting:
		return "DISCONNECTING"
	}
	return "UNKNOWN"
}

const outboundQueueSize = 256

// client is one network connection. Its read loop runs on the ServeConn goroutine,
// outbound packets are written by a dedicated writer goroutine.
type client struct {
	broker *Broker
	conn   net.Conn
	reader *bufio.Reader
	connID string

	clientID  string
	username  string
	owner     uint64
	session   *session.Session
	keepAlive time.Duration

	state      *atomic.Int32
	abnormal   *atomic.Bool
	kickReason *atomic.Error

	out       chan packet.Packet
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
}

func newClient(b *Broker, conn net.Conn) *client {
	return &client{
		broker:     b,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		connID:     conn.RemoteAddr().String(),
		state:      atomic.NewInt32(int32(stateDisconnected)),
		abnormal:   atomic.NewBool(true),
		kickReason: atomic.NewError(nil),
		out:        make(chan packet.Packet, outboundQueueSize),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
}

func (c *client) ID() string {
	return c.connID
}

func (c *client) Done() <-chan struct{} {
	return c.finished
}

// Kick closes the connection as an abnormal disconnect.
func (c *client) Kick(reason error) {
	c.kickReason.Store(reason)
	c.close()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connID, err)
		}
	})
}

// Send queues p for the writer without blocking.
func (c *client) Send(p packet.Packet) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- p:
		return true
	default:
		return false
	}
}

// write queues p for the writer, waiting for room unless the connection closes.
func (c *client) write(p packet.Packet) bool {
	select {
	case c.out <- p:
		return true
	case <-c.done:
		return false
	}
}

func (c *client) setState(s clientState) {
	previous := clientState(c.state.Swap(int32(s)))
	logger.DebugF("[%s] State %s -> %s", c.logID(), previous, s)
}

func (c *client) logID() string {
	if c.clientID != "" {
		return c.clientID
	}
	return c.connID
}

func (c *client) identity() plugin.Client {
	return plugin.Client{ClientID: c.clientID, Username: c.username}
}

func (c *client) startWorkers() {
	c.workers.Add(2)
	go c.writeLoop()
	go c.retryLoop()
}

func (c *client) writeLoop() {
	defer c.workers.Done()
	stats := c.broker.stats
	for {
		select {
		case <-c.done:
			return
		case p := <-c.out:
			data := p.Encode()
			if err := connection.Send(c.conn, data, c.logID()); err != nil {
				c.close()
				return
			}
			stats.MessagesSent.Inc()
			stats.BytesSent.Add(int64(len(data)))
			if p.Type() == mqtt.PUBLISH {
				stats.PublishSent.Inc()
			}
		}
	}
}

func (c *client) retryLoop() {
	defer c.workers.Done()
	interval := time.Second
	if ri := c.broker.settings.retryInterval; ri > 0 && ri < interval {
		interval = ri
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if resent, dropped := c.session.Retry(now); resent+dropped > 0 {
				logger.DebugF("[%s] Retried %d deliveries, dropped %d", c.clientID, resent, dropped)
				c.broker.stats.PublishDropped.Add(int64(dropped))
			}
		}
	}
}
