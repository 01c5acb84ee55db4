// Package session keeps per-client MQTT state: subscriptions, in-flight QoS 1/2
// handshakes in both directions and the will message.
package session

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/topic"
)

var (
	ErrUnknownPacketID = errors.New("unknown packet id")
	ErrPacketIDInUse   = errors.New("packet id is still in use")
	ErrQueueFull       = errors.New("outbound queue is full")
	ErrOffline         = errors.New("session is offline")
)

// Message is an application message routed to a session.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Sink is the transport of the connection currently attached to a session.
// Send must not block; it reports false when the packet could not be queued.
type Sink interface {
	Send(p packet.Packet) bool
}

type Options struct {
	RetryInterval time.Duration
	// MaxRetries bounds retransmissions of one delivery, 0 means unbounded.
	MaxRetries int
	// MaxQueued bounds in-flight QoS 1/2 deliveries, 0 means unbounded.
	MaxQueued int
}

type Session struct {
	ClientID     string
	CleanSession bool

	opts *Options

	mu            sync.Mutex
	subscriptions map[string]byte
	outbound      map[uint16]*PendingDelivery
	inbound       map[uint16]ReceivedState
	acked         map[uint16]uint64
	ids           *PacketIDManager
	seq           uint64
	will          *Will
	username      string
	sink          Sink
	owner         uint64
	lastActivity  time.Time
}

func newSession(clientID string, clean bool, opts *Options) *Session {
	if opts == nil {
		opts = &Options{}
	}
	return &Session{
		ClientID:      clientID,
		CleanSession:  clean,
		opts:          opts,
		subscriptions: make(map[string]byte),
		outbound:      make(map[uint16]*PendingDelivery),
		inbound:       make(map[uint16]ReceivedState),
		acked:         make(map[uint16]uint64),
		ids:           NewPacketIDManager(),
		lastActivity:  time.Now(),
	}
}

// New creates a detached session that is not registered in any store.
func New(clientID string, clean bool, opts Options) *Session {
	return newSession(clientID, clean, &opts)
}

// Attach binds a connection to the session and replays every in-flight outbound
// delivery in the order it was queued. owner identifies the connection for Detach.
func (s *Session) Attach(sink Sink, owner uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sink = sink
	s.owner = owner
	s.lastActivity = time.Now()
	// a client only retransmits an unacknowledged QoS 1 PUBLISH on the same connection
	clear(s.acked)

	now := time.Now()
	for _, pd := range s.pendingInOrder() {
		s.transmit(pd, now)
	}
}

// Detach unbinds the connection identified by owner. It reports false when another
// connection has taken the session over in the meantime.
func (s *Session) Detach(owner uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return false
	}
	s.sink = nil
	s.owner = 0
	s.lastActivity = time.Now()
	return true
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) SetWill(will *Will) {
	s.mu.Lock()
	s.will = will
	s.mu.Unlock()
}

// TakeWill returns the will and clears it so that it fires at most once.
func (s *Session) TakeWill() *Will {
	s.mu.Lock()
	defer s.mu.Unlock()
	will := s.will
	s.will = nil
	return will
}

// SetUsername records the username of the connection that owns the session.
func (s *Session) SetUsername(username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Subscribe records a granted filter. It reports whether the filter replaced an existing one.
func (s *Session) Subscribe(filter string, qos byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.subscriptions[filter]
	s.subscriptions[filter] = qos
	return exists
}

func (s *Session) Unsubscribe(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.subscriptions[filter]
	delete(s.subscriptions, filter)
	return exists
}

func (s *Session) Subscriptions() map[string]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]byte, len(s.subscriptions))
	for filter, qos := range s.subscriptions {
		result[filter] = qos
	}
	return result
}

func (s *Session) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// MatchQoS returns the highest granted QoS among the filters matching topic.
func (s *Session) MatchQoS(name string) (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best    byte
		matched bool
	)
	for filter, qos := range s.subscriptions {
		if topic.Match(filter, name) {
			if !matched || qos > best {
				best = qos
			}
			matched = true
		}
	}
	return best, matched
}

// Inflight returns the number of outbound deliveries not yet completed.
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound)
}

func (s *Session) pendingInOrder() []*PendingDelivery {
	pending := make([]*PendingDelivery, 0, len(s.outbound))
	for _, pd := range s.outbound {
		pending = append(pending, pd)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	return pending
}

func digest(topicName string, payload []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(topicName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return h.Sum64()
}
