// Package retained keeps the last retained message of every topic.
package retained

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/topic"
	"go.uber.org/atomic"
)

var ErrStoreFull = errors.New("retained message limit reached")

type Message struct {
	Topic     string    `bson:"topic"`
	Payload   []byte    `bson:"payload"`
	QoS       byte      `bson:"qos"`
	Timestamp time.Time `bson:"timestamp"`
}

// Persistence mirrors retained messages outside the process.
type Persistence interface {
	SaveRetained(ctx context.Context, msg *Message) error
	DeleteRetained(ctx context.Context, topic string) error
	LoadRetained(ctx context.Context) ([]*Message, error)
}

type Store struct {
	messages    sync.Map
	count       *atomic.Int64
	max         int
	persistence Persistence
}

type Option func(*Store)

// WithLimit bounds the number of retained topics, 0 means unbounded.
func WithLimit(max int) Option {
	return func(s *Store) {
		s.max = max
	}
}

func WithPersistence(p Persistence) Option {
	return func(s *Store) {
		s.persistence = p
	}
}

func NewStore(options ...Option) *Store {
	s := &Store{count: atomic.NewInt64(0)}
	for _, option := range options {
		option(s)
	}
	return s
}

// Put replaces the retained message of topicName. An empty payload deletes it.
func (s *Store) Put(ctx context.Context, topicName string, payload []byte, qos byte) error {
	if len(payload) == 0 {
		if _, loaded := s.messages.LoadAndDelete(topicName); loaded {
			s.count.Dec()
			logger.DebugF("Retained message on %s cleared", topicName)
		}
		if s.persistence != nil {
			if err := s.persistence.DeleteRetained(ctx, topicName); err != nil {
				logger.ErrorF("Fail to delete persisted retained message on %s, details: %v", topicName, err)
			}
		}
		return nil
	}

	if s.max > 0 && s.count.Load() >= int64(s.max) {
		if _, exists := s.messages.Load(topicName); !exists {
			return ErrStoreFull
		}
	}

	msg := &Message{
		Topic:     topicName,
		Payload:   append([]byte(nil), payload...),
		QoS:       qos,
		Timestamp: time.Now(),
	}
	if _, loaded := s.messages.Swap(topicName, msg); !loaded {
		s.count.Inc()
	}
	if s.persistence != nil {
		if err := s.persistence.SaveRetained(ctx, msg); err != nil {
			logger.ErrorF("Fail to persist retained message on %s, details: %v", topicName, err)
		}
	}
	return nil
}

func (s *Store) Get(topicName string) (*Message, bool) {
	value, ok := s.messages.Load(topicName)
	if !ok {
		return nil, false
	}
	return value.(*Message), true
}

// MatchAll returns the retained messages whose topic matches filter, ordered by topic.
func (s *Store) MatchAll(filter string) []*Message {
	var result []*Message
	s.messages.Range(func(key, value any) bool {
		if topic.Match(filter, key.(string)) {
			result = append(result, value.(*Message))
		}
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result
}

func (s *Store) Count() int {
	return int(s.count.Load())
}

// Load fills the store from persistence.
func (s *Store) Load(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}
	messages, err := s.persistence.LoadRetained(ctx)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if len(msg.Payload) == 0 {
			continue
		}
		if _, loaded := s.messages.Swap(msg.Topic, msg); !loaded {
			s.count.Inc()
		}
	}
	logger.InfoF("Loaded %d retained messages", len(messages))
	return nil
}
