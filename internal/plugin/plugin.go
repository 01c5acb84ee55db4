// Package plugin evaluates ordered chains of authentication and topic access plugins
// and dispatches broker events to event handlers.
package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"github.com/panjf2000/ants/v2"
)

// Decision is the answer of one plugin. Abstain passes the question to the next plugin.
type Decision byte

const (
	Abstain Decision = iota
	Allow
	Deny
)

func (d Decision) String() string {
	switch d {
	case Abstain:
		return "abstain"
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	}
	return fmt.Sprintf("decision(%d)", byte(d))
}

type Credentials struct {
	ClientID    string
	Username    string
	Password    []byte
	HasUsername bool
	HasPassword bool
	RemoteAddr  string
}

// Client identifies an authenticated connection for access checks.
type Client struct {
	ClientID string
	Username string
}

type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Decision, error)
}

// TopicFilter decides on subscriptions and publishes. On Allow, AuthorizeSubscribe
// also returns the granted QoS.
type TopicFilter interface {
	AuthorizeSubscribe(ctx context.Context, client Client, filter string, qos byte) (Decision, byte, error)
	AuthorizePublish(ctx context.Context, client Client, topic string) (Decision, error)
}

type Manager struct {
	authenticators []Authenticator
	topicFilters   []TopicFilter
	eventHandlers  []EventHandler
	maxQoS         byte
	workers        int
	pool           *ants.Pool
}

type Option func(*Manager)

func WithAuthenticators(authenticators ...Authenticator) Option {
	return func(m *Manager) {
		m.authenticators = append(m.authenticators, authenticators...)
	}
}

func WithTopicFilters(filters ...TopicFilter) Option {
	return func(m *Manager) {
		m.topicFilters = append(m.topicFilters, filters...)
	}
}

func WithEventHandlers(handlers ...EventHandler) Option {
	return func(m *Manager) {
		m.eventHandlers = append(m.eventHandlers, handlers...)
	}
}

// WithMaxQoS caps every granted subscription QoS.
func WithMaxQoS(qos byte) Option {
	return func(m *Manager) {
		m.maxQoS = qos
	}
}

// WithWorkers sizes the pool that runs event handlers.
func WithWorkers(workers int) Option {
	return func(m *Manager) {
		m.workers = workers
	}
}

func NewManager(options ...Option) (*Manager, error) {
	m := &Manager{maxQoS: 2, workers: 64}
	for _, option := range options {
		option(m)
	}
	if m.maxQoS > 2 {
		m.maxQoS = 2
	}
	pool, err := ants.NewPool(m.workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(i interface{}) {
			logger.ErrorF("Event handler panicked: %v", i)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("error occured while creating event pool: %w", err)
	}
	m.pool = pool
	return m, nil
}

// evaluate turns errors and panics of a plugin into Deny.
func evaluate[T any](kind string, p any, call func() (Decision, T, error)) (decision Decision, value T) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("%s plugin %T panicked: %v", kind, p, r)
			decision = Deny
		}
	}()
	decision, value, err := call()
	if err != nil {
		logger.ErrorF("%s plugin %T failed, details: %v", kind, p, err)
		return Deny, value
	}
	return decision, value
}

// Authenticate runs the authenticator chain. Without a definitive Allow the client is refused.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) bool {
	for _, a := range m.authenticators {
		decision, _ := evaluate("auth", a, func() (Decision, struct{}, error) {
			d, err := a.Authenticate(ctx, creds)
			return d, struct{}{}, err
		})
		switch decision {
		case Allow:
			return true
		case Deny:
			logger.DebugF("[%s] Authentication denied by %T", creds.ClientID, a)
			return false
		}
	}
	logger.DebugF("[%s] No authenticator accepted the client", creds.ClientID)
	return false
}

// AuthorizeSubscribe returns the QoS granted for filter, capped by the requested and
// the configured maximum QoS.
func (m *Manager) AuthorizeSubscribe(ctx context.Context, client Client, filter string, qos byte) (byte, bool) {
	for _, f := range m.topicFilters {
		decision, granted := evaluate("topic", f, func() (Decision, byte, error) {
			return f.AuthorizeSubscribe(ctx, client, filter, qos)
		})
		switch decision {
		case Allow:
			return min(granted, qos, m.maxQoS), true
		case Deny:
			return 0, false
		}
	}
	return 0, false
}

func (m *Manager) AuthorizePublish(ctx context.Context, client Client, topic string) bool {
	for _, f := range m.topicFilters {
		decision, _ := evaluate("topic", f, func() (Decision, struct{}, error) {
			d, err := f.AuthorizePublish(ctx, client, topic)
			return d, struct{}{}, err
		})
		switch decision {
		case Allow:
			return true
		case Deny:
			return false
		}
	}
	return false
}

func (m *Manager) MaxQoS() byte {
	return m.maxQoS
}

// Close releases the event pool, waiting for running handlers up to the context deadline.
func (m *Manager) Close(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		m.pool.Release()
		return nil
	}
	return m.pool.ReleaseTimeout(time.Until(deadline))
}
