// Package broker routes MQTT publishes between sessions and runs the per-connection
// lifecycle: CONNECT, keep-alive, will messages, subscriptions and shutdown.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/plugin"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/retained"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/session"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
)

// Version is published retained on $SYS/broker/version.
var Version = "1.0.0"

var (
	ErrServerShutdown = errors.New("server shutting down")
	ErrTakenOver      = errors.New("session taken over by a new connection")
)

type settings struct {
	connectTimeout        time.Duration
	disconnectDelay       time.Duration
	retryInterval         time.Duration
	sessionExpiry         time.Duration
	expirySweep           time.Duration
	sysInterval           time.Duration
	maxConnections        int
	maxPacketSize         int
	publishWillOnShutdown bool
	reauthorize           bool
}

type Broker struct {
	settings settings
	sessions *session.Store
	retained *retained.Store
	plugins  *plugin.Manager
	conns    *connection.Manager
	stats    *Stats
	cron     *cron.Cron

	sessionPersistence  session.Persistence
	retainedPersistence retained.Persistence

	ctx     context.Context
	cancel  context.CancelFunc
	owners  *atomic.Uint64
	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
	started time.Time
}

type Option func(*Broker)

func WithSessionPersistence(p session.Persistence) Option {
	return func(b *Broker) {
		b.sessionPersistence = p
	}
}

func WithRetainedPersistence(p retained.Persistence) Option {
	return func(b *Broker) {
		b.retainedPersistence = p
	}
}

// WithPlugins replaces the plugin chain built from the auth and topic_check sections.
func WithPlugins(m *plugin.Manager) Option {
	return func(b *Broker) {
		b.plugins = m
	}
}

func New(cfg config.Config, options ...Option) (*Broker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		settings: settings{
			connectTimeout:        config.Duration(cfg.Broker.ConnectTimeout),
			disconnectDelay:       config.Duration(cfg.Broker.TimeoutDisconnectDelay),
			retryInterval:         config.Duration(cfg.Broker.RetryInterval),
			sessionExpiry:         config.Duration(cfg.Broker.SessionExpiry),
			expirySweep:           config.Duration(cfg.Broker.ExpirySweep),
			sysInterval:           config.Duration(cfg.Broker.SysInterval),
			maxConnections:        config.Value(cfg.Listeners.MaxConnections),
			maxPacketSize:         cfg.Broker.MaxPacketSize,
			publishWillOnShutdown: cfg.Broker.PublishWillOnShutdown,
			reauthorize:           cfg.Broker.ReauthorizeDelivery,
		},
		conns:  connection.NewManager(),
		stats:  newStats(),
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
		owners: atomic.NewUint64(0),
	}
	for _, option := range options {
		option(b)
	}

	var storeOptions []session.StoreOption
	if b.sessionPersistence != nil {
		storeOptions = append(storeOptions, session.WithPersistence(b.sessionPersistence))
	}
	b.sessions = session.NewStore(session.Options{
		RetryInterval: b.settings.retryInterval,
		MaxRetries:    cfg.Broker.MaxRetries,
		MaxQueued:     config.Value(cfg.Broker.MaxQueuedMessages),
	}, storeOptions...)

	retainedOptions := []retained.Option{retained.WithLimit(cfg.Broker.MaxRetained)}
	if b.retainedPersistence != nil {
		retainedOptions = append(retainedOptions, retained.WithPersistence(b.retainedPersistence))
	}
	b.retained = retained.NewStore(retainedOptions...)

	if b.plugins == nil {
		plugins, err := pluginsFromConfig(cfg)
		if err != nil {
			cancel()
			return nil, err
		}
		b.plugins = plugins
	}
	return b, nil
}

func pluginsFromConfig(cfg config.Config) (*plugin.Manager, error) {
	var authenticators []plugin.Authenticator
	if cfg.Auth.PasswordFile != "" {
		fileAuth, err := plugin.NewFileAuth(cfg.Auth.PasswordFile)
		if err != nil {
			return nil, err
		}
		authenticators = append(authenticators, fileAuth)
	}
	authenticators = append(authenticators, plugin.AnonymousAuth{Allowed: cfg.Auth.AllowAnonymous})

	var filters []plugin.TopicFilter
	if len(cfg.TopicCheck.Taboo) > 0 {
		filters = append(filters, plugin.TopicTaboo{Topics: cfg.TopicCheck.Taboo, Admin: cfg.TopicCheck.TabooAdmin})
	}
	if cfg.TopicCheck.Enabled {
		filters = append(filters, plugin.TopicACL{ACL: cfg.TopicCheck.ACL, PublishACL: cfg.TopicCheck.PublishACL})
	} else {
		filters = append(filters, plugin.AllowAllTopics{})
	}

	return plugin.NewManager(
		plugin.WithAuthenticators(authenticators...),
		plugin.WithTopicFilters(filters...),
		plugin.WithEventHandlers(plugin.EventLogger{}),
		plugin.WithMaxQoS(config.Value(cfg.Broker.MaxQoS)),
		plugin.WithWorkers(cfg.Broker.EventWorkers),
	)
}

// Start loads retained messages and schedules the session expiry sweep and the $SYS publication.
func (b *Broker) Start(ctx context.Context) error {
	b.started = time.Now()
	if err := b.retained.Load(ctx); err != nil {
		return fmt.Errorf("error occured while loading retained messages: %w", err)
	}

	if b.settings.expirySweep > 0 {
		if _, err := b.cron.AddJob(every(b.settings.expirySweep), &expiryJob{broker: b}); err != nil {
			return fmt.Errorf("error occured while scheduling session expiry: %w", err)
		}
	}
	if b.settings.sysInterval > 0 {
		if _, err := b.cron.AddJob(every(b.settings.sysInterval), &sysJob{broker: b}); err != nil {
			return fmt.Errorf("error occured while scheduling $SYS topics: %w", err)
		}
	}
	b.publishInternal(ctx, session.Message{Topic: sysPrefix + "version", Payload: []byte(Version), Retain: true})
	b.cron.Start()
	logger.InfoF("Broker %s started", Version)
	return nil
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// ServeConn runs the lifecycle of one network connection and returns when it is closed.
func (b *Broker) ServeConn(conn net.Conn) {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.active.Add(1)
	b.mu.Unlock()
	defer b.active.Done()

	newClient(b, conn).run()
}

// Shutdown stops the scheduled jobs, closes every connection and saves persistent sessions.
// Wills fire only when publish_will_on_shutdown is set.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	b.mu.Unlock()

	logger.Info("Shutting down broker")
	<-b.cron.Stop().Done()

	b.conns.Range(func(_ string, handle connection.Handle) bool {
		handle.Kick(ErrServerShutdown)
		return true
	})

	done := make(chan struct{})
	go func() {
		b.active.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("connections still open: %w", ctx.Err())
	}

	saved := 0
	b.sessions.Range(func(sess *session.Session) bool {
		if sess.CleanSession {
			return true
		}
		if saveErr := b.sessions.Save(ctx, sess); saveErr != nil {
			logger.ErrorF("[%s] Fail to save session, details: %v", sess.ClientID, saveErr)
			return true
		}
		saved++
		return true
	})
	if b.sessionPersistence != nil {
		logger.InfoF("Saved %d persistent sessions", saved)
	}

	b.cancel()
	if closeErr := b.plugins.Close(ctx); closeErr != nil {
		logger.WarnF("Fail to release event pool, details: %v", closeErr)
	}
	return err
}

// Invoke lets the broker be registered as a shutdown hook.
func (b *Broker) Invoke(ctx context.Context) error {
	return b.Shutdown(ctx)
}

func (b *Broker) Sessions() *session.Store {
	return b.sessions
}

func (b *Broker) Retained() *retained.Store {
	return b.retained
}

func (b *Broker) Stats() *Stats {
	return b.stats
}
