package broker

import (
	"context"
	"errors"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/plugin"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/retained"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/session"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/topic"
)

var (
	ErrSystemTopic   = errors.New("clients may not publish to $ topics")
	ErrNotAuthorized = errors.New("publish not authorized")
)

// Publish routes a message received from a client. Messages to $ topics and messages
// the topic filters deny are dropped and reported through the error.
func (b *Broker) Publish(ctx context.Context, origin plugin.Client, msg session.Message) error {
	if topic.IsSystem(msg.Topic) {
		b.stats.PublishDropped.Inc()
		logger.WarnF("[%s] Dropping publish to system topic %s", origin.ClientID, msg.Topic)
		return ErrSystemTopic
	}
	if !b.plugins.AuthorizePublish(ctx, origin, msg.Topic) {
		b.stats.PublishDropped.Inc()
		logger.WarnF("[%s] Publish to %s not authorized", origin.ClientID, msg.Topic)
		return ErrNotAuthorized
	}
	b.route(ctx, msg)
	return nil
}

// publishInternal routes broker originated messages, $SYS topics and wills, without checks.
func (b *Broker) publishInternal(ctx context.Context, msg session.Message) {
	b.route(ctx, msg)
}

// route updates the retained store and hands msg to every session with a matching
// subscription, once per session at the highest granted QoS.
func (b *Broker) route(ctx context.Context, msg session.Message) {
	if msg.Retain {
		if err := b.retained.Put(ctx, msg.Topic, msg.Payload, msg.QoS); err != nil {
			if errors.Is(err, retained.ErrStoreFull) {
				logger.WarnF("Retained store full, not retaining %s", msg.Topic)
			} else {
				logger.ErrorF("Fail to retain %s, details: %v", msg.Topic, err)
			}
		}
	}

	b.sessions.Range(func(sess *session.Session) bool {
		granted, ok := sess.MatchQoS(msg.Topic)
		if !ok {
			return true
		}
		// grants restored from storage may predate a lower max_qos
		qos := min(msg.QoS, granted, b.plugins.MaxQoS())
		if b.settings.reauthorize {
			client := plugin.Client{ClientID: sess.ClientID, Username: sess.Username()}
			allowed, ok := b.plugins.AuthorizeSubscribe(ctx, client, msg.Topic, qos)
			if !ok {
				logger.DebugF("[%s] Delivery of %s no longer authorized", sess.ClientID, msg.Topic)
				return true
			}
			qos = allowed
		}
		b.deliver(sess, session.Message{Topic: msg.Topic, Payload: msg.Payload, QoS: qos})
		return true
	})
}

func (b *Broker) deliver(sess *session.Session, msg session.Message) {
	err := sess.Deliver(msg)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrOffline):
	case errors.Is(err, session.ErrQueueFull):
		b.stats.PublishDropped.Inc()
		logger.WarnF("[%s] Queue full, dropping QoS %d message on %s", sess.ClientID, msg.QoS, msg.Topic)
	default:
		b.stats.PublishDropped.Inc()
		logger.ErrorF("[%s] Fail to deliver message on %s, details: %v", sess.ClientID, msg.Topic, err)
	}
}
