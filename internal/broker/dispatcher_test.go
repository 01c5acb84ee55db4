package broker

import (
	"context"
	"testing"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/plugin"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offlineSession(t *testing.T, b *Broker, clientID string, filters map[string]byte) *session.Session {
	t.Helper()
	sess, _, err := b.sessions.GetOrCreate(context.Background(), clientID, false)
	require.NoError(t, err)
	for filter, qos := range filters {
		sess.Subscribe(filter, qos)
	}
	return sess
}

func TestPublishQueuesForOfflineSessions(t *testing.T) {
	b := newTestBroker(t, nil)
	a := offlineSession(t, b, "a", map[string]byte{"home/#": 2, "home/+/light": 1})
	other := offlineSession(t, b, "other", map[string]byte{"office/#": 2})

	publisher := plugin.Client{ClientID: "p"}
	require.NoError(t, b.Publish(context.Background(), publisher, session.Message{Topic: "home/kitchen/light", Payload: []byte("on"), QoS: 1}))
	require.NoError(t, b.Publish(context.Background(), publisher, session.Message{Topic: "home/kitchen/light", Payload: []byte("off")}))

	pending := a.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, byte(1), pending[0].Message.QoS)
	assert.Equal(t, []byte("on"), pending[0].Message.Payload)
	assert.Zero(t, other.Inflight())
}

func TestPublishRejections(t *testing.T) {
	b := newTestBroker(t, func(cfg *config.Config) {
		cfg.TopicCheck = config.TopicCheck{
			Enabled:    true,
			ACL:        map[string][]string{"anonymous": {"#"}},
			PublishACL: map[string][]string{"anonymous": {"public/#"}},
		}
	})
	sess := offlineSession(t, b, "s", map[string]byte{"#": 1})
	client := plugin.Client{ClientID: "p"}

	assert.ErrorIs(t, b.Publish(context.Background(), client, session.Message{Topic: "$SYS/x", QoS: 1}), ErrSystemTopic)
	assert.ErrorIs(t, b.Publish(context.Background(), client, session.Message{Topic: "private/x", QoS: 1, Retain: true, Payload: []byte("x")}), ErrNotAuthorized)
	assert.Zero(t, sess.Inflight())
	assert.Zero(t, b.retained.Count())

	require.NoError(t, b.Publish(context.Background(), client, session.Message{Topic: "public/x", QoS: 1}))
	assert.Equal(t, 1, sess.Inflight())
	assert.Equal(t, int64(2), b.stats.PublishDropped.Load())
}

func TestReauthorizeDelivery(t *testing.T) {
	b := newTestBroker(t, func(cfg *config.Config) {
		cfg.Broker.ReauthorizeDelivery = true
		cfg.TopicCheck = config.TopicCheck{
			Enabled: true,
			ACL:     map[string][]string{"anonymous": {"allowed/#"}},
		}
	})
	sess := offlineSession(t, b, "s", map[string]byte{"#": 1})

	client := plugin.Client{ClientID: "p"}
	require.NoError(t, b.Publish(context.Background(), client, session.Message{Topic: "allowed/x", QoS: 1}))
	require.NoError(t, b.Publish(context.Background(), client, session.Message{Topic: "denied/x", QoS: 1}))

	pending := sess.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "allowed/x", pending[0].Message.Topic)
}

func TestInternalPublishSkipsChecks(t *testing.T) {
	b := newTestBroker(t, nil)
	sess := offlineSession(t, b, "s", map[string]byte{"$SYS/#": 1})
	b.publishInternal(context.Background(), session.Message{Topic: "$SYS/broker/test", Payload: []byte("1"), QoS: 1, Retain: true})

	assert.Equal(t, 1, sess.Inflight())
	msg, ok := b.retained.Get("$SYS/broker/test")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), msg.Payload)
}

func TestExpiryJob(t *testing.T) {
	b := newTestBroker(t, func(cfg *config.Config) { cfg.Broker.SessionExpiry = "0s" })
	offlineSession(t, b, "stale", nil)
	(&expiryJob{broker: b}).Run()
	_, ok := b.sessions.Get("stale")
	assert.False(t, ok)
}
