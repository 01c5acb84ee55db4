package broker

import (
	"context"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/session"
)

const sysPrefix = "$SYS/broker/"

// expiryJob reclaims persistent sessions that stayed disconnected past session_expiry.
type expiryJob struct {
	broker *Broker
}

func (j *expiryJob) Run() {
	defer recoverJob("session expiry")
	b := j.broker
	expired := b.sessions.ExpireStale(b.ctx, time.Now(), b.settings.sessionExpiry)
	for _, clientID := range expired {
		logger.InfoF("[%s] Session expired", clientID)
	}
}

// sysJob publishes the broker statistics under $SYS/broker.
type sysJob struct {
	broker *Broker
}

func (j *sysJob) Run() {
	defer recoverJob("$SYS publication")
	j.broker.publishSys(time.Now())
}

func recoverJob(name string) {
	if r := recover(); r != nil {
		logger.ErrorF("Scheduled job %s panicked: %v\n%s", name, r, debug.Stack())
	}
}

func (b *Broker) publishSys(now time.Time) {
	connected := int64(b.conns.Count())
	total := int64(b.sessions.Count())
	inflight, subscriptions := 0, 0
	b.sessions.Range(func(sess *session.Session) bool {
		inflight += sess.Inflight()
		subscriptions += sess.SubscriptionCount()
		return true
	})
	b.stats.observeClients(connected)

	values := []struct {
		name  string
		value string
	}{
		{"uptime", strconv.FormatInt(int64(now.Sub(b.started)/time.Second), 10) + " seconds"},
		{"time", now.UTC().Format(time.RFC3339)},
		{"clients/connected", strconv.FormatInt(connected, 10)},
		{"clients/disconnected", strconv.FormatInt(max(total-connected, 0), 10)},
		{"clients/total", strconv.FormatInt(total, 10)},
		{"clients/maximum", strconv.FormatInt(b.stats.ClientsMaximum.Load(), 10)},
		{"messages/received", strconv.FormatInt(b.stats.MessagesReceived.Load(), 10)},
		{"messages/sent", strconv.FormatInt(b.stats.MessagesSent.Load(), 10)},
		{"messages/publish/received", strconv.FormatInt(b.stats.PublishReceived.Load(), 10)},
		{"messages/publish/sent", strconv.FormatInt(b.stats.PublishSent.Load(), 10)},
		{"messages/publish/dropped", strconv.FormatInt(b.stats.PublishDropped.Load(), 10)},
		{"messages/inflight", strconv.Itoa(inflight)},
		{"messages/retained/count", strconv.Itoa(b.retained.Count())},
		{"messages/subscriptions/count", strconv.Itoa(subscriptions)},
		{"load/bytes/received", strconv.FormatInt(b.stats.BytesReceived.Load(), 10)},
		{"load/bytes/sent", strconv.FormatInt(b.stats.BytesSent.Load(), 10)},
	}

	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	for _, v := range values {
		b.publishInternal(ctx, session.Message{Topic: sysPrefix + v.name, Payload: []byte(v.value)})
	}
}
