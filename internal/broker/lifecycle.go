package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/plugin"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/session"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/topic"
)

var (
	errClientDisconnect = errors.New("client sent DISCONNECT")
	errDuplicateConnect = errors.New("duplicate CONNECT packet")
)

const takeoverWait = 5 * time.Second

// maxConnectSize is the largest valid CONNECT body: the fixed variable header plus five
// length-prefixed fields of at most 65535 bytes each.
const maxConnectSize = 10 + 5*(2+65535)

// firstPacketLimit bounds the packet read before the client is authenticated.
func firstPacketLimit(maxPacketSize int) int {
	if maxPacketSize <= 0 {
		return maxConnectSize
	}
	return min(maxPacketSize, maxConnectSize)
}

func (c *client) run() {
	defer c.finish()

	if !c.handleFirstPacket() {
		return
	}
	c.handlePacket()
}

// handleFirstPacket reads the CONNECT packet and either accepts the client or writes the
// refusing CONNACK. It reports whether the connection proceeds.
func (c *client) handleFirstPacket() bool {
	b := c.broker
	c.setState(stateConnecting)

	_ = c.conn.SetReadDeadline(time.Now().Add(b.settings.connectTimeout))
	raw, err := mqtt.ReadPacket(c.reader, firstPacketLimit(b.settings.maxPacketSize))
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", c.connID, err)
		return false
	}
	c.countReceived(raw)

	if raw.Header.Type != mqtt.CONNECT {
		logger.ErrorF("[%s] Invalid first packet type, expected %s packet, but got %s packet", c.connID, mqtt.CONNECT, raw.Header.Type)
		return false
	}

	decoded, err := packet.Decode(raw)
	if errors.Is(err, packet.ErrUnacceptableProtocol) {
		logger.WarnF("[%s] Unsupported protocol level %d", c.connID, decoded.(*packet.Connect).ProtocolLevel)
		c.refuse(packet.UnacceptableProtocol)
		return false
	}
	if err != nil {
		logger.ErrorF("[%s] Fail to parse CONNECT packet, details: %v", c.connID, err)
		return false
	}
	connect := decoded.(*packet.Connect)
	flags := connect.ConnectFlag

	c.clientID = connect.ClientID
	if c.clientID == "" {
		if !flags.CleanSession {
			logger.WarnF("[%s] Empty client id requires a clean session", c.connID)
			c.refuse(packet.IdentifierRejected)
			return false
		}
		c.clientID = "auto-" + uuid.NewString()
	}

	var will *session.Will
	if flags.WillMessageFlag {
		if err := topic.ValidateName(connect.WillTopic); err != nil {
			logger.ErrorF("[%s] Invalid will topic %q, details: %v", c.clientID, connect.WillTopic, err)
			return false
		}
		will = &session.Will{
			Topic:   connect.WillTopic,
			Payload: connect.WillPayload,
			QoS:     flags.WillQoS,
			Retain:  flags.WillRetain,
		}
	}

	previous, exists := b.conns.Get(c.clientID)
	if !exists && b.settings.maxConnections > 0 && b.conns.Count() >= b.settings.maxConnections {
		logger.WarnF("[%s] Connection limit %d reached", c.clientID, b.settings.maxConnections)
		c.refuse(packet.ServerUnavailable)
		return false
	}

	if !b.plugins.Authenticate(b.ctx, plugin.Credentials{
		ClientID:    c.clientID,
		Username:    connect.Username,
		Password:    connect.Password,
		HasUsername: flags.UsernameFlag,
		HasPassword: flags.PasswordFlag,
		RemoteAddr:  c.connID,
	}) {
		logger.WarnF("[%s] Authentication failed", c.clientID)
		c.refuse(packet.NotAuthorized)
		return false
	}
	c.username = connect.Username

	if exists {
		logger.InfoF("[%s] Taking over connection %s", c.clientID, previous.ID())
		previous.Kick(ErrTakenOver)
		select {
		case <-previous.Done():
		case <-time.After(takeoverWait):
			logger.WarnF("[%s] Previous connection %s did not close in time", c.clientID, previous.ID())
		}
	}

	sess, present, err := b.sessions.GetOrCreate(b.ctx, c.clientID, flags.CleanSession)
	if err != nil {
		logger.ErrorF("[%s] Fail to load session, details: %v", c.clientID, err)
		c.refuse(packet.ServerUnavailable)
		return false
	}
	c.session = sess
	c.owner = b.owners.Inc()
	sess.SetWill(will)
	sess.SetUsername(c.username)

	if racer, replaced := b.conns.Swap(c.clientID, c); replaced {
		racer.Kick(ErrTakenOver)
	}
	b.stats.observeClients(int64(b.conns.Count()))

	c.keepAlive = time.Duration(connect.KeepAlive) * time.Second
	if c.keepAlive == 0 {
		logger.DebugF("[%s] Keep alive set to 0, heartbeat disable", c.clientID)
	}

	c.setState(stateConnected)
	c.startWorkers()
	if !c.write(packet.NewConnectAckPacket(present, packet.Accepted)) {
		return false
	}
	sess.Attach(c, c.owner)
	logger.InfoF("[%s] Connected from %s, clean=%v present=%v keepalive=%s", c.clientID, c.connID, flags.CleanSession, present, c.keepAlive)
	b.plugins.Fire(plugin.Event{Type: plugin.ClientConnected, ClientID: c.clientID})
	return true
}

// refuse writes a refusing CONNACK directly to the connection.
func (c *client) refuse(code packet.ConnectRespType) {
	data := packet.NewConnectAckPacket(false, code).Encode()
	if err := connection.Send(c.conn, data, c.connID); err == nil {
		c.broker.stats.MessagesSent.Inc()
		c.broker.stats.BytesSent.Add(int64(len(data)))
	}
	logger.InfoF("[%s] Connection refused: %s", c.connID, code)
}

func (c *client) handlePacket() {
	b := c.broker
	for {
		c.setKeepAliveDeadline()

		raw, err := mqtt.ReadPacket(c.reader, b.settings.maxPacketSize)
		if err != nil {
			if reason := c.kickReason.Load(); reason != nil {
				logger.InfoF("[%s] Connection closed: %v", c.clientID, reason)
			} else {
				connection.HandleReadError(c.clientID, err)
			}
			return
		}
		c.countReceived(raw)
		c.session.Touch(time.Now())

		decoded, err := packet.Decode(raw)
		if err != nil {
			logger.ErrorF("[%s] Fail to decode %s packet, details: %v", c.clientID, raw.Header.Type, err)
			return
		}
		logger.DebugF("[%s] Receive %s packet", c.clientID, decoded.Type())

		if err := c.handle(decoded); err != nil {
			if errors.Is(err, errClientDisconnect) {
				logger.InfoF("[%s] Client disconnect", c.clientID)
				c.abnormal.Store(false)
			} else {
				logger.ErrorF("[%s] Protocol violation, details: %v", c.clientID, err)
			}
			return
		}
	}
}

// setKeepAliveDeadline allows one and a half keep-alive periods between packets.
func (c *client) setKeepAliveDeadline() {
	if c.keepAlive == 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
		return
	}
	timeout := c.keepAlive*3/2 + c.broker.settings.disconnectDelay
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
}

func (c *client) countReceived(raw *mqtt.Packet) {
	stats := c.broker.stats
	stats.MessagesReceived.Inc()
	stats.BytesReceived.Add(int64(1 + len(mqtt.EncodeRemainingLength(raw.Header.RemainingLength)) + raw.Header.RemainingLength))
	if raw.Header.Type == mqtt.PUBLISH {
		stats.PublishReceived.Inc()
	}
}

func (c *client) handle(p packet.Packet) error {
	switch p := p.(type) {
	case *packet.Connect:
		return errDuplicateConnect
	case *packet.Publish:
		return c.handlePublish(p)
	case *packet.Ack:
		return c.handleAck(p)
	case *packet.Subscribe:
		c.handleSubscribe(p)
	case *packet.Unsubscribe:
		for _, filter := range p.TopicFilters {
			if c.session.Unsubscribe(filter) {
				c.broker.plugins.Fire(plugin.Event{Type: plugin.ClientUnsubscribed, ClientID: c.clientID, Topic: filter})
			}
		}
		c.write(packet.NewUnSubAckPacket(p.PacketID))
	case *packet.Pingreq:
		c.write(packet.NewPingRespPacket())
	case *packet.Disconnect:
		return errClientDisconnect
	default:
		return fmt.Errorf("unexpected %s packet from client", p.Type())
	}
	return nil
}

func (c *client) handlePublish(p *packet.Publish) error {
	if err := topic.ValidateName(p.TopicName); err != nil {
		return fmt.Errorf("PUBLISH topic %q: %w", p.TopicName, err)
	}
	deliver, resp, err := c.session.ReceivePublish(p)
	if err != nil {
		return err
	}
	if deliver {
		msg := session.Message{
			Topic:   p.TopicName,
			Payload: p.Payload,
			QoS:     p.PacketFlag.QoS,
			Retain:  p.PacketFlag.Retain,
		}
		if err := c.broker.Publish(c.broker.ctx, c.identity(), msg); err == nil {
			c.broker.plugins.Fire(plugin.Event{
				Type:     plugin.MessageReceived,
				ClientID: c.clientID,
				Topic:    p.TopicName,
				QoS:      p.PacketFlag.QoS,
				Payload:  p.Payload,
			})
		}
	}
	if resp != nil {
		c.write(resp)
	}
	return nil
}

func (c *client) handleAck(p *packet.Ack) error {
	var err error
	switch p.PacketType {
	case mqtt.PUBACK:
		err = c.session.HandlePuback(p.PacketID)
	case mqtt.PUBREC:
		err = c.session.HandlePubrec(p.PacketID)
	case mqtt.PUBCOMP:
		err = c.session.HandlePubcomp(p.PacketID)
	case mqtt.PUBREL:
		c.write(c.session.ReceivePubrel(p.PacketID))
	default:
		return fmt.Errorf("unexpected %s packet from client", p.PacketType)
	}
	if err != nil {
		// late acknowledgements after a retry limit or takeover are harmless
		logger.WarnF("[%s] Ignoring acknowledgement, details: %v", c.clientID, err)
	}
	return nil
}

func (c *client) handleSubscribe(p *packet.Subscribe) {
	b := c.broker
	codes := make([]packet.SubscribeState, len(p.Subscriptions))
	granted := make([]byte, len(p.Subscriptions))
	for i, sub := range p.Subscriptions {
		if err := topic.ValidateFilter(sub.TopicFilter); err != nil {
			logger.WarnF("[%s] Invalid topic filter %q, details: %v", c.clientID, sub.TopicFilter, err)
			codes[i] = packet.Failure
			continue
		}
		qos, ok := b.plugins.AuthorizeSubscribe(b.ctx, c.identity(), sub.TopicFilter, sub.QoS)
		if !ok {
			logger.WarnF("[%s] Subscription to %s not authorized", c.clientID, sub.TopicFilter)
			codes[i] = packet.Failure
			continue
		}
		c.session.Subscribe(sub.TopicFilter, qos)
		codes[i] = packet.SubscribeState(qos)
		granted[i] = qos
		b.plugins.Fire(plugin.Event{Type: plugin.ClientSubscribed, ClientID: c.clientID, Topic: sub.TopicFilter, QoS: qos})
	}
	if !c.write(packet.NewSubAckPacket(p.PacketID, codes)) {
		return
	}

	// overlapping filters of one SUBSCRIBE get each retained message once, at the highest grant
	var order []string
	matched := make(map[string]session.Message)
	for i, sub := range p.Subscriptions {
		if codes[i] == packet.Failure {
			continue
		}
		for _, msg := range b.retained.MatchAll(sub.TopicFilter) {
			qos := min(msg.QoS, granted[i])
			prev, seen := matched[msg.Topic]
			if !seen {
				order = append(order, msg.Topic)
			} else if prev.QoS >= qos {
				continue
			}
			matched[msg.Topic] = session.Message{Topic: msg.Topic, Payload: msg.Payload, QoS: qos, Retain: true}
		}
	}
	for _, name := range order {
		b.deliver(c.session, matched[name])
	}
}

// finish releases everything the connection holds: it publishes the will of an abnormal
// disconnect, unregisters the connection and drops or saves the session.
func (c *client) finish() {
	b := c.broker
	if clientState(c.state.Load()) != stateDisconnected {
		c.setState(stateDisconnecting)
	}
	c.close()
	c.workers.Wait()

	if c.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		abnormal := c.abnormal.Load()
		if c.session.Detach(c.owner) {
			will := c.session.TakeWill()
			if will != nil && abnormal && c.willAllowed() {
				logger.InfoF("[%s] Publishing will to %s", c.clientID, will.Topic)
				b.publishInternal(ctx, session.Message{Topic: will.Topic, Payload: will.Payload, QoS: will.QoS, Retain: will.Retain})
			}
			if c.session.CleanSession {
				b.sessions.DestroySession(ctx, c.session)
			} else if err := b.sessions.Save(ctx, c.session); err != nil {
				logger.ErrorF("[%s] Fail to save session, details: %v", c.clientID, err)
			}
		}
		b.conns.RemoveIf(c.clientID, c)
		b.plugins.Fire(plugin.Event{Type: plugin.ClientDisconnected, ClientID: c.clientID, Abnormal: abnormal})
	}

	c.setState(stateDisconnected)
	logger.DebugF("[%s] Connection closed", c.connID)
	close(c.finished)
}

func (c *client) willAllowed() bool {
	if errors.Is(c.kickReason.Load(), ErrServerShutdown) {
		return c.broker.settings.publishWillOnShutdown
	}
	return true
}
