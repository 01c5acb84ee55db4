package session

import (
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/packet"
)

// DeliveryState is the progress of an outbound QoS 1/2 delivery.
type DeliveryState byte

const (
	StatePublished DeliveryState = iota
	StateAwaitPuback
	StateAwaitPubrec
	StateAwaitPubcomp
)

func (s DeliveryState) String() string {
	switch s {
	case StatePublished:
		return "PUBLISHED"
	case StateAwaitPuback:
		return "AWAIT_PUBACK"
	case StateAwaitPubrec:
		return "AWAIT_PUBREC"
	case StateAwaitPubcomp:
		return "AWAIT_PUBCOMP"
	}
	return "UNKNOWN"
}

// ReceivedState is the progress of an inbound QoS 2 publish.
type ReceivedState byte

const (
	AwaitPubrel ReceivedState = iota
	Released
)

// PendingDelivery is an outbound QoS 1/2 message waiting for its handshake to complete.
// StatePublished means it has been queued but never handed to a transport.
type PendingDelivery struct {
	PacketID   uint16
	Message    Message
	State      DeliveryState
	RetryCount int
	LastSent   time.Time
	seq        uint64
}

func (pd *PendingDelivery) publish(dup bool) *packet.Publish {
	return &packet.Publish{
		PacketFlag: packet.PublishPacketFlag{Dup: dup, QoS: pd.Message.QoS, Retain: pd.Message.Retain},
		TopicName:  pd.Message.Topic,
		PacketID:   pd.PacketID,
		Payload:    pd.Message.Payload,
	}
}

// Deliver hands a message at its effective QoS to the session. QoS 0 goes straight to
// the transport and is dropped when the session is offline. QoS 1/2 is tracked until
// acknowledged and replayed on the next Attach when no transport is bound.
func (s *Session) Deliver(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.QoS == 0 {
		if s.sink == nil {
			return ErrOffline
		}
		if !s.sink.Send(&packet.Publish{
			PacketFlag: packet.PublishPacketFlag{Retain: msg.Retain},
			TopicName:  msg.Topic,
			Payload:    msg.Payload,
		}) {
			return ErrQueueFull
		}
		return nil
	}

	if s.opts.MaxQueued > 0 && len(s.outbound) >= s.opts.MaxQueued {
		return ErrQueueFull
	}
	id, err := s.ids.NextID()
	if err != nil {
		return err
	}
	s.seq++
	pd := &PendingDelivery{PacketID: id, Message: msg, State: StatePublished, seq: s.seq}
	s.outbound[id] = pd
	s.transmit(pd, time.Now())
	return nil
}

// transmit sends the packet matching the delivery state: the first PUBLISH, a
// DUP PUBLISH while waiting for PUBACK/PUBREC, or PUBREL while waiting for PUBCOMP.
func (s *Session) transmit(pd *PendingDelivery, now time.Time) bool {
	if s.sink == nil {
		return false
	}
	var p packet.Packet
	switch pd.State {
	case StatePublished:
		p = pd.publish(false)
	case StateAwaitPuback, StateAwaitPubrec:
		p = pd.publish(true)
	case StateAwaitPubcomp:
		p = packet.NewPubRelPacket(pd.PacketID)
	}
	if !s.sink.Send(p) {
		return false
	}
	if pd.State == StatePublished {
		if pd.Message.QoS == 1 {
			pd.State = StateAwaitPuback
		} else {
			pd.State = StateAwaitPubrec
		}
	}
	pd.LastSent = now
	return true
}

func (s *Session) complete(pd *PendingDelivery) {
	delete(s.outbound, pd.PacketID)
	s.ids.ReleaseID(pd.PacketID)
}

func (s *Session) HandlePuback(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pd, ok := s.outbound[id]
	if !ok || pd.Message.QoS != 1 {
		return fmt.Errorf("%w: PUBACK %d", ErrUnknownPacketID, id)
	}
	s.complete(pd)
	return nil
}

// HandlePubrec moves a QoS 2 delivery to AWAIT_PUBCOMP and sends PUBREL. A repeated
// PUBREC sends PUBREL again.
func (s *Session) HandlePubrec(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pd, ok := s.outbound[id]
	if !ok || pd.Message.QoS != 2 {
		return fmt.Errorf("%w: PUBREC %d", ErrUnknownPacketID, id)
	}
	if pd.State != StateAwaitPubcomp {
		pd.State = StateAwaitPubcomp
		pd.RetryCount = 0
	}
	s.transmit(pd, time.Now())
	return nil
}

func (s *Session) HandlePubcomp(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pd, ok := s.outbound[id]
	if !ok || pd.State != StateAwaitPubcomp {
		return fmt.Errorf("%w: PUBCOMP %d", ErrUnknownPacketID, id)
	}
	s.complete(pd)
	return nil
}

// Retry retransmits deliveries unacknowledged for longer than the retry interval and
// sends deliveries that were queued while the transport was full. Deliveries that
// exhausted MaxRetries are discarded.
func (s *Session) Retry(now time.Time) (resent int, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil {
		return 0, 0
	}

	for _, pd := range s.pendingInOrder() {
		if pd.State == StatePublished {
			if s.transmit(pd, now) {
				resent++
			}
			continue
		}
		if now.Sub(pd.LastSent) < s.opts.RetryInterval {
			continue
		}
		if s.opts.MaxRetries > 0 && pd.RetryCount >= s.opts.MaxRetries {
			logger.WarnF("[%s] Discarding %s delivery %d on %s after %d retries",
				s.ClientID, pd.State, pd.PacketID, pd.Message.Topic, pd.RetryCount)
			s.complete(pd)
			dropped++
			continue
		}
		if s.transmit(pd, now) {
			pd.RetryCount++
			resent++
		}
	}
	return resent, dropped
}

// ReceivePublish runs the inbound side of the handshake for a PUBLISH from the client.
// deliver tells whether the message must be dispatched; resp is the PUBACK or PUBREC to
// send back. A QoS 2 PUBLISH without DUP reusing an id that still awaits PUBREL is a
// protocol violation.
func (s *Session) ReceivePublish(p *packet.Publish) (deliver bool, resp packet.Packet, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := p.PacketID
	switch p.PacketFlag.QoS {
	case 0:
		return true, nil, nil
	case 1:
		sum := digest(p.TopicName, p.Payload)
		if p.PacketFlag.Dup {
			if prev, ok := s.acked[id]; ok && prev == sum {
				return false, packet.NewPubAckPacket(id), nil
			}
		}
		s.acked[id] = sum
		return true, packet.NewPubAckPacket(id), nil
	case 2:
		if state, ok := s.inbound[id]; ok && state == AwaitPubrel {
			if p.PacketFlag.Dup {
				return false, packet.NewPubRecPacket(id), nil
			}
			return false, nil, fmt.Errorf("%w: QoS 2 PUBLISH %d", ErrPacketIDInUse, id)
		}
		s.inbound[id] = AwaitPubrel
		return true, packet.NewPubRecPacket(id), nil
	}
	return false, nil, fmt.Errorf("%w: QoS %d", packet.ErrMalformed, p.PacketFlag.QoS)
}

// ReceivePubrel releases an inbound QoS 2 id. PUBCOMP is due even for unknown ids.
func (s *Session) ReceivePubrel(id uint16) packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbound, id)
	return packet.NewPubCompPacket(id)
}

// Pending returns a copy of the outbound deliveries in queue order.
func (s *Session) Pending() []PendingDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pendingInOrder()
	result := make([]PendingDelivery, len(pending))
	for i, pd := range pending {
		result[i] = *pd
	}
	return result
}
