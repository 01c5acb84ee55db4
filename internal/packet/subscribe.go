package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/mqtt"
)

type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

type Subscription struct {
	TopicFilter string
	QoS         byte
}

type Subscribe struct {
	PacketID      uint16
	Subscriptions []Subscription
}

func (*Subscribe) Type() mqtt.PacketType { return mqtt.SUBSCRIBE }

func (s *Subscribe) Encode() []byte {
	body := mqtt.UInt16ToByte(s.PacketID)
	for _, sub := range s.Subscriptions {
		body = appendString(body, sub.TopicFilter)
		body = append(body, sub.QoS)
	}
	return frame(mqtt.SUBSCRIBE, 0x02, body)
}

func ParseSubscribePacket(packet *mqtt.Packet) (*Subscribe, error) {
	result := &Subscribe{}

	id, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, fmt.Errorf("packet ID: %w", err)
	}
	result.PacketID = id

	for packet.Payload.CheckRemainingLength() {
		topicFilter, err := readPacketString(packet.Payload)
		if err != nil {
			return nil, fmt.Errorf("topic filter: %w", err)
		}
		qos, err := readPacketByte(packet.Payload)
		if err != nil {
			return nil, fmt.Errorf("requested QoS: %w", err)
		}
		if qos > 2 {
			// MQTT-3.8.3-4: 保留位非零或 QoS 为 3
			return nil, fmt.Errorf("%w: invalid requested QoS byte %#x", ErrMalformed, qos)
		}
		result.Subscriptions = append(result.Subscriptions, Subscription{TopicFilter: topicFilter, QoS: qos})
	}

	if len(result.Subscriptions) == 0 {
		return nil, fmt.Errorf("%w: SUBSCRIBE without topic filters", ErrMalformed)
	}
	return result, nil
}

type Suback struct {
	PacketID    uint16
	ReturnCodes []SubscribeState
}

func (*Suback) Type() mqtt.PacketType { return mqtt.SUBACK }

func (s *Suback) Encode() []byte {
	body := mqtt.UInt16ToByte(s.PacketID)
	for _, code := range s.ReturnCodes {
		body = append(body, byte(code))
	}
	return frame(mqtt.SUBACK, 0, body)
}

func NewSubAckPacket(packetID uint16, states []SubscribeState) *Suback {
	return &Suback{PacketID: packetID, ReturnCodes: states}
}

func ParseSubackPacket(packet *mqtt.Packet) (*Suback, error) {
	id, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	codes, _ := readPacketBytes(packet.Payload, packet.Payload.Remaining())
	result := &Suback{PacketID: id}
	for _, code := range codes {
		result.ReturnCodes = append(result.ReturnCodes, SubscribeState(code))
	}
	return result, nil
}
