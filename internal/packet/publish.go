package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/mqtt"
)

type PublishPacketFlag struct {
	Dup    bool
	QoS    byte
	Retain bool
}

type Publish struct {
	PacketFlag PublishPacketFlag
	TopicName  string
	PacketID   uint16
	Payload    []byte
}

func (*Publish) Type() mqtt.PacketType { return mqtt.PUBLISH }

func (p *Publish) Encode() []byte {
	var flags byte
	if p.PacketFlag.Dup {
		flags |= 0x08
	}
	flags |= (p.PacketFlag.QoS & 0x03) << 1
	if p.PacketFlag.Retain {
		flags |= 0x01
	}
	body := make([]byte, 0, 4+len(p.TopicName)+len(p.Payload))
	body = appendString(body, p.TopicName)
	if p.PacketFlag.QoS > 0 {
		body = append(body, mqtt.UInt16ToByte(p.PacketID)...)
	}
	body = append(body, p.Payload...)
	return frame(mqtt.PUBLISH, flags, body)
}

// Copy 浅拷贝，共享有效载荷
func (p *Publish) Copy() *Publish {
	c := *p
	return &c
}

func ParsePublishPacket(packet *mqtt.Packet) (*Publish, error) {
	result := &Publish{
		PacketFlag: PublishPacketFlag{
			Dup:    packet.Header.Flags&0x08 != 0,
			QoS:    (packet.Header.Flags & 0x06) >> 1,
			Retain: packet.Header.Flags&0x01 != 0,
		},
	}

	if result.PacketFlag.QoS == 3 {
		return nil, fmt.Errorf("%w: the QoS level must not be 3", ErrMalformed)
	}
	if result.PacketFlag.QoS == 0 && result.PacketFlag.Dup {
		return nil, fmt.Errorf("%w: DUP must be 0 for QoS 0", ErrMalformed)
	}

	topicName, err := readPacketString(packet.Payload)
	if err != nil {
		return nil, fmt.Errorf("topic name: %w", err)
	}
	result.TopicName = topicName

	if result.PacketFlag.QoS > 0 {
		if result.PacketID, err = readPacketID(packet.Payload); err != nil {
			return nil, fmt.Errorf("packet ID: %w", err)
		}
	}

	payload, err := readPacketBytes(packet.Payload, packet.Payload.Remaining())
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	result.Payload = payload

	return result, nil
}
