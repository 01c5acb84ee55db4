package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/mqtt"
)

type Unsubscribe struct {
	PacketID     uint16
	TopicFilters []string
}

func (*Unsubscribe) Type() mqtt.PacketType { return mqtt.UNSUBSCRIBE }

func (u *Unsubscribe) Encode() []byte {
	body := mqtt.UInt16ToByte(u.PacketID)
	for _, filter := range u.TopicFilters {
		body = appendString(body, filter)
	}
	return frame(mqtt.UNSUBSCRIBE, 0x02, body)
}

func ParseUnsubscribePacket(packet *mqtt.Packet) (*Unsubscribe, error) {
	result := &Unsubscribe{}

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
		result.TopicFilters = append(result.TopicFilters, topicFilter)
	}

	if len(result.TopicFilters) == 0 {
		return nil, fmt.Errorf("%w: UNSUBSCRIBE without topic filters", ErrMalformed)
	}
	return result, nil
}
