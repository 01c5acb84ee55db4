// Package packet 负责 MQTT 3.1.1 控制报文的解析与编码
package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/mqtt"
)

// Packet 解析后的控制报文，可重新编码为字节流
type Packet interface {
	Type() mqtt.PacketType
	Encode() []byte
}

// Decode 将报文解析为具体类型并校验 MQTT 3.1.1 约束
func Decode(packet *mqtt.Packet) (Packet, error) {
	var (
		result Packet
		err    error
	)
	switch packet.Header.Type {
	case mqtt.CONNECT:
		result, err = ParseConnectPacket(packet)
	case mqtt.CONNACK:
		result, err = ParseConnackPacket(packet)
	case mqtt.PUBLISH:
		result, err = ParsePublishPacket(packet)
	case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBREL, mqtt.PUBCOMP, mqtt.UNSUBACK:
		result, err = ParseAckPacket(packet)
	case mqtt.SUBSCRIBE:
		result, err = ParseSubscribePacket(packet)
	case mqtt.SUBACK:
		result, err = ParseSubackPacket(packet)
	case mqtt.UNSUBSCRIBE:
		result, err = ParseUnsubscribePacket(packet)
	case mqtt.PINGREQ:
		result, err = &Pingreq{}, expectEmpty(packet)
	case mqtt.PINGRESP:
		result, err = &Pingresp{}, expectEmpty(packet)
	case mqtt.DISCONNECT:
		result, err = &Disconnect{}, expectEmpty(packet)
	default:
		return nil, fmt.Errorf("%w: unsupported packet type %s", ErrMalformed, packet.Header.Type)
	}
	if errors.Is(err, ErrUnacceptableProtocol) {
		return result, err
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", packet.Header.Type, err)
	}
	if packet.Payload.CheckRemainingLength() {
		return nil, fmt.Errorf("%s: %w: %d trailing bytes", packet.Header.Type, ErrMalformed, packet.Payload.Remaining())
	}
	return result, nil
}

func expectEmpty(packet *mqtt.Packet) error {
	if packet.Header.RemainingLength != 0 {
		return fmt.Errorf("%w: remaining length must be 0", ErrMalformed)
	}
	return nil
}
