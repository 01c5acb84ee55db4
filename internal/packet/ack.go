package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/mqtt"
)

// Ack 只包含报文标识符的报文：PUBACK、PUBREC、PUBREL、PUBCOMP、UNSUBACK
type Ack struct {
	PacketType mqtt.PacketType
	PacketID   uint16
}

func (a *Ack) Type() mqtt.PacketType { return a.PacketType }

func (a *Ack) Encode() []byte {
	var flags byte
	if a.PacketType == mqtt.PUBREL {
		flags = 0x02
	}
	return frame(a.PacketType, flags, mqtt.UInt16ToByte(a.PacketID))
}

func NewPubAckPacket(id uint16) *Ack  { return &Ack{PacketType: mqtt.PUBACK, PacketID: id} }
func NewPubRecPacket(id uint16) *Ack  { return &Ack{PacketType: mqtt.PUBREC, PacketID: id} }
func NewPubRelPacket(id uint16) *Ack  { return &Ack{PacketType: mqtt.PUBREL, PacketID: id} }
func NewPubCompPacket(id uint16) *Ack { return &Ack{PacketType: mqtt.PUBCOMP, PacketID: id} }

func NewUnSubAckPacket(id uint16) *Ack { return &Ack{PacketType: mqtt.UNSUBACK, PacketID: id} }

func ParseAckPacket(packet *mqtt.Packet) (*Ack, error) {
	if packet.Header.RemainingLength != 2 {
		return nil, fmt.Errorf("%w: remaining length must be 2", ErrMalformed)
	}
	id, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	return &Ack{PacketType: packet.Header.Type, PacketID: id}, nil
}
