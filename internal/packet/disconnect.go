package packet

import "github.com/life-stream-dev/life-stream-mqtt-engine/internal/mqtt"

type Disconnect struct{}

func (*Disconnect) Type() mqtt.PacketType { return mqtt.DISCONNECT }
func (*Disconnect) Encode() []byte        { return []byte{0xE0, 0x00} }
