package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/mqtt"
)

type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	BadUsernameOrPassword
	NotAuthorized
)

func (c ConnectRespType) String() string {
	switch c {
	case Accepted:
		return "accepted"
	case UnacceptableProtocol:
		return "unacceptable protocol version"
	case IdentifierRejected:
		return "identifier rejected"
	case ServerUnavailable:
		return "server unavailable"
	case BadUsernameOrPassword:
		return "bad username or password"
	case NotAuthorized:
		return "not authorized"
	}
	return fmt.Sprintf("return code %d", byte(c))
}

// ErrUnacceptableProtocol 协议级别不是 MQTT 3.1.1 的 CONNECT 报文
var ErrUnacceptableProtocol = errors.New("protocol version does not match")

// ConnectPacketFlag CONNECT 连接标志
type ConnectPacketFlag struct {
	UsernameFlag    bool
	PasswordFlag    bool
	WillRetain      bool
	WillQoS         byte
	WillMessageFlag bool
	CleanSession    bool
}

func (f ConnectPacketFlag) encode() byte {
	var b byte
	if f.UsernameFlag {
		b |= 0x80
	}
	if f.PasswordFlag {
		b |= 0x40
	}
	if f.WillRetain {
		b |= 0x20
	}
	b |= (f.WillQoS & 0x03) << 3
	if f.WillMessageFlag {
		b |= 0x04
	}
	if f.CleanSession {
		b |= 0x02
	}
	return b
}

type Connect struct {
	ProtocolName  string
	ProtocolLevel byte
	ConnectFlag   ConnectPacketFlag
	KeepAlive     uint16
	ClientID      string
	WillTopic     string
	WillPayload   []byte
	Username      string
	Password      []byte
}

func (*Connect) Type() mqtt.PacketType { return mqtt.CONNECT }

func (c *Connect) Encode() []byte {
	flags := c.ConnectFlag
	body := appendString(nil, c.ProtocolName)
	body = append(body, c.ProtocolLevel, flags.encode())
	body = append(body, mqtt.UInt16ToByte(c.KeepAlive)...)
	body = appendString(body, c.ClientID)
	if flags.WillMessageFlag {
		body = appendString(body, c.WillTopic)
		body = appendBytes(body, c.WillPayload)
	}
	if flags.UsernameFlag {
		body = appendString(body, c.Username)
	}
	if flags.PasswordFlag {
		body = appendBytes(body, c.Password)
	}
	return frame(mqtt.CONNECT, 0, body)
}

// ParseConnectPacket 解析 CONNECT 报文
// 协议级别不为 4 时同时返回报文和 ErrUnacceptableProtocol，由调用方回复 CONNACK 0x01
func ParseConnectPacket(packet *mqtt.Packet) (*Connect, error) {
	payload := packet.Payload
	result := &Connect{}

	protocolName, err := readPacketString(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol name: %w", err)
	}
	result.ProtocolName = protocolName

	protocolLevel, err := readPacketByte(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol level: %w", err)
	}
	result.ProtocolLevel = protocolLevel

	if protocolName != mqtt.ProtocolName && protocolName != "MQIsdp" {
		return nil, fmt.Errorf("%w: incorrect protocol name %q", ErrMalformed, protocolName)
	}
	if protocolName != mqtt.ProtocolName || protocolLevel != mqtt.ProtocolLevel {
		// 其余部分可能是其他协议格式，不再解析
		payload.CurrentPtr = payload.ContextLen
		return result, ErrUnacceptableProtocol
	}

	connectFlag, err := readPacketByte(payload)
	if err != nil {
		return nil, fmt.Errorf("connect flags: %w", err)
	}
	if connectFlag&0x01 != 0 {
		return nil, fmt.Errorf("%w: reserved connect flag is set", ErrMalformed)
	}

	result.ConnectFlag = ConnectPacketFlag{
		UsernameFlag:    connectFlag&0x80 != 0,
		PasswordFlag:    connectFlag&0x40 != 0,
		WillRetain:      connectFlag&0x20 != 0,
		WillQoS:         (connectFlag & 0x18) >> 3,
		WillMessageFlag: connectFlag&0x04 != 0,
		CleanSession:    connectFlag&0x02 != 0,
	}
	flags := result.ConnectFlag

	if !flags.WillMessageFlag && (flags.WillRetain || flags.WillQoS != 0) {
		return nil, fmt.Errorf("%w: will retain and will QoS must be 0 without will flag", ErrMalformed)
	}
	if flags.WillQoS > 2 {
		return nil, fmt.Errorf("%w: will QoS 3", ErrMalformed)
	}
	if flags.PasswordFlag && !flags.UsernameFlag {
		return nil, fmt.Errorf("%w: password flag without username flag", ErrMalformed)
	}

	keepAlive, err := readPacketBytes(payload, 2)
	if err != nil {
		return nil, fmt.Errorf("keep alive: %w", err)
	}
	result.KeepAlive = mqtt.ByteToUInt16(keepAlive)

	if result.ClientID, err = readPacketString(payload); err != nil {
		return nil, fmt.Errorf("client ID: %w", err)
	}

	if flags.WillMessageFlag {
		if result.WillTopic, err = readPacketString(payload); err != nil {
			return nil, fmt.Errorf("will topic: %w", err)
		}
		willContent, err := readPacketPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("will content: %w", err)
		}
		result.WillPayload = append([]byte(nil), willContent.Payload...)
	}

	if flags.UsernameFlag {
		if result.Username, err = readPacketString(payload); err != nil {
			return nil, fmt.Errorf("username: %w", err)
		}
	}

	if flags.PasswordFlag {
		password, err := readPacketPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("password: %w", err)
		}
		result.Password = append([]byte(nil), password.Payload...)
	}

	return result, nil
}

type Connack struct {
	SessionPresent bool
	ReturnCode     ConnectRespType
}

func (*Connack) Type() mqtt.PacketType { return mqtt.CONNACK }

func (c *Connack) Encode() []byte {
	var ack byte
	if c.SessionPresent {
		ack = 0x01
	}
	return frame(mqtt.CONNACK, 0, []byte{ack, byte(c.ReturnCode)})
}

func NewConnectAckPacket(sessionPresent bool, returnCode ConnectRespType) *Connack {
	// MQTT-3.2.2-4: 拒绝连接时会话存在标志为 0
	return &Connack{SessionPresent: sessionPresent && returnCode == Accepted, ReturnCode: returnCode}
}

func ParseConnackPacket(packet *mqtt.Packet) (*Connack, error) {
	data, err := readPacketBytes(packet.Payload, 2)
	if err != nil {
		return nil, err
	}
	if data[0]&^0x01 != 0 {
		return nil, fmt.Errorf("%w: reserved acknowledge flags", ErrMalformed)
	}
	return &Connack{SessionPresent: data[0] == 0x01, ReturnCode: ConnectRespType(data[1])}, nil
}
