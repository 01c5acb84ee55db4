package packet

import (
	"bytes"
	"testing"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBytes(t *testing.T, data []byte) (Packet, error) {
	t.Helper()
	raw, err := mqtt.ReadPacket(bytes.NewReader(data), 0)
	require.NoError(t, err)
	return Decode(raw)
}

func TestConnectRoundTrip(t *testing.T) {
	connect := &Connect{
		ProtocolName:  mqtt.ProtocolName,
		ProtocolLevel: mqtt.ProtocolLevel,
		ConnectFlag: ConnectPacketFlag{
			UsernameFlag:    true,
			PasswordFlag:    true,
			WillRetain:      true,
			WillQoS:         1,
			WillMessageFlag: true,
			CleanSession:    true,
		},
		KeepAlive:   30,
		ClientID:    "sensor-1",
		WillTopic:   "status/sensor-1",
		WillPayload: []byte("offline"),
		Username:    "alice",
		Password:    []byte("secret"),
	}

	decoded, err := decodeBytes(t, connect.Encode())
	require.NoError(t, err)
	assert.Equal(t, connect, decoded)
}

func TestConnectValidation(t *testing.T) {
	base := func() *Connect {
		return &Connect{ProtocolName: "MQTT", ProtocolLevel: 4, ClientID: "c"}
	}

	t.Run("old protocol level", func(t *testing.T) {
		c := base()
		c.ProtocolName = "MQIsdp"
		c.ProtocolLevel = 3
		decoded, err := decodeBytes(t, c.Encode())
		assert.ErrorIs(t, err, ErrUnacceptableProtocol)
		require.NotNil(t, decoded)
		assert.Equal(t, byte(3), decoded.(*Connect).ProtocolLevel)
	})

	t.Run("unknown protocol name", func(t *testing.T) {
		c := base()
		c.ProtocolName = "HTTP"
		_, err := decodeBytes(t, c.Encode())
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("reserved flag", func(t *testing.T) {
		data := base().Encode()
		// 固定头(2) + 协议名(6) + 协议级别(1) -> 连接标志
		data[9] |= 0x01
		_, err := decodeBytes(t, data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("will qos without will flag", func(t *testing.T) {
		c := base()
		c.ConnectFlag.WillQoS = 1
		_, err := decodeBytes(t, c.Encode())
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("password without username", func(t *testing.T) {
		c := base()
		c.ConnectFlag.PasswordFlag = true
		c.Password = []byte("x")
		_, err := decodeBytes(t, c.Encode())
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("nul in client id", func(t *testing.T) {
		c := base()
		c.ClientID = "a\x00b"
		_, err := decodeBytes(t, c.Encode())
		assert.ErrorIs(t, err, ErrInvalidString)
	})
}

func TestConnack(t *testing.T) {
	assert.Equal(t, []byte{0x20, 0x02, 0x01, 0x00}, NewConnectAckPacket(true, Accepted).Encode())
	// 拒绝连接时清除会话存在标志
	assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x05}, NewConnectAckPacket(true, NotAuthorized).Encode())

	decoded, err := decodeBytes(t, []byte{0x20, 0x02, 0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, &Connack{SessionPresent: true, ReturnCode: Accepted}, decoded)
	assert.Equal(t, "bad username or password", BadUsernameOrPassword.String())
}

func TestPublish(t *testing.T) {
	tests := []struct {
		name    string
		publish *Publish
	}{
		{"qos0", &Publish{TopicName: "a/b", Payload: []byte("hello")}},
		{"qos1 retain", &Publish{PacketFlag: PublishPacketFlag{QoS: 1, Retain: true}, TopicName: "a/b", PacketID: 7, Payload: []byte{1, 2}}},
		{"qos2 dup", &Publish{PacketFlag: PublishPacketFlag{QoS: 2, Dup: true}, TopicName: "x", PacketID: 65535, Payload: []byte{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := decodeBytes(t, tt.publish.Encode())
			require.NoError(t, err)
			assert.Equal(t, tt.publish.PacketFlag, decoded.(*Publish).PacketFlag)
			assert.Equal(t, tt.publish.TopicName, decoded.(*Publish).TopicName)
			assert.Equal(t, tt.publish.PacketID, decoded.(*Publish).PacketID)
			assert.Equal(t, len(tt.publish.Payload), len(decoded.(*Publish).Payload))
		})
	}

	// QoS 1 且报文标识符为 0
	_, err := decodeBytes(t, []byte{0x32, 0x05, 0x00, 0x01, 'a', 0x00, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)

	// QoS 0 设置了 DUP
	_, err = decodeBytes(t, []byte{0x38, 0x03, 0x00, 0x01, 'a'})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestAcks(t *testing.T) {
	for _, ack := range []*Ack{NewPubAckPacket(1), NewPubRecPacket(2), NewPubRelPacket(3), NewPubCompPacket(4), NewUnSubAckPacket(5)} {
		decoded, err := decodeBytes(t, ack.Encode())
		require.NoError(t, err, ack.PacketType.String())
		assert.Equal(t, ack, decoded)
	}
	assert.Equal(t, []byte{0x62, 0x02, 0x00, 0x03}, NewPubRelPacket(3).Encode())

	_, err := decodeBytes(t, []byte{0x40, 0x03, 0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSubscribe(t *testing.T) {
	subscribe := &Subscribe{
		PacketID: 10,
		Subscriptions: []Subscription{
			{TopicFilter: "a/+", QoS: 1},
			{TopicFilter: "#", QoS: 2},
		},
	}
	decoded, err := decodeBytes(t, subscribe.Encode())
	require.NoError(t, err)
	assert.Equal(t, subscribe, decoded)

	// 没有主题过滤器
	_, err = decodeBytes(t, []byte{0x82, 0x02, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)

	// 请求的 QoS 含保留位
	_, err = decodeBytes(t, []byte{0x82, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x04})
	assert.ErrorIs(t, err, ErrMalformed)

	suback := NewSubAckPacket(10, []SubscribeState{SuccessQos1, Failure})
	assert.Equal(t, []byte{0x90, 0x04, 0x00, 0x0A, 0x01, 0x80}, suback.Encode())
	decoded, err = decodeBytes(t, suback.Encode())
	require.NoError(t, err)
	assert.Equal(t, suback, decoded)
}

func TestUnsubscribe(t *testing.T) {
	unsubscribe := &Unsubscribe{PacketID: 3, TopicFilters: []string{"a/b", "c/#"}}
	decoded, err := decodeBytes(t, unsubscribe.Encode())
	require.NoError(t, err)
	assert.Equal(t, unsubscribe, decoded)

	_, err = decodeBytes(t, []byte{0xA2, 0x02, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEmptyPackets(t *testing.T) {
	decoded, err := decodeBytes(t, (&Pingreq{}).Encode())
	require.NoError(t, err)
	assert.IsType(t, &Pingreq{}, decoded)

	decoded, err = decodeBytes(t, NewPingRespPacket().Encode())
	require.NoError(t, err)
	assert.IsType(t, &Pingresp{}, decoded)

	decoded, err = decodeBytes(t, (&Disconnect{}).Encode())
	require.NoError(t, err)
	assert.IsType(t, &Disconnect{}, decoded)

	_, err = decodeBytes(t, []byte{0xE0, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)
}
