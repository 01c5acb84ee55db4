package packet

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/mqtt"
)

var (
	ErrMalformed     = errors.New("malformed packet")
	ErrInvalidString = errors.New("invalid UTF-8 string")
)

type FieldPayload struct {
	PayloadLength int
	Payload       []byte
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, fmt.Errorf("%w: invalid packet context length", ErrMalformed)
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("%w: invalid reading length %d", ErrMalformed, length)
	}
	startByte := payload.CurrentPtr
	end := startByte + length
	if end > payload.ContextLen {
		return nil, fmt.Errorf("%w: invalid packet context length", ErrMalformed)
	}
	data := payload.Context[startByte:end]
	payload.CurrentPtr = end
	return data, nil
}

func readPacketPayload(payload *mqtt.Payload) (FieldPayload, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return FieldPayload{}, fmt.Errorf("%w: insufficient bytes for length", ErrMalformed)
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return FieldPayload{}, fmt.Errorf("%w: payload length %d exceeds buffer (len=%d)", ErrMalformed, length, contextLen)
	}
	payload.CurrentPtr += 2 + length
	return FieldPayload{
		PayloadLength: length,
		Payload:       payload.Context[startByte+2 : end],
	}, nil
}

// readPacketString 读取带长度前缀的 UTF-8 字符串，MQTT-1.5.3-2 禁止包含 NUL
func readPacketString(payload *mqtt.Payload) (string, error) {
	field, err := readPacketPayload(payload)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(field.Payload) {
		return "", ErrInvalidString
	}
	for _, b := range field.Payload {
		if b == 0 {
			return "", ErrInvalidString
		}
	}
	return string(field.Payload), nil
}

func readPacketID(payload *mqtt.Payload) (uint16, error) {
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return 0, err
	}
	id := mqtt.ByteToUInt16(data)
	if id == 0 {
		return 0, fmt.Errorf("%w: packet id must not be 0", ErrMalformed)
	}
	return id, nil
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, mqtt.UInt16ToByte(uint16(len(s)))...)
	return append(dst, s...)
}

func appendBytes(dst []byte, b []byte) []byte {
	dst = append(dst, mqtt.UInt16ToByte(uint16(len(b)))...)
	return append(dst, b...)
}

// frame 为可变头+有效载荷加上固定头
func frame(pt mqtt.PacketType, flags byte, body []byte) []byte {
	remaining := mqtt.EncodeRemainingLength(len(body))
	packet := make([]byte, 0, 1+len(remaining)+len(body))
	packet = append(packet, byte(pt)<<4|flags)
	packet = append(packet, remaining...)
	return append(packet, body...)
}
