package mqtt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrRemainingLength = errors.New("the remaining length exceeds the 4 byte limit")
	ErrPacketTooLarge  = errors.New("packet exceeds the maximum packet size")
	ErrInvalidFlags    = errors.New("invalid fixed header flags")
	ErrInvalidType     = errors.New("invalid packet type")
)

func UInt16ToByte(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

func ByteToUInt16(bytes []byte) uint16 {
	if len(bytes) == 0 {
		return 0
	}
	if len(bytes) == 1 {
		return uint16(bytes[0])
	}
	return binary.BigEndian.Uint16(bytes)
}

func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadPacket 读取一个控制报文，maxSize 为正时限制剩余长度
func ReadPacket(r io.Reader, maxSize int) (*Packet, error) {
	// 读取固定头
	typeAndFlags, err := ReadByte(r)
	if err != nil {
		return nil, err
	}

	// 解析剩余长度
	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && remaining > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, remaining, maxSize)
	}

	header := &FixedHeader{
		Type:            PacketType(typeAndFlags >> 4),
		Flags:           typeAndFlags & 0x0F,
		RemainingLength: remaining,
	}

	if _, ok := allowedFlags[header.Type]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, header.Type)
	}
	if !ValidateFlags(header.Type, header.Flags) {
		return nil, fmt.Errorf("%w: flags %04b of %s packet", ErrInvalidFlags, header.Flags, header.Type.String())
	}

	body, err := readBody(r, remaining)
	if err != nil {
		return nil, err
	}

	return NewPacket(header, body), nil
}

const bodyChunkSize = 64 * 1024

// readBody 读取可变头+有效载荷，大报文按实际收到的字节分块扩容
func readBody(r io.Reader, n int) ([]byte, error) {
	if n <= bodyChunkSize {
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		return body, nil
	}
	var buf bytes.Buffer
	buf.Grow(bodyChunkSize)
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		encodedByte, err := ReadByte(r)
		if err != nil {
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, nil
		}
	}
	return 0, ErrRemainingLength
}

func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

// ValidateFlags 校验固定头标志位是否合法
func ValidateFlags(pt PacketType, flags byte) bool {
	allowed, ok := allowedFlags[pt]
	if !ok {
		return false
	}
	if required, ok := requiredFlags[pt]; ok {
		return flags == required
	}
	if pt == PUBLISH {
		// QoS 11 为保留值
		return flags&0x06 != 0x06
	}
	return (flags & ^allowed) == 0
}

func (p *Payload) CheckRemainingLength() bool {
	return p.CurrentPtr < p.ContextLen
}

// Remaining 返回未读取的字节数
func (p *Payload) Remaining() int {
	return p.ContextLen - p.CurrentPtr
}
