package mqtt

import (
	"bytes"
	"errors"
	"io"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainingLength(t *testing.T) {
	tests := []struct {
		input  int
		expect []byte
	}{
		{0, []byte{0x00}},
		{64, []byte{0x40}},
		{321, []byte{0xC1, 0x02}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		encoded := EncodeRemainingLength(tt.input)
		if !bytes.Equal(encoded, tt.expect) {
			t.Errorf("input=%d expected=%x actual=%x", tt.input, tt.expect, encoded)
		}

		decoded, _ := DecodeRemainingLength(bytes.NewReader(encoded))
		if decoded != tt.input {
			t.Errorf("input=%d decoded=%d", tt.input, decoded)
		}
	}

	_, err := DecodeRemainingLength(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}))
	assert.ErrorIs(t, err, ErrRemainingLength)
}

func TestByteToUInt16(t *testing.T) {
	tests := []struct {
		input  []byte
		expect uint16
	}{
		{[]byte{0x00, 0x00}, 0},
		{[]byte{0x01, 0x00}, 256},
		{[]byte{0xAF, 0x89}, 44937},
		{[]byte{0x07}, 7},
	}
	for _, tt := range tests {
		number := ByteToUInt16(tt.input)
		if number != tt.expect {
			t.Errorf("input=%x expected=%d actual=%d", tt.input, tt.expect, number)
		}
	}
	assert.Equal(t, []byte{0xAF, 0x89}, UInt16ToByte(44937))
}

func TestReadPacket(t *testing.T) {
	// 报文标识符为 10 的 PUBACK
	p, err := ReadPacket(bytes.NewReader([]byte{0x40, 0x02, 0x00, 0x0A}), 0)
	require.NoError(t, err)
	assert.Equal(t, PUBACK, p.Header.Type)
	assert.Equal(t, 2, p.Header.RemainingLength)
	assert.Equal(t, []byte{0x00, 0x0A}, p.Payload.Context)
	assert.Equal(t, 2, p.Payload.Remaining())

	_, err = ReadPacket(bytes.NewReader([]byte{0x41, 0x02, 0x00, 0x0A}), 0)
	assert.True(t, errors.Is(err, ErrInvalidFlags))

	_, err = ReadPacket(bytes.NewReader([]byte{0x00, 0x00}), 0)
	assert.True(t, errors.Is(err, ErrInvalidType))

	_, err = ReadPacket(bytes.NewReader([]byte{0x30, 0x7F}), 16)
	assert.True(t, errors.Is(err, ErrPacketTooLarge))

	_, err = ReadPacket(bytes.NewReader([]byte{0x40, 0x02, 0x00}), 0)
	assert.Error(t, err)
}

func TestReadPacketAllocatesWhatArrives(t *testing.T) {
	// 声明最大剩余长度但没有后续数据的 PUBLISH
	header := []byte{0x30, 0xFF, 0xFF, 0xFF, 0x7F}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := ReadPacket(bytes.NewReader(header), 268435455)
	runtime.ReadMemStats(&after)

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(8<<20))

	// 跨多个分块的报文体仍能完整读取
	body := bytes.Repeat([]byte{0xAB}, 3*bodyChunkSize+17)
	raw := append([]byte{0x30}, EncodeRemainingLength(len(body))...)
	raw = append(raw, body...)
	p, err := ReadPacket(bytes.NewReader(raw), 0)
	require.NoError(t, err)
	assert.Equal(t, body, p.Payload.Context)
}
