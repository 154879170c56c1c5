package mqtt

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemainingLength(t *testing.T) {
	tests := []struct {
		input  int
		expect []byte
	}{
		{0, []byte{0x00}},
		{64, []byte{0x40}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{321, []byte{0xC1, 0x02}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{2097151, []byte{0xFF, 0xFF, 0x7F}},
		{2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		encoded, err := EncodeRemainingLength(tt.input)
		require.NoError(t, err)
		if !bytes.Equal(encoded, tt.expect) {
			t.Errorf("input=%d expect=%x actual=%x", tt.input, tt.expect, encoded)
		}

		decoded, err := DecodeRemainingLength(bytes.NewReader(encoded))
		require.NoError(t, err)
		if decoded != tt.input {
			t.Errorf("input=%d decoded=%d", tt.input, decoded)
		}
	}
}

func TestRemainingLengthOutOfRange(t *testing.T) {
	_, err := EncodeRemainingLength(268435456)
	require.Error(t, err)

	_, err = EncodeRemainingLength(-1)
	require.Error(t, err)
}

func TestRemainingLengthFifthByte(t *testing.T) {
	_, err := DecodeRemainingLength(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRemainingLengthTruncated(t *testing.T) {
	_, err := DecodeRemainingLength(bytes.NewReader([]byte{0xFF, 0xFF}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestByteToUInt16(t *testing.T) {
	tests := []struct {
		input  []byte
		expect uint16
	}{
		{[]byte{0x00, 0x00}, 0},
		{[]byte{0x01, 0x00}, 256},
		{[]byte{0xAF, 0x89}, 44937},
	}
	for _, tt := range tests {
		number := binary.BigEndian.Uint16(tt.input)
		if number != tt.expect {
			t.Errorf("input=%x expect=%d actual=%d", tt.input, tt.expect, number)
		}
		require.Equal(t, tt.expect, ByteToUInt16(tt.input))
		require.Equal(t, tt.input, UInt16ToByte(tt.expect))
	}
}

func TestReadPacket(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x40, 0x02, 0x00, 0x05, 0xD0, 0x00}))

	header, body, err := ReadPacket(r)
	require.NoError(t, err)
	require.Equal(t, PUBACK, header.Type)
	require.Equal(t, 2, header.RemainingLength)
	require.Equal(t, []byte{0x00, 0x05}, body)

	header, body, err = ReadPacket(r)
	require.NoError(t, err)
	require.Equal(t, PINGRESP, header.Type)
	require.Empty(t, body)

	_, _, err = ReadPacket(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadPacketErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		err   error
	}{
		{"unknown type", []byte{0xF0, 0x00}, ErrMalformed},
		{"reserved type", []byte{0x00, 0x00}, ErrMalformed},
		{"bad pubrel flags", []byte{0x60, 0x02, 0x00, 0x01}, ErrMalformed},
		{"truncated body", []byte{0x40, 0x02, 0x00}, io.ErrUnexpectedEOF},
		{"truncated length", []byte{0x30, 0x80}, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadPacket(bufio.NewReader(bytes.NewReader(tt.input)))
			require.ErrorIs(t, err, tt.err)
		})
	}
}
