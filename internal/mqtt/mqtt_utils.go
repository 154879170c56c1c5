package mqtt

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed is wrapped by every error caused by bytes that are not a valid MQTT 3.1.1 packet.
var ErrMalformed = errors.New("malformed packet")

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

// DecodeRemainingLength reads the variable byte integer one byte at a time.
// A stream that ends inside the integer yields io.ErrUnexpectedEOF.
func DecodeRemainingLength(r io.ByteReader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		encodedByte, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, nil
		}
	}
	return 0, fmt.Errorf("%w: the remaining length exceeds the 4 byte limit", ErrMalformed)
}

func EncodeRemainingLength(x int) ([]byte, error) {
	if x < 0 || x > MaxRemainingLength {
		return nil, fmt.Errorf("remaining length %d out of range [0, %d]", x, MaxRemainingLength)
	}
	var buf [4]byte
	i := 0
	for {
		buf[i] = byte(x % 128)
		x /= 128
		if x > 0 {
			buf[i] |= 128
		}
		i++
		if x == 0 {
			break
		}
	}
	return buf[:i], nil
}

func ValidateFlags(pt PacketType, flags byte) bool {
	if pt == PUBLISH {
		// 允许所有标志位组合, QoS 3 由报文解析拒绝
		return true
	}
	required, ok := requiredFlags[pt]
	return ok && flags == required
}

// ReadFixedHeader reads the type/flags byte and the remaining length and validates both.
func ReadFixedHeader(r io.ByteReader) (FixedHeader, error) {
	typeAndFlags, err := r.ReadByte()
	if err != nil {
		return FixedHeader{}, err
	}

	header := FixedHeader{
		Type:  PacketType(typeAndFlags >> 4),
		Flags: typeAndFlags & 0x0F,
	}
	if !header.Type.Valid() {
		return header, fmt.Errorf("%w: unknown packet type %d", ErrMalformed, byte(header.Type))
	}
	if !ValidateFlags(header.Type, header.Flags) {
		return header, fmt.Errorf("%w: flags %04b of %s packet is not valid", ErrMalformed, header.Flags, header.Type)
	}

	header.RemainingLength, err = DecodeRemainingLength(r)
	if err != nil {
		return header, err
	}
	return header, nil
}

// ReadPacket reads one complete packet frame: fixed header and exactly RemainingLength body bytes.
func ReadPacket(r *bufio.Reader) (FixedHeader, []byte, error) {
	// 读取固定头
	header, err := ReadFixedHeader(r)
	if err != nil {
		return header, nil, err
	}

	// 读取可变头+有效载荷
	payload := make([]byte, header.RemainingLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return header, nil, io.ErrUnexpectedEOF
		}
		return header, nil, err
	}

	return header, payload, nil
}
