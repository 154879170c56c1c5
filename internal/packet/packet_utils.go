package packet

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/w0otness/opifex/internal/mqtt"
)

// reader walks the variable header and payload of one packet.
type reader struct {
	context    []byte
	currentPtr int
}

func newReader(body []byte) *reader {
	return &reader{context: body}
}

func (r *reader) remaining() int {
	return len(r.context) - r.currentPtr
}

func (r *reader) readByte() (byte, error) {
	if r.currentPtr >= len(r.context) {
		return 0, fmt.Errorf("%w: insufficient bytes at offset %d", ErrMalformed, r.currentPtr)
	}
	b := r.context[r.currentPtr]
	r.currentPtr++
	return b, nil
}

func (r *reader) readBytes(length int) ([]byte, error) {
	end := r.currentPtr + length
	if length < 0 || end > len(r.context) {
		return nil, fmt.Errorf("%w: field length %d exceeds buffer (len=%d, offset=%d)", ErrMalformed, length, len(r.context), r.currentPtr)
	}
	data := r.context[r.currentPtr:end]
	r.currentPtr = end
	return data, nil
}

func (r *reader) readUint16() (uint16, error) {
	data, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return mqtt.ByteToUInt16(data), nil
}

// readBinary reads a 16-bit length prefixed byte field.
func (r *reader) readBinary() ([]byte, error) {
	length, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	return r.readBytes(int(length))
}

// readString reads a 16-bit length prefixed UTF-8 string.
func (r *reader) readString() (string, error) {
	data, err := r.readBinary()
	if err != nil {
		return "", err
	}
	if !validString(data) {
		return "", fmt.Errorf("%w: string is not valid UTF-8", ErrMalformed)
	}
	return string(data), nil
}

func (r *reader) rest() []byte {
	data := r.context[r.currentPtr:]
	r.currentPtr = len(r.context)
	return data
}

func validString(data []byte) bool {
	return utf8.Valid(data) && !strings.ContainsRune(string(data), 0)
}

func appendUint16(dst []byte, number uint16) []byte {
	return append(dst, mqtt.UInt16ToByte(number)...)
}

func appendBinary(dst []byte, data []byte) ([]byte, error) {
	if len(data) > 0xFFFF {
		return dst, fmt.Errorf("field length %d exceeds 65535", len(data))
	}
	dst = appendUint16(dst, uint16(len(data)))
	return append(dst, data...), nil
}

func appendString(dst []byte, s string) ([]byte, error) {
	if !validString([]byte(s)) {
		return dst, fmt.Errorf("string %q is not valid UTF-8", s)
	}
	return appendBinary(dst, []byte(s))
}

func validQoS(qos byte) bool {
	return qos <= 2
}
