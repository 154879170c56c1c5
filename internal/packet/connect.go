package packet

// 控制包类型 CONNECT / CONNACK

import (
	"errors"
	"fmt"

	"github.com/w0otness/opifex/internal/mqtt"
)

const (
	ProtocolName  = "MQTT"
	ProtocolLevel = 0x04
)

// ConnectReturnCode is the Connack return code. Refusals are used as errors.
type ConnectReturnCode byte

const (
	Accepted ConnectReturnCode = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	BadUsernameOrPassword
	NotAuthorized
)

var connectReturnCodeNames = map[ConnectReturnCode]string{
	Accepted:              "accepted",
	UnacceptableProtocol:  "unacceptable protocol version",
	IdentifierRejected:    "identifier rejected",
	ServerUnavailable:     "server unavailable",
	BadUsernameOrPassword: "bad username or password",
	NotAuthorized:         "not authorized",
}

func (c ConnectReturnCode) String() string {
	if name, ok := connectReturnCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("return code %d", byte(c))
}

func (c ConnectReturnCode) Error() string {
	return "connection refused: " + c.String()
}

// Will is the message the server publishes when the client goes away without a DISCONNECT.
type Will struct {
	Topic string
	// Payload decodes as nil when empty.
	Payload []byte
	QoS     byte
	Retain  bool
}

type Connect struct {
	ProtocolName  string
	ProtocolLevel byte
	Clean         bool
	KeepAlive     uint16
	ClientID      string
	// Username is sent when non-empty, Password when non-nil.
	Username string
	Password []byte
	Will     *Will
}

func (*Connect) Type() mqtt.PacketType { return mqtt.CONNECT }

func (p *Connect) encode() (byte, []byte, error) {
	if p.Password != nil && p.Username == "" {
		return 0, nil, errors.New("password requires a username")
	}

	var flags byte
	if p.Username != "" {
		flags |= 0x80
	}
	if p.Password != nil {
		flags |= 0x40
	}
	if p.Will != nil {
		if !validQoS(p.Will.QoS) {
			return 0, nil, fmt.Errorf("invalid will QoS %d", p.Will.QoS)
		}
		flags |= 0x04 | p.Will.QoS<<3
		if p.Will.Retain {
			flags |= 0x20
		}
	}
	if p.Clean {
		flags |= 0x02
	}

	body, err := appendString(nil, p.ProtocolName)
	if err != nil {
		return 0, nil, err
	}
	body = append(body, p.ProtocolLevel, flags)
	body = appendUint16(body, p.KeepAlive)
	if body, err = appendString(body, p.ClientID); err != nil {
		return 0, nil, err
	}
	if p.Will != nil {
		if body, err = appendString(body, p.Will.Topic); err != nil {
			return 0, nil, err
		}
		if body, err = appendBinary(body, p.Will.Payload); err != nil {
			return 0, nil, err
		}
	}
	if p.Username != "" {
		if body, err = appendString(body, p.Username); err != nil {
			return 0, nil, err
		}
	}
	if p.Password != nil {
		if body, err = appendBinary(body, p.Password); err != nil {
			return 0, nil, err
		}
	}
	return 0, body, nil
}

func decodeConnect(r *reader) (*Connect, error) {
	result := &Connect{}
	var err error

	if result.ProtocolName, err = r.readString(); err != nil {
		return nil, fmt.Errorf("protocol name: %w", err)
	}
	if result.ProtocolLevel, err = r.readByte(); err != nil {
		return nil, fmt.Errorf("protocol level: %w", err)
	}
	connectFlag, err := r.readByte()
	if err != nil {
		return nil, fmt.Errorf("connect flags: %w", err)
	}

	// 解析标志位
	usernameFlag := connectFlag&0x80 != 0
	passwordFlag := connectFlag&0x40 != 0
	willRetain := connectFlag&0x20 != 0
	willQoS := (connectFlag & 0x18) >> 3
	willFlag := connectFlag&0x04 != 0
	result.Clean = connectFlag&0x02 != 0

	if connectFlag&0x01 != 0 {
		return nil, fmt.Errorf("%w: reserved connect flag is set", ErrMalformed)
	}
	if !willFlag && (willRetain || willQoS != 0) {
		return nil, fmt.Errorf("%w: will retain and will QoS must be 0 without a will", ErrMalformed)
	}
	if !validQoS(willQoS) {
		return nil, fmt.Errorf("%w: invalid will QoS %d", ErrMalformed, willQoS)
	}
	if passwordFlag && !usernameFlag {
		return nil, fmt.Errorf("%w: password flag set without username flag", ErrMalformed)
	}

	if result.KeepAlive, err = r.readUint16(); err != nil {
		return nil, fmt.Errorf("keep alive: %w", err)
	}
	if result.ClientID, err = r.readString(); err != nil {
		return nil, fmt.Errorf("client ID: %w", err)
	}

	if willFlag {
		will := &Will{QoS: willQoS, Retain: willRetain}
		if will.Topic, err = r.readString(); err != nil {
			return nil, fmt.Errorf("will topic: %w", err)
		}
		if will.Payload, err = r.readBinary(); err != nil {
			return nil, fmt.Errorf("will content: %w", err)
		}
		if len(will.Payload) == 0 {
			will.Payload = nil
		}
		result.Will = will
	}
	if usernameFlag {
		if result.Username, err = r.readString(); err != nil {
			return nil, fmt.Errorf("username: %w", err)
		}
	}
	if passwordFlag {
		if result.Password, err = r.readBinary(); err != nil {
			return nil, fmt.Errorf("password: %w", err)
		}
	}
	return result, nil
}

type Connack struct {
	SessionPresent bool
	ReturnCode     ConnectReturnCode
}

func (*Connack) Type() mqtt.PacketType { return mqtt.CONNACK }

func (p *Connack) encode() (byte, []byte, error) {
	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}
	return 0, []byte{flags, byte(p.ReturnCode)}, nil
}

func decodeConnack(r *reader) (*Connack, error) {
	flags, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if flags&^0x01 != 0 {
		return nil, fmt.Errorf("%w: reserved acknowledge flags are set", ErrMalformed)
	}
	code, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if code > byte(NotAuthorized) {
		return nil, fmt.Errorf("%w: reserved return code %d", ErrMalformed, code)
	}
	return &Connack{SessionPresent: flags == 0x01, ReturnCode: ConnectReturnCode(code)}, nil
}
