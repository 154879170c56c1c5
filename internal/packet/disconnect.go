package packet

import "github.com/w0otness/opifex/internal/mqtt"

type Disconnect struct{}

func (*Disconnect) Type() mqtt.PacketType { return mqtt.DISCONNECT }

func (*Disconnect) encode() (byte, []byte, error) { return 0, nil, nil }
