package packet

import "github.com/w0otness/opifex/internal/mqtt"

type Pingreq struct{}

type Pingresp struct{}

func (*Pingreq) Type() mqtt.PacketType  { return mqtt.PINGREQ }
func (*Pingresp) Type() mqtt.PacketType { return mqtt.PINGRESP }

func (*Pingreq) encode() (byte, []byte, error)  { return 0, nil, nil }
func (*Pingresp) encode() (byte, []byte, error) { return 0, nil, nil }
