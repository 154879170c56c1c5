package packet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{"connect minimal", &Connect{ProtocolName: ProtocolName, ProtocolLevel: ProtocolLevel, Clean: true, KeepAlive: 60, ClientID: "opifex-1"}},
		{"connect empty client id", &Connect{ProtocolName: ProtocolName, ProtocolLevel: ProtocolLevel, Clean: true}},
		{"connect full", &Connect{
			ProtocolName:  ProtocolName,
			ProtocolLevel: ProtocolLevel,
			KeepAlive:     30,
			ClientID:      "sensor",
			Username:      "IoTester_1",
			Password:      []byte("strong_password"),
			Will:          &Will{Topic: "status/sensor", Payload: []byte("offline"), QoS: 2, Retain: true},
		}},
		{"connect empty password", &Connect{ProtocolName: ProtocolName, ProtocolLevel: ProtocolLevel, ClientID: "c", Username: "u", Password: []byte{}}},
		{"connect will without payload", &Connect{ProtocolName: ProtocolName, ProtocolLevel: ProtocolLevel, ClientID: "c", Will: &Will{Topic: "t", QoS: 1}}},
		{"connack", &Connack{SessionPresent: true, ReturnCode: Accepted}},
		{"connack refused", &Connack{ReturnCode: NotAuthorized}},
		{"publish qos0", &Publish{Topic: "a/b", Payload: []byte("hello")}},
		{"publish qos0 empty", &Publish{Topic: "a/b"}},
		{"publish qos1 retain", &Publish{Topic: "a/b", Payload: []byte{0, 1, 2}, QoS: 1, Retain: true, ID: 7}},
		{"publish qos2 dup", &Publish{Topic: "a/b", Payload: []byte("x"), QoS: 2, Dup: true, ID: 65535}},
		{"puback", &Puback{ID: 1}},
		{"pubrec", &Pubrec{ID: 2}},
		{"pubrel", &Pubrel{ID: 3}},
		{"pubcomp", &Pubcomp{ID: 4}},
		{"subscribe", &Subscribe{ID: 5, Subscriptions: []Subscription{{"a/+", 0}, {"b/#", 1}, {"#", 2}}}},
		{"suback", &Suback{ID: 5, ReturnCodes: []byte{0, 1, 2, SubscriptionFailure}}},
		{"unsubscribe", &Unsubscribe{ID: 6, TopicFilters: []string{"a/+", "b/#"}}},
		{"unsuback", &Unsuback{ID: 6}},
		{"pingreq", &Pingreq{}},
		{"pingresp", &Pingresp{}},
		{"disconnect", &Disconnect{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.packet)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.packet, decoded)
		})
	}
}

func TestEncodeWireBytes(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
		expect []byte
	}{
		{"pingreq", &Pingreq{}, []byte{0xC0, 0x00}},
		{"pingresp", &Pingresp{}, []byte{0xD0, 0x00}},
		{"disconnect", &Disconnect{}, []byte{0xE0, 0x00}},
		{"pubrel flags", &Pubrel{ID: 0x0102}, []byte{0x62, 0x02, 0x01, 0x02}},
		{"connack", &Connack{SessionPresent: true}, []byte{0x20, 0x02, 0x01, 0x00}},
		{"publish qos1", &Publish{Topic: "t", Payload: []byte("p"), QoS: 1, ID: 10}, []byte{0x32, 0x06, 0x00, 0x01, 't', 0x00, 0x0A, 'p'}},
		{"subscribe", &Subscribe{ID: 1, Subscriptions: []Subscription{{"a", 1}}}, []byte{0x82, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x01}},
		{"connect", &Connect{ProtocolName: "MQTT", ProtocolLevel: 4, Clean: true, KeepAlive: 60, ClientID: "c"},
			[]byte{0x10, 0x0D, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x02, 0x00, 0x3C, 0x00, 0x01, 'c'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.packet)
			require.NoError(t, err)
			require.Equal(t, tt.expect, encoded)
		})
	}
}

func TestPublishRemainingLengthBoundaries(t *testing.T) {
	// topic "a" 占用 3 字节
	tests := []struct {
		remainingLength int
		headerLength    int
	}{
		{127, 2},
		{128, 3},
		{16383, 3},
		{16384, 4},
		{2097151, 4},
		{2097152, 5},
	}

	for _, tt := range tests {
		p := &Publish{Topic: "a", Payload: bytes.Repeat([]byte{0xAB}, tt.remainingLength-3)}
		encoded, err := Encode(p)
		require.NoError(t, err)
		require.Len(t, encoded, tt.headerLength+tt.remainingLength)

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, p, decoded)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", []byte{}},
		{"reserved type 0", []byte{0x00, 0x00}},
		{"reserved type 15", []byte{0xF0, 0x00}},
		{"pubrel without flags", []byte{0x60, 0x02, 0x00, 0x01}},
		{"subscribe without flags", []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x00}},
		{"pingreq with flags", []byte{0xC1, 0x00}},
		{"truncated remaining length", []byte{0x30, 0xFF}},
		{"truncated body", []byte{0x30, 0x05, 0x00}},
		{"trailing bytes", []byte{0xC0, 0x00, 0x00}},
		{"pingreq with body", []byte{0xC0, 0x01, 0x00}},
		{"publish qos 3", []byte{0x36, 0x05, 0x00, 0x01, 'a', 0x00, 0x01}},
		{"publish dup qos0", []byte{0x38, 0x03, 0x00, 0x01, 'a'}},
		{"publish zero id", []byte{0x32, 0x05, 0x00, 0x01, 'a', 0x00, 0x00}},
		{"publish invalid utf8 topic", []byte{0x30, 0x04, 0x00, 0x02, 0xFF, 0xFE}},
		{"publish topic with nul", []byte{0x30, 0x04, 0x00, 0x02, 'a', 0x00}},
		{"publish topic overflow", []byte{0x30, 0x03, 0x00, 0x05, 'a'}},
		{"puback short", []byte{0x40, 0x01, 0x00}},
		{"puback long", []byte{0x40, 0x03, 0x00, 0x01, 0x00}},
		{"subscribe qos 3", []byte{0x82, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x03}},
		{"subscribe without filters", []byte{0x82, 0x02, 0x00, 0x01}},
		{"subscribe missing qos", []byte{0x82, 0x05, 0x00, 0x01, 0x00, 0x01, 'a'}},
		{"unsubscribe without filters", []byte{0xA2, 0x02, 0x00, 0x01}},
		{"suback bad code", []byte{0x90, 0x03, 0x00, 0x01, 0x03}},
		{"connack reserved flags", []byte{0x20, 0x02, 0x02, 0x00}},
		{"connack reserved code", []byte{0x20, 0x02, 0x00, 0x06}},
		{"connect reserved flag", []byte{0x10, 0x0D, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x03, 0x00, 0x3C, 0x00, 0x01, 'c'}},
		{"connect password without username", []byte{0x10, 0x0F, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x40, 0x00, 0x3C, 0x00, 0x01, 'c', 0x00, 0x00}},
		{"connect will qos without will", []byte{0x10, 0x0D, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x08, 0x00, 0x3C, 0x00, 0x01, 'c'}},
		{"connect truncated", []byte{0x10, 0x04, 0x00, 0x04, 'M', 'Q'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncodeInvalid(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{"publish qos 3", &Publish{Topic: "a", QoS: 3, ID: 1}},
		{"publish qos1 without id", &Publish{Topic: "a", QoS: 1}},
		{"publish dup qos0", &Publish{Topic: "a", Dup: true}},
		{"publish invalid topic", &Publish{Topic: "a\x00"}},
		{"subscribe empty", &Subscribe{ID: 1}},
		{"subscribe qos 3", &Subscribe{ID: 1, Subscriptions: []Subscription{{"a", 3}}}},
		{"unsubscribe empty", &Unsubscribe{ID: 1}},
		{"suback bad code", &Suback{ID: 1, ReturnCodes: []byte{0x03}}},
		{"connect password without username", &Connect{ProtocolName: ProtocolName, Password: []byte("p")}},
		{"connect will qos 3", &Connect{ProtocolName: ProtocolName, Will: &Will{Topic: "t", QoS: 3}}},
		{"connect long client id", &Connect{ProtocolName: ProtocolName, ClientID: string(bytes.Repeat([]byte{'c'}, 65536))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.packet)
			require.Error(t, err)
		})
	}
}

func TestConnectReturnCodeError(t *testing.T) {
	var err error = BadUsernameOrPassword
	require.EqualError(t, err, "connection refused: bad username or password")
	require.Equal(t, "return code 9", ConnectReturnCode(9).String())
}

func TestEmptyPayloadDecodesNil(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
		expect Packet
	}{
		{"publish", &Publish{Topic: "a", Payload: []byte{}, QoS: 1, ID: 1}, &Publish{Topic: "a", QoS: 1, ID: 1}},
		{"will", &Connect{ProtocolName: ProtocolName, ProtocolLevel: ProtocolLevel, ClientID: "c", Will: &Will{Topic: "t", Payload: []byte{}}},
			&Connect{ProtocolName: ProtocolName, ProtocolLevel: ProtocolLevel, ClientID: "c", Will: &Will{Topic: "t"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.packet)
			require.NoError(t, err)
			nilEncoded, err := Encode(tt.expect)
			require.NoError(t, err)
			assert.Equal(t, nilEncoded, encoded)

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, decoded)
		})
	}
}
