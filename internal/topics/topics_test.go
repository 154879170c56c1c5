package topics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/b", "a/b", true},
		{"a/+", "a/b", true},
		{"a/+", "a", false},
		{"a/+", "a/b/c", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"#", "a/b", true},
		{"+/+", "a/b", true},
		{"+/b", "a/b", true},
		{"+", "/a", false},
		{"+/+", "/a", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"$SYS/#", "$SYS/broker/uptime", true},
		{"#", "$SYS/broker/uptime", false},
		{"+/broker/uptime", "$SYS/broker/uptime", false},
		{"a/b", "a/c", false},
		{"", "a", false},
		{"a", "", false},
	}

	for _, tt := range tests {
		if got := TopicMatch(tt.filter, tt.topic); got != tt.want {
			t.Errorf("TopicMatch(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestValidateTopicName(t *testing.T) {
	require.NoError(t, ValidateTopicName("a/b"))
	require.NoError(t, ValidateTopicName("/"))
	require.NoError(t, ValidateTopicName("$SYS/x"))

	for _, topic := range []string{"", "a/+", "a/#", "a\x00b", string([]byte{0xff})} {
		require.ErrorIs(t, ValidateTopicName(topic), ErrInvalidTopicName, topic)
	}
}

func TestValidateTopicFilter(t *testing.T) {
	for _, filter := range []string{"a/b", "a/+", "+", "#", "a/#", "+/+/#", "/"} {
		require.NoError(t, ValidateTopicFilter(filter), filter)
	}
	for _, filter := range []string{"", "a+", "a/b#", "a/#/b", "##", "a/+b", "a\x00"} {
		require.ErrorIs(t, ValidateTopicFilter(filter), ErrInvalidTopicFilter, filter)
	}
}
