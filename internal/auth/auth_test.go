package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/w0otness/opifex/internal/config"
	"github.com/w0otness/opifex/internal/packet"
)

func TestAuthenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	table := NewUserTable(append(config.DefaultConfig().Users, config.User{Username: "hashed", Password: string(hash)}), false)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password []byte
		want     packet.ConnectReturnCode
	}{
		{"valid", "IoTester_1", []byte("strong_password"), packet.Accepted},
		{"second user", "IoTester_2", []byte("strong_password"), packet.Accepted},
		{"invalid username", "wrong", []byte("strong_password"), packet.BadUsernameOrPassword},
		{"invalid password", "IoTester_1", []byte("wrong"), packet.BadUsernameOrPassword},
		{"missing password", "IoTester_1", nil, packet.BadUsernameOrPassword},
		{"anonymous", "", nil, packet.NotAuthorized},
		{"bcrypt", "hashed", []byte("secret"), packet.Accepted},
		{"bcrypt mismatch", "hashed", []byte("strong_password"), packet.BadUsernameOrPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Authenticate(ctx, Identity{ClientID: "c", Username: tt.username}, tt.password))
		})
	}

	anonymous := NewUserTable(nil, true)
	assert.Equal(t, packet.Accepted, anonymous.Authenticate(ctx, Identity{ClientID: "c"}, nil))
	assert.True(t, anonymous.AuthorizeToPublish(ctx, Identity{ClientID: "c"}, "a"))
	assert.False(t, anonymous.AuthorizeToPublish(ctx, Identity{ClientID: "c", Username: "ghost"}, "a"))
}

func TestAuthorize(t *testing.T) {
	table := NewUserTable([]config.User{
		{Username: "free", Password: "p"},
		{Username: "sensor", Password: "p", Publish: []string{"sensors/+/temp"}, Subscribe: []string{"commands/#", "a/+"}},
	}, false)
	ctx := context.Background()
	free := Identity{Username: "free"}
	sensor := Identity{Username: "sensor"}

	assert.True(t, table.AuthorizeToPublish(ctx, free, "anything"))
	assert.True(t, table.AuthorizeToSubscribe(ctx, free, "#"))

	assert.True(t, table.AuthorizeToPublish(ctx, sensor, "sensors/1/temp"))
	assert.False(t, table.AuthorizeToPublish(ctx, sensor, "sensors/1/humidity"))

	for filter, want := range map[string]bool{
		"commands":       true,
		"commands/#":     true,
		"commands/+/set": true,
		"a/b":            true,
		"a/+":            true,
		"a/#":            false,
		"a/b/c":          false,
		"b/c":            false,
		"#":              false,
	} {
		assert.Equal(t, want, table.AuthorizeToSubscribe(ctx, sensor, filter), filter)
	}

	allowAll := AllowAll{}
	assert.Equal(t, packet.Accepted, allowAll.Authenticate(ctx, sensor, nil))
	assert.True(t, allowAll.AuthorizeToSubscribe(ctx, sensor, "#"))
}
