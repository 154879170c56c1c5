package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadConfigCreatesDefault(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		path := filepath.Join(t.TempDir(), name)

		config, err := ReadConfig(path)
		require.ErrorIs(t, err, ErrConfigCreated)
		require.Equal(t, DefaultConfig(), config)

		// 第二次读取生成的文件应当成功
		config, err = ReadConfig(path)
		require.NoError(t, err)
		require.Equal(t, DefaultConfig(), config)
	}
}

func TestReadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"storage": "mongo",
		"debug_mode": true,
		"app_port": 11883,
		"database": {"host": "db", "port": 27018, "operation_timeout": "3s"},
		"users": [{"username": "u", "password": "p", "subscribe": ["a/#"]}]
	}`), 0644))

	config, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, StorageMongo, config.Storage)
	require.True(t, config.DebugMode)
	require.Equal(t, 11883, config.AppPort)
	require.Equal(t, "db", config.Database.Host)
	require.Equal(t, uint64(27018), config.Database.Port)
	require.Equal(t, "3s", config.Database.OperationTimeout)
	// 未出现的字段保留默认值
	require.Equal(t, "opifex", config.Database.Database)
	require.Equal(t, []User{{Username: "u", Password: "p", Subscribe: []string{"a/#"}}}, config.Users)
}

func TestReadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("app_port: 2883\nwebsocket_port: 8080\nallow_anonymous: true\n"), 0644))

	config, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 2883, config.AppPort)
	require.Equal(t, 8080, config.WebsocketPort)
	require.True(t, config.AllowAnonymous)
}

func TestReadConfigInvalid(t *testing.T) {
	dir := t.TempDir()

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0644))
	_, err := ReadConfig(broken)
	require.Error(t, err)

	storage := filepath.Join(dir, "storage.json")
	require.NoError(t, os.WriteFile(storage, []byte(`{"storage": "redis"}`), 0644))
	_, err = ReadConfig(storage)
	require.ErrorContains(t, err, "unknown storage")

	port := filepath.Join(dir, "port.json")
	require.NoError(t, os.WriteFile(port, []byte(`{"app_port": 70000}`), 0644))
	_, err = ReadConfig(port)
	require.ErrorContains(t, err, "app_port")
}
