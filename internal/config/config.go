// Package config loads the broker configuration from a JSON or YAML file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	StorageMemory = "memory"
	StorageMongo  = "mongo"
)

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type Database struct {
	// URI 非空时忽略 Host/Port/Username/Password
	URI                string `json:"uri" yaml:"uri"`
	Host               string `json:"host" yaml:"host"`
	Port               uint64 `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	Database           string `json:"database" yaml:"database"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
	CacheSize          int    `json:"cache_size" yaml:"cache_size"`
	CacheTTL           string `json:"cache_ttl" yaml:"cache_ttl"`
}

// User is one entry of the broker's user table. Password may be a bcrypt hash.
// Empty Publish/Subscribe lists allow every topic.
type User struct {
	Username  string   `json:"username" yaml:"username"`
	Password  string   `json:"password" yaml:"password"`
	Publish   []string `json:"publish,omitempty" yaml:"publish,omitempty"`
	Subscribe []string `json:"subscribe,omitempty" yaml:"subscribe,omitempty"`
}

type Config struct {
	Database       Database `json:"database" yaml:"database"`
	Storage        string   `json:"storage" yaml:"storage"`
	DebugMode      bool     `json:"debug_mode" yaml:"debug_mode"`
	AppName        string   `json:"app_name" yaml:"app_name"`
	AppPort        int      `json:"app_port" yaml:"app_port"`
	WebsocketPort  int      `json:"websocket_port" yaml:"websocket_port"`
	LogPath        string   `json:"log_path" yaml:"log_path"`
	MaxConnections int      `json:"max_connections" yaml:"max_connections"`
	ConnectRate    float64  `json:"connect_rate" yaml:"connect_rate"`
	ConnectBurst   int      `json:"connect_burst" yaml:"connect_burst"`
	ConnectTimeout string   `json:"connect_timeout" yaml:"connect_timeout"`
	AllowAnonymous bool     `json:"allow_anonymous" yaml:"allow_anonymous"`
	Users          []User   `json:"users" yaml:"users"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: Database{
			Host:               "localhost",
			Port:               27017,
			Database:           "opifex",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        50,
			CacheSize:          1024,
			CacheTTL:           "1h",
		},
		Storage:        StorageMemory,
		AppName:        "opifex",
		AppPort:        1883,
		LogPath:        "logs",
		MaxConnections: 10000,
		ConnectRate:    500,
		ConnectBurst:   100,
		ConnectTimeout: "1m",
		Users: []User{
			{Username: "IoTester_1", Password: "strong_password"},
			{Username: "IoTester_2", Password: "strong_password"},
		},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ReadConfig loads path over the defaults. When the file is missing it is
// created with the defaults and ErrConfigCreated is returned.
func ReadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	bytes, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeConfig(path, config); err != nil {
			return config, err
		}
		return config, ErrConfigCreated
	}
	if err != nil {
		return config, fmt.Errorf("read configuration file: %w", err)
	}

	// 用户表整体替换, 不与默认值逐项合并
	defaultUsers := config.Users
	config.Users = nil
	if isYAML(path) {
		err = yaml.Unmarshal(bytes, config)
	} else {
		err = json.Unmarshal(bytes, config)
	}
	if err != nil {
		return config, fmt.Errorf("the configuration file does not contain valid content: %w", err)
	}
	if config.Users == nil {
		config.Users = defaultUsers
	}

	return config, config.Validate()
}

func writeConfig(path string, config *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "\t")
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if c.Storage != StorageMemory && c.Storage != StorageMongo {
		return fmt.Errorf("unknown storage %q, expected %q or %q", c.Storage, StorageMemory, StorageMongo)
	}
	if c.AppPort <= 0 || c.AppPort > 65535 {
		return fmt.Errorf("invalid app_port %d", c.AppPort)
	}
	if c.WebsocketPort < 0 || c.WebsocketPort > 65535 {
		return fmt.Errorf("invalid websocket_port %d", c.WebsocketPort)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	for _, user := range c.Users {
		if user.Username == "" {
			return errors.New("user without username")
		}
	}
	return nil
}
