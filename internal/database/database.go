package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/w0otness/opifex/internal/config"
	"github.com/w0otness/opifex/internal/utils"
)

// ConnectDatabase opens and pings a MongoDB client configured from config.
func ConnectDatabase(ctx context.Context, config c.Database, appName string, log *slog.Logger) (*mongo.Client, error) {
	log.Debug("Connecting to database...")

	databaseUrl := config.URI
	if databaseUrl == "" && config.Username == "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%d/", config.Host, config.Port)
	}
	if databaseUrl == "" {
		// 编码特殊字符
		encodedUser := url.QueryEscape(config.Username)
		encodedPass := url.QueryEscape(config.Password)
		databaseUrl = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			encodedUser, encodedPass,
			config.Host,
			config.Port,
		)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	// 连接池配置
	if config.MinPoolSize > 0 {
		clientOptions.SetMinPoolSize(config.MinPoolSize) // 最小连接数
	}
	if config.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(config.MaxPoolSize) // 最大连接数
	}
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTimeOr(config.ConnectIdleTimeout, 5*time.Minute))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTimeOr(config.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTimeOr(config.SocketTimeout, 30*time.Second))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTimeOr(config.Heartbeat, 10*time.Second))
	// TLS
	if config.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				log.Debug("Database connection created", "address", evt.Address, "id", evt.ConnectionID)
			case event.ConnectionClosed:
				log.Debug("Database connection closed", "address", evt.Address, "id", evt.ConnectionID, "reason", evt.Reason)
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occurred while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occurred while pinging database: %w", err)
	}
	return client, nil
}
