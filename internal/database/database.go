package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-audio-center/internal/config"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/utils"
)

const DeviceCollectionName = "devices"

// Mongo holds an open client and the database used by the server.
type Mongo struct {
	Client           *mongo.Client
	Database         *mongo.Database
	OperationTimeout time.Duration
}

// Invoke disconnects the client; it is registered with the cleaner.
func (m *Mongo) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, m.OperationTimeout)
	defer cancel()
	return m.Client.Disconnect(ctx)
}

func clientOptions(config c.DatabaseConfig, appName string) *options.ClientOptions {
	// 编码特殊字符
	var databaseUrl string
	if config.Username == "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%d/", config.Host, config.Port)
	} else {
		databaseUrl = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			url.QueryEscape(config.Username), url.QueryEscape(config.Password),
			config.Host,
			config.Port,
		)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTimeOr(config.ConnectIdleTimeout, 5*time.Minute))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTimeOr(config.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTimeOr(config.SocketTimeout, 30*time.Second))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTimeOr(config.Heartbeat, 10*time.Second))
	if config.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d, reason %s", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})
	return clientOptions
}

// Connect opens and pings a client, then ensures the device index.
func Connect(ctx context.Context, config c.DatabaseConfig, appName string) (*Mongo, error) {
	logger.DebugF("Connecting to database...")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(config, appName))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(config.Database)
	_, err = db.Collection(DeviceCollectionName).Indexes().CreateOne(ctx,
		mongo.IndexModel{
			Keys:    bson.D{{Key: "device_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("devices_device_id_unique"),
		},
	)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	logger.InfoF("Database connected, using %s", config.Database)
	return &Mongo{
		Client:           client,
		Database:         db,
		OperationTimeout: utils.ParseStringTimeOr(config.OperationTimeout, 5*time.Second),
	}, nil
}
