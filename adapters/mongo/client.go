package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/internal/config"
)

// ClientConfig holds transcript-store connection configuration.
// Required fields:
// - URI: MongoDB connection string
// Optional fields with defaults:
// - Database: database name (default: "voicekit")
// - ConnectTimeout: dial + ping budget (default: 10s)
// - MaxPoolSize: connection pool ceiling (default: 10)
type ClientConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	MaxPoolSize    int
}

// NewClientConfigFromEnv builds the configuration from the environment.
func NewClientConfigFromEnv() ClientConfig {
	return ClientConfig{
		URI:            config.String("MONGODB_URI", ""),
		Database:       config.String("MONGODB_DATABASE", ""),
		ConnectTimeout: config.Duration("MONGODB_CONNECT_TIMEOUT", 0),
		MaxPoolSize:    config.Int("MONGODB_MAX_POOL_SIZE", 0),
	}
}

// ValidateClientConfig checks that required fields are present.
func ValidateClientConfig(cfg ClientConfig) error {
	if cfg.URI == "" {
		return fmt.Errorf("mongodb connection URI is required")
	}
	return nil
}

// Client owns the connection behind the transcript store.
type Client struct {
	*mongo.Client
	Database *mongo.Database
	logger   *zap.Logger
}

// NewClient connects and verifies the deployment is reachable before handing
// the database out.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if err := ValidateClientConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Database == "" {
		cfg.Database = "voicekit"
		logger.Info("using default database name", zap.String("database", cfg.Database))
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 10
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetServerSelectionTimeout(cfg.ConnectTimeout / 2).
		SetConnectTimeout(cfg.ConnectTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	// the URI can carry credentials, log the database only
	logger.Info("connected to mongodb", zap.String("database", cfg.Database))

	return &Client{
		Client:   client,
		Database: client.Database(cfg.Database),
		logger:   logger,
	}, nil
}

// Close disconnects the underlying client.
func (c *Client) Close(ctx context.Context) error {
	if err := c.Client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting from mongodb: %w", err)
	}
	c.logger.Info("disconnected from mongodb")
	return nil
}
