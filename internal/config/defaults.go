package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultFeedURL            = "wss://api.elections.kalshi.com/trade-api/ws/v2"
	DefaultPingTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultSubscribeTimeout   = 10 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultMessageBufferSize  = 100000
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultCeiling            = 1000
	DefaultSubBatchSize       = 100
	DefaultCommandsPerSecond  = 10.0
	DefaultBatchSize          = 1000
	DefaultFlushInterval      = 1 * time.Second
	DefaultHighWater          = 50000
	DefaultSnapshotInterval   = 300 * time.Second
	DefaultDaysAhead          = 7
	DefaultCacheTTL           = 30 * time.Second
	DefaultHealthPort         = 8080
)

func (c *CollectorConfig) applyDefaults() {
	if c.Feed.URL == "" {
		c.Feed.URL = DefaultFeedURL
	}
	if c.Feed.PingTimeout == 0 {
		c.Feed.PingTimeout = DefaultPingTimeout
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = DefaultWriteTimeout
	}
	if c.Feed.SubscribeTimeout == 0 {
		c.Feed.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Feed.ReconnectBaseDelay == 0 {
		c.Feed.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Feed.ReconnectMaxDelay == 0 {
		c.Feed.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Feed.MessageBufferSize == 0 {
		c.Feed.MessageBufferSize = DefaultMessageBufferSize
	}

	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	if c.Subscriptions.Ceiling == 0 {
		c.Subscriptions.Ceiling = DefaultCeiling
	}
	if c.Subscriptions.BatchSize == 0 {
		c.Subscriptions.BatchSize = DefaultSubBatchSize
	}
	if c.Subscriptions.CommandsPerSecond == 0 {
		c.Subscriptions.CommandsPerSecond = DefaultCommandsPerSecond
	}

	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}
	if c.Writer.HighWater == 0 {
		c.Writer.HighWater = DefaultHighWater
	}
	if c.Writer.SnapshotInterval == 0 {
		c.Writer.SnapshotInterval = DefaultSnapshotInterval
	}

	if c.Partitions.DaysAhead == 0 {
		c.Partitions.DaysAhead = DefaultDaysAhead
	}

	if c.Reconstruct.Cache.TTL == 0 {
		c.Reconstruct.Cache.TTL = DefaultCacheTTL
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}
