package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/config"
)

// Redis holds the client backing the push feed and the key prefix the feed's
// channels and snapshots live under.
type Redis struct {
	Client *redis.Client
	Prefix string
	addr   string
}

// NewRedis connects to the push feed store. An unreachable server is only
// logged: sessions then run on the polling fallback until it comes back.
func NewRedis(cfg config.RedisConfig, clientName string, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		ClientName:  clientName,
		DialTimeout: cfg.DialTimeout(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("push feed store unreachable, sessions will poll the call log",
			zap.String("addr", cfg.Addr),
			zap.Error(err))
	} else {
		logger.Info("connected to push feed store",
			zap.String("addr", cfg.Addr),
			zap.Int("db", cfg.DB),
			zap.String("prefix", cfg.Prefix))
	}

	return &Redis{Client: client, Prefix: cfg.Prefix, addr: cfg.Addr}
}

// Close closes the client.
func (r *Redis) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}

// Ping verifies the push feed store is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errors.New("push feed store not configured")
	}
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("push feed store %s: %w", r.addr, err)
	}
	return nil
}
