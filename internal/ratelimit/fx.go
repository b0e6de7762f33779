package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/metergate/metergate/internal/config"
)

var Module = fx.Module("ratelimit",
	fx.Provide(
		NewRedisClient,
		func(c *redis.Client) redis.Scripter { return c },
		New,
	),
)

// NewRedisClient builds the shared Redis client and closes it on shutdown.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}
