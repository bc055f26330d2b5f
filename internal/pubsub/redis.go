package pubsub

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port.
func (o RedisOptions) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// RedisPublisher publishes through one long-lived pooled client that is
// shared by every request handler in the process.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates the client. No connection is made until the
// first command.
func NewRedisPublisher(opts RedisOptions) *RedisPublisher {
	return NewRedisPublisherWithClient(redis.NewClient(&redis.Options{
		Addr:     opts.Addr(),
		Password: opts.Password,
		DB:       opts.DB,
	}))
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, msg []byte) error {
	if err := p.client.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	return nil
}

// Ping implements Pinger.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
