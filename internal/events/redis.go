package events

import (
	"context"
	"encoding/json"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/simvault/internal/config"
	"go.uber.org/zap"
)

const channelPrefix = "simvault:events:"

// RedisPublisher mirrors every event into the in-process hub and, when a
// client is configured, publishes the JSON form on a per-type Redis channel
// so other replicas and consumers see it.
type RedisPublisher struct {
	client *redis.Client
	hub    *Hub
	log    *zap.Logger
}

// NewClient builds a Redis client from config, or nil when no address is set.
func NewClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

func NewPublisher(client *redis.Client, hub *Hub, log *zap.Logger) Publisher {
	return &RedisPublisher{
		client: client,
		hub:    hub,
		log:    log.Named("events"),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) {
	p.hub.Publish(ctx, event)

	if p.client == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("marshal event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, channelPrefix+event.Type, payload).Err(); err != nil {
		p.log.Warn("publish event", zap.String("type", event.Type), zap.Error(err))
	}
}
