package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisNotifier publishes events to Redis pub/sub channels. Branch events
// go to pos:branch:<id>, admin events to pos:admin. Subscribers (terminal
// gateways, dashboards) fan messages out to their clients.
type RedisNotifier struct {
	client *redis.Client
}

type envelope struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

func NewRedisNotifier(addr string, password string, db int) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

func (n *RedisNotifier) EmitBranch(ctx context.Context, branchID string, event string, payload any) {
	n.publish(ctx, "pos:branch:"+branchID, event, payload)
}

func (n *RedisNotifier) EmitAdmin(ctx context.Context, event string, payload any) {
	n.publish(ctx, "pos:admin", event, payload)
}

func (n *RedisNotifier) publish(ctx context.Context, channel string, event string, payload any) {
	body, err := json.Marshal(envelope{Event: event, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		log.Printf("[notify] marshal %s: %v", event, err)
		return
	}
	if err := n.client.Publish(ctx, channel, body).Err(); err != nil {
		log.Printf("[notify] publish %s to %s: %v", event, channel, err)
	}
}
