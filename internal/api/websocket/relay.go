package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/netopslab/fwupgrade/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Relay forwards snapshot frames between server nodes over a redis pub/sub
// channel so observers see a batch regardless of which node runs it.
type Relay struct {
	rdb     *redis.Client
	channel string
	nodeID  string
	logger  *zap.Logger
}

type relayEnvelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

func NewRelay(cfg config.RedisConfig, logger *zap.Logger) (*Relay, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Relay{
		rdb:     rdb,
		channel: cfg.Channel,
		nodeID:  uuid.NewString(),
		logger:  logger,
	}, nil
}

// Publish sends one frame to the relay channel. Best effort: a relay outage
// must not stall a running batch.
func (r *Relay) Publish(frame []byte) {
	env, err := json.Marshal(relayEnvelope{Origin: r.nodeID, Frame: frame})
	if err != nil {
		return
	}

	if err := r.rdb.Publish(context.Background(), r.channel, env).Err(); err != nil {
		r.logger.Warn("Failed to publish snapshot to relay", zap.Error(err))
	}
}

// Run subscribes to the relay channel and forwards frames from other nodes
// to the local hub. Blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, hub *Hub) {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	r.logger.Info("Snapshot relay subscribed", zap.String("channel", r.channel))

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}

			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("Dropping malformed relay message", zap.Error(err))
				continue
			}

			// Frames published by this node already reached the local hub
			if env.Origin == r.nodeID {
				continue
			}

			hub.Broadcast(env.Frame)
		}
	}
}

func (r *Relay) Close() error {
	return r.rdb.Close()
}
