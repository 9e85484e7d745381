package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/aidenerard/fluxspace-site/internal/platform/envutil"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
	"github.com/aidenerard/fluxspace-site/internal/realtime"
)

const DefaultChannel = "jobs"

var errNotInitialized = errors.New("redis job bus not initialized")

type redisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus connects using REDIS_ADDR and REDIS_CHANNEL and fails if the server does not answer a ping.
func NewRedisBus(log *logger.Logger) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := envutil.String("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	return NewRedisBusWithClient(log, goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	}), envutil.String("REDIS_CHANNEL", DefaultChannel))
}

func NewRedisBusWithClient(log *logger.Logger, rdb *goredis.Client, channel string) (Bus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisBus{
		log:     log.With("service", "RedisJobBus"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

// Publish writes the event to the shared channel and to its job channel in one round trip.
func (b *redisBus) Publish(ctx context.Context, msg realtime.JobEvent) error {
	if b == nil || b.rdb == nil {
		return errNotInitialized
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode job event: %w", err)
	}
	_, err = b.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Publish(ctx, b.channel, raw)
		if msg.JobID != uuid.Nil {
			p.Publish(ctx, JobChannel(b.channel, msg.JobID), raw)
		}
		return nil
	})
	return err
}

func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(m realtime.JobEvent)) error {
	return b.forward(ctx, b.channel, onMsg)
}

func (b *redisBus) ForwardJob(ctx context.Context, jobID uuid.UUID, onMsg func(m realtime.JobEvent)) error {
	if jobID == uuid.Nil {
		return fmt.Errorf("job id required")
	}
	return b.forward(ctx, JobChannel(b.channel, jobID), onMsg)
}

func (b *redisBus) forward(ctx context.Context, channel string, onMsg func(m realtime.JobEvent)) error {
	if b == nil || b.rdb == nil {
		return errNotInitialized
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, channel)
	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	log := b.log.With("channel", channel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				if m == nil {
					continue
				}
				ev, err := decodeJobEvent(m.Payload)
				if err != nil {
					log.Warn("dropping job event", "error", err)
					continue
				}
				onMsg(ev)
			}
		}
	}()
	return nil
}

func decodeJobEvent(payload string) (realtime.JobEvent, error) {
	var ev realtime.JobEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("decode job event: %w", err)
	}
	if ev.JobID == uuid.Nil {
		return ev, fmt.Errorf("job event without job_id")
	}
	return ev, nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
