package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel carries access catalog invalidations between processes.
const InvalidationChannel = "parahub:access:invalidate"

// Invalidatable is any in-process cache that can drop its snapshot.
type Invalidatable interface {
	Invalidate()
}

// Invalidator fans access cache invalidations out over Redis pub/sub.
type Invalidator struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewInvalidator binds an invalidator to client. Messages published by this
// instance are ignored by its own subscriber since the caller already
// invalidated locally.
func NewInvalidator(client *redis.Client, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	return &Invalidator{
		client:  client,
		channel: InvalidationChannel,
		origin:  host + ":" + strconv.Itoa(os.Getpid()),
		logger:  logger,
	}
}

// Publish announces that the permission registry or role catalog changed.
func (i *Invalidator) Publish(ctx context.Context) error {
	if i == nil || i.client == nil {
		return nil
	}
	if err := i.client.Publish(ctx, i.channel, i.origin).Err(); err != nil {
		return fmt.Errorf("platform/cache: publish invalidation: %w", err)
	}
	return nil
}

// Run subscribes to the invalidation channel and invalidates every target on
// each foreign message. It blocks until ctx is cancelled.
func (i *Invalidator) Run(ctx context.Context, targets ...Invalidatable) error {
	if i == nil || i.client == nil {
		return nil
	}
	sub := i.client.Subscribe(ctx, i.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("platform/cache: subscribe %s: %w", i.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == i.origin {
				continue
			}
			for _, t := range targets {
				t.Invalidate()
			}
			i.logger.Debug("access caches invalidated", slog.String("origin", msg.Payload))
		}
	}
}
