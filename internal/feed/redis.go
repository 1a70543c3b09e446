package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-checkin/internal/logger"
)

// Channel is the pub/sub channel carrying one terminal's job changes.
func Channel(terminalID string) string {
	return "print_jobs:" + terminalID
}

// RedisFeed is a change feed for stores without LISTEN/NOTIFY. Writers publish through
// it explicitly after each conditional update.
type RedisFeed struct {
	Client *redis.Client
	Logger *logger.Logger
}

func NewRedisFeed(client *redis.Client, log *logger.Logger) *RedisFeed {
	return &RedisFeed{Client: client, Logger: log}
}

func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	if ev.TerminalID == "" {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.Client.Publish(ctx, Channel(ev.TerminalID), payload).Err()
}

type redisSubscription struct {
	*subscription
	pubsub    *redis.PubSub
	closeOnce sync.Once
}

func (f *RedisFeed) Subscribe(ctx context.Context, terminalID string) (Subscription, error) {
	pubsub := f.Client.Subscribe(ctx, Channel(terminalID))
	// Wait for the subscription to be confirmed before reporting success.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(terminalID), err)
	}

	sub := &redisSubscription{subscription: newSubscription(), pubsub: pubsub}
	f.Logger.Info("FEED", fmt.Sprintf("Subscribed to %s", Channel(terminalID)))
	go sub.run(ctx, f.Logger)
	return sub, nil
}

func (s *redisSubscription) run(ctx context.Context, log *logger.Logger) {
	for !s.closed() {
		msg, err := s.pubsub.Receive(ctx)
		if err != nil {
			if s.closed() || ctx.Err() != nil {
				return
			}
			log.Warn("FEED", fmt.Sprintf("Redis receive failed: %v", err))
			s.fail(err)
			time.Sleep(time.Second)
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			var ev Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				log.Warn("FEED", fmt.Sprintf("Ignoring malformed message: %v", err))
				continue
			}
			s.deliver(ev)
		case *redis.Subscription:
			// go-redis resubscribes after a reconnect; anything sent meanwhile is lost.
			if m.Kind == "subscribe" {
				s.fail(ErrResync)
			}
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
