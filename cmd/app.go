package cmd

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/uptrace/bun"

	"ms-checkin/internal/config"
	"ms-checkin/internal/database"
	"ms-checkin/internal/feed"
	"ms-checkin/internal/kafka"
	"ms-checkin/internal/logger"
)

// app holds the connections every subcommand shares.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *bun.DB
	redis    *redis.Client
	producer *kafka.Producer
}

func bootstrap(ctx context.Context, service string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.NewLogger(service)
	log.SetLevel(cfg.LogLevel)
	log.Info("CONFIG", fmt.Sprintf("Environment: %s, database driver: %s", cfg.AppEnv, cfg.Database.Driver))

	if cfg.Database.Driver == "postgres" && cfg.Database.AutoMigrate {
		if err := migrateUp(cfg, log); err != nil {
			log.Close()
			return nil, err
		}
	}

	db, err := database.Connect(ctx, cfg, log)
	if err != nil {
		log.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: log, db: db}, nil
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.log.Info("REDIS", fmt.Sprintf("Connected to Redis at %s", a.cfg.Redis.Addr))
	a.redis = client
	return client, nil
}

// events returns the Kafka producer, or a no-op publisher when Kafka is disabled.
func (a *app) events(ctx context.Context) kafka.EventPublisher {
	if !a.cfg.Kafka.Enabled {
		return kafka.Nop{}
	}
	if a.producer == nil {
		topics := a.cfg.Kafka.Topics
		err := kafka.EnsureTopicsExist(ctx, a.cfg.Kafka.Brokers,
			[]string{topics.CheckinAccepted, topics.PrintPrinted, topics.PrintFailed}, a.log)
		if err != nil {
			a.log.Warn("KAFKA", fmt.Sprintf("Could not ensure topics: %v", err))
		}
		a.producer = kafka.NewProducer(a.cfg.Kafka.Brokers, a.log)
	}
	return a.producer
}

// feedPublisher is what writers announce job changes through. The Postgres feed is
// driven by a trigger, so only the Redis feed needs explicit publishing.
func (a *app) feedPublisher(ctx context.Context) (feed.Publisher, error) {
	if a.cfg.Agent.FeedDriver != "redis" {
		return feed.Nop{}, nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return feed.NewRedisFeed(client, a.log), nil
}

func (a *app) feedSubscriber(ctx context.Context) (feed.Subscriber, error) {
	switch a.cfg.Agent.FeedDriver {
	case "postgres":
		if a.cfg.Database.Driver != "postgres" {
			a.log.Warn("FEED", "FEED_DRIVER=postgres needs DB_DRIVER=postgres, polling only")
			return nil, nil
		}
		return feed.NewPostgresFeed(a.cfg.PostgresURL(), a.log), nil
	case "redis":
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return feed.NewRedisFeed(client, a.log), nil
	default:
		return nil, nil
	}
}

func (a *app) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Warn("KAFKA", fmt.Sprintf("Closing producer: %v", err))
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("DATABASE", fmt.Sprintf("Closing database: %v", err))
	}
	a.log.Close()
}
