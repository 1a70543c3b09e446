package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisFeed_DeliversTerminalEvents(t *testing.T) {
	client, _ := setupTestRedis(t)
	f := NewRedisFeed(client, logger.NewTestLogger(nil))
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "T1")
	require.NoError(t, err)
	defer sub.Close()

	terminal := "T1"
	job := models.PrintJob{ID: "job-1", Status: models.PrintJobReadyToPrint, TerminalID: &terminal}
	require.NoError(t, f.Publish(ctx, EventFor(job)))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "job-1", ev.JobID)
		assert.Equal(t, "T1", ev.TerminalID)
		assert.Equal(t, models.PrintJobReadyToPrint, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisFeed_IgnoresOtherTerminals(t *testing.T) {
	client, _ := setupTestRedis(t)
	f := NewRedisFeed(client, logger.NewTestLogger(nil))
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "T1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.Publish(ctx, Event{Op: "UPDATE", JobID: "job-2", TerminalID: "T2"}))

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisFeed_PublishWithoutTerminalIsNoop(t *testing.T) {
	client, _ := setupTestRedis(t)
	f := NewRedisFeed(client, logger.NewTestLogger(nil))

	assert.NoError(t, f.Publish(context.Background(), Event{JobID: "job-3"}))
}

func TestRedisFeed_CloseIsIdempotent(t *testing.T) {
	client, _ := setupTestRedis(t)
	f := NewRedisFeed(client, logger.NewTestLogger(nil))

	sub, err := f.Subscribe(context.Background(), "T1")
	require.NoError(t, err)

	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
}
