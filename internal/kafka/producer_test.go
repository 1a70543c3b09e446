package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"ms-checkin/internal/logger"
)

func TestProducer_PublishRejectsUnencodableEvent(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, logger.NewTestLogger(nil))
	defer p.Close()

	err := p.Publish(context.Background(), "checkin.accepted", "k", make(chan int))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "marshal checkin.accepted event")
}

func TestNop(t *testing.T) {
	var pub EventPublisher = Nop{}
	assert.NoError(t, pub.Publish(context.Background(), "any", "key", map[string]string{"a": "b"}))
}
