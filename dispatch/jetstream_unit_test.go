package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewJetStreamQueue_RequiresConn(t *testing.T) {
	_, err := NewJetStreamQueue(context.Background(), JetStreamConfig{})
	assert.Error(t, err)
}

func TestDefaultJetStreamConfig(t *testing.T) {
	cfg := DefaultJetStreamConfig()
	assert.Equal(t, "COMPLETION_TASKS", cfg.Stream)
	assert.Equal(t, "completion.tasks", cfg.Subject)
	assert.Equal(t, "completion-worker", cfg.Durable)
	assert.Equal(t, 30*time.Second, cfg.AckWait)
	assert.Equal(t, 5, cfg.MaxDeliver)
}

func TestJetStreamQueue_Naming(t *testing.T) {
	q := &JetStreamQueue{config: DefaultJetStreamConfig()}
	assert.Equal(t, "completion.tasks.default", q.subject("default"))
	assert.Equal(t, "completion-worker-a_b", q.durable("a/b"))
}
