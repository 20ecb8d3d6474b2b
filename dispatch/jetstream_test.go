//go:build integration

package dispatch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getNATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return nats.DefaultURL
}

func newTestJetStreamQueue(t *testing.T) *JetStreamQueue {
	conn, err := nats.Connect(getNATSURL())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}

	suffix := uuid.NewString()[:8]
	cfg := DefaultJetStreamConfig()
	cfg.Conn = conn
	cfg.Stream = "TEST_" + suffix
	cfg.Subject = "test." + suffix
	cfg.AckWait = time.Second

	q, err := NewJetStreamQueue(context.Background(), cfg)
	if err != nil {
		conn.Close()
		t.Fatalf("NewJetStreamQueue failed: %v", err)
	}

	t.Cleanup(func() {
		_ = q.js.DeleteStream(context.Background(), cfg.Stream)
		q.Close()
		conn.Close()
	})
	return q
}

func TestJetStreamQueue_EnqueueConsumeAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestJetStreamQueue(t)

	require.NoError(t, q.Enqueue(ctx, "default", []byte("hello")))

	c, err := q.Consume(ctx, "default")
	require.NoError(t, err)
	defer c.Stop()

	d := recv(t, c)
	assert.Equal(t, []byte("hello"), d.Payload())
	assert.Equal(t, 1, d.Attempt())
	require.NoError(t, d.Ack())
}

func TestJetStreamQueue_NakRedelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestJetStreamQueue(t)

	require.NoError(t, q.Enqueue(ctx, "default", []byte("retry")))
	c, err := q.Consume(ctx, "default")
	require.NoError(t, err)
	defer c.Stop()

	require.NoError(t, recv(t, c).Nak(50*time.Millisecond))

	d := recv(t, c)
	assert.Equal(t, 2, d.Attempt())
	require.NoError(t, d.Ack())
}

func TestJetStreamQueue_UnackedRedeliveredAfterAckWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newTestJetStreamQueue(t)

	require.NoError(t, q.Enqueue(ctx, "default", []byte("lost")))
	c, err := q.Consume(ctx, "default")
	require.NoError(t, err)
	defer c.Stop()

	_ = recv(t, c) // never acked

	d := recv(t, c)
	assert.Equal(t, []byte("lost"), d.Payload())
	assert.GreaterOrEqual(t, d.Attempt(), 2)
	require.NoError(t, d.Ack())
}
