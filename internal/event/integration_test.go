//go:build integration

package event

import (
	"context"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startStream(t *testing.T) *RedisStream {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}

	rs, err := NewRedisStream(url, zap.NewNop())
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return rs
}

func TestStreamRoundTrip(t *testing.T) {
	rs := startStream(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := rs.Subscribe(ctx)

	// Subscribe tails from "$"; give the reader a moment to attach before
	// publishing so the first XADD is not missed.
	time.Sleep(200 * time.Millisecond)

	rs.Publish(Event{
		ID:      "ev-1",
		Type:    TaskCompleted,
		Subject: "task-1",
		Fields:  map[string]string{"executor": "worker"},
	})

	select {
	case ev := <-ch:
		if ev.ID != "ev-1" || ev.Type != TaskCompleted || ev.Subject != "task-1" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Fields["executor"] != "worker" {
			t.Errorf("fields = %+v", ev.Fields)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received from stream")
	}
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	rs := startStream(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := rs.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("got event after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
