package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for the monitor goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type erroringStats struct {
	*MemoryQueue
}

func (erroringStats) Stats(context.Context) (Stats, error) {
	return Stats{}, errors.New("redis down")
}

func TestMonitor_TickWarnsOnNewFailures(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testOptions())
	var buf syncBuffer
	m := NewMonitor(q, time.Second, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	if err := q.Enqueue(ctx, newTestJob("o1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d := dequeueWithin(t, q, time.Second)
	if err := q.Fail(ctx, d, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	m.tick(ctx)
	if !strings.Contains(buf.String(), "jobs dead-lettered") {
		t.Fatalf("expected dead-letter warning, got %q", buf.String())
	}

	var second syncBuffer
	m.logger = slog.New(slog.NewTextHandler(&second, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m.tick(ctx)
	out := second.String()
	if strings.Contains(out, "jobs dead-lettered") {
		t.Errorf("unchanged failed count should not warn again: %q", out)
	}
	if !strings.Contains(out, "queue stats") || !strings.Contains(out, "failed=1") {
		t.Errorf("expected debug stats line, got %q", out)
	}
}

func TestMonitor_StatsErrorIsLogged(t *testing.T) {
	var buf syncBuffer
	m := NewMonitor(erroringStats{NewMemoryQueue(testOptions())}, time.Second, slog.New(slog.NewTextHandler(&buf, nil)))

	m.tick(context.Background())
	if !strings.Contains(buf.String(), "queue stats unavailable") {
		t.Errorf("expected stats error to be logged, got %q", buf.String())
	}
}

func TestMonitor_StartTicksUntilCancelled(t *testing.T) {
	var buf syncBuffer
	q := NewMemoryQueue(testOptions())
	m := NewMonitor(q, 10*time.Millisecond, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	waitFor(t, time.Second, func() bool {
		return strings.Contains(buf.String(), "queue stats")
	})
	cancel()
}

func TestMonitor_ZeroIntervalDisabled(t *testing.T) {
	var buf syncBuffer
	m := NewMonitor(NewMemoryQueue(testOptions()), 0, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	time.Sleep(30 * time.Millisecond)

	if buf.String() != "" {
		t.Errorf("disabled monitor logged %q", buf.String())
	}
}
