package broker

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestLocalPublishSubscribe(t *testing.T) {
	b := NewLocal()
	defer b.Close()

	var received atomic.Int32
	var receivedData []byte

	err := b.Subscribe(context.Background(), EventsChannel, func(channel string, data []byte) {
		receivedData = data
		received.Add(1)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := b.Publish(context.Background(), EventsChannel, []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	// local delivery is synchronous
	if received.Load() != 1 {
		t.Errorf("expected 1 receive, got %d", received.Load())
	}
	if string(receivedData) != "hello" {
		t.Errorf("expected 'hello', got '%s'", string(receivedData))
	}
}

func TestLocalPublishNoSubscribers(t *testing.T) {
	b := NewLocal()
	defer b.Close()

	if err := b.Publish(context.Background(), "empty-chan", []byte("hello")); err != nil {
		t.Fatalf("publish to empty channel should not error: %v", err)
	}
}

func TestLocalSubscriptionOrder(t *testing.T) {
	b := NewLocal()
	defer b.Close()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe(context.Background(), "multi", func(channel string, data []byte) {
			order = append(order, i)
		})
	}

	b.Publish(context.Background(), "multi", []byte("msg"))
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("expected handlers in subscription order, got %v", order)
	}
}

func TestLocalUnsubscribe(t *testing.T) {
	b := NewLocal()
	defer b.Close()

	var count atomic.Int32
	b.Subscribe(context.Background(), "unsub-test", func(channel string, data []byte) {
		count.Add(1)
	})

	b.Publish(context.Background(), "unsub-test", []byte("before"))
	b.Unsubscribe(context.Background(), "unsub-test")
	b.Publish(context.Background(), "unsub-test", []byte("after"))

	if count.Load() != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count.Load())
	}
	if err := b.Unsubscribe(context.Background(), "nonexistent"); err != nil {
		t.Errorf("unsubscribe nonexistent should not error: %v", err)
	}
}

func TestLocalClose(t *testing.T) {
	b := NewLocal()

	var count atomic.Int32
	b.Subscribe(context.Background(), "close-test", func(channel string, data []byte) {
		count.Add(1)
	})

	b.Close()
	if err := b.Publish(context.Background(), "close-test", []byte("after close")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if count.Load() != 0 {
		t.Errorf("expected 0 after close, got %d", count.Load())
	}
	if err := b.Subscribe(context.Background(), "close-test", func(string, []byte) {}); err != ErrClosed {
		t.Errorf("expected ErrClosed on subscribe, got %v", err)
	}
}

func TestLocalIsolatedChannels(t *testing.T) {
	b := NewLocal()
	defer b.Close()

	var countA, countB atomic.Int32
	b.Subscribe(context.Background(), "chan-a", func(channel string, data []byte) {
		countA.Add(1)
	})
	b.Subscribe(context.Background(), "chan-b", func(channel string, data []byte) {
		countB.Add(1)
	})

	b.Publish(context.Background(), "chan-a", []byte("msg"))

	if countA.Load() != 1 {
		t.Errorf("expected chan-a count 1, got %d", countA.Load())
	}
	if countB.Load() != 0 {
		t.Errorf("expected chan-b count 0, got %d", countB.Load())
	}
}

func BenchmarkLocalPublish(b *testing.B) {
	br := NewLocal()
	defer br.Close()
	br.Subscribe(context.Background(), "bench", func(channel string, data []byte) {})
	data := []byte("benchmark message")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		br.Publish(context.Background(), "bench", data)
	}
}
