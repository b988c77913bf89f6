package media

import (
	"context"
	"testing"
	"time"
)

func TestBridgeDeliversInOrder(t *testing.T) {
	b := NewBridge()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Push(EncodedFrame{PTS: int64(i), Kind: KindVideo})
		frame, err := b.Recv(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if frame.PTS != int64(i) {
			t.Fatalf("expected pts %d, got %d", i, frame.PTS)
		}
	}
	if b.Dropped() != 0 {
		t.Fatalf("no drops expected, got %d", b.Dropped())
	}
}

func TestBridgeDropsOldest(t *testing.T) {
	b := NewBridge()

	b.Push(EncodedFrame{PTS: 1})
	b.Push(EncodedFrame{PTS: 2})
	b.Push(EncodedFrame{PTS: 3})

	frame, err := b.Recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if frame.PTS != 3 {
		t.Fatalf("consumer must see the most recent frame, got pts %d", frame.PTS)
	}
	if b.Dropped() != 2 {
		t.Fatalf("expected 2 drops, got %d", b.Dropped())
	}
}

func TestBridgeOverflowCountMatchesBlockedConsumer(t *testing.T) {
	b := NewBridge()

	// Producer emits 100 frames while the consumer is blocked; afterwards the
	// consumer must observe the most recent sample first and the overflow
	// count must equal produced - consumable.
	const produced = 100
	for i := 1; i <= produced; i++ {
		b.Push(EncodedFrame{PTS: int64(i)})
	}

	frame, err := b.Recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if frame.PTS != produced {
		t.Fatalf("expected most recent pts %d, got %d", produced, frame.PTS)
	}
	if got := b.Dropped(); got != produced-1 {
		t.Fatalf("expected %d dropped, got %d", produced-1, got)
	}
}

func TestBridgeMonotonicSubsequenceUnderConcurrency(t *testing.T) {
	b := NewBridge()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const produced = 500
	go func() {
		for i := 1; i <= produced; i++ {
			b.Push(EncodedFrame{PTS: int64(i)})
		}
		cancel()
	}()

	var last int64
	for {
		frame, err := b.Recv(ctx)
		if err != nil {
			break
		}
		if frame.PTS <= last {
			t.Fatalf("drops must never reorder: saw %d after %d", frame.PTS, last)
		}
		last = frame.PTS
	}
}

func TestBridgeRecvUnblocksOnCancel(t *testing.T) {
	b := NewBridge()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := b.Recv(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock on cancellation")
	}
}
