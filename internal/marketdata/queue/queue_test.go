package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"kitefeed/internal/model"
)

func tick(token uint32) model.Event {
	return model.Tick{Token: token, LastPrice: 100}
}

func TestQueue_FIFO(t *testing.T) {
	q := New(8)
	ctx := context.Background()
	for i := uint32(1); i <= 3; i++ {
		if err := q.Enqueue(ctx, tick(i)); err != nil {
			t.Fatal(err)
		}
	}
	for i := uint32(1); i <= 3; i++ {
		ev, err := q.Dequeue(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if ev.InstrumentToken() != i {
			t.Errorf("dequeued token %d, want %d", ev.InstrumentToken(), i)
		}
	}
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := New(8)
	start := time.Now()
	_, err := q.Dequeue(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("dequeue returned before the timeout elapsed")
	}
}

func TestQueue_ClosedAfterDrain(t *testing.T) {
	q := New(8)
	q.Enqueue(context.Background(), tick(1))
	q.Close()

	if _, err := q.Dequeue(time.Second); err != nil {
		t.Fatalf("expected buffered event after close, got %v", err)
	}
	if _, err := q.Dequeue(time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed once drained, got %v", err)
	}
}

func TestQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := New(1)
	ctx := context.Background()
	q.Enqueue(ctx, tick(1))

	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(entered)
		q.Enqueue(ctx, tick(2)) // must block until a slot frees
		close(done)
	}()

	<-entered
	select {
	case <-done:
		t.Fatal("enqueue on a full queue did not block")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Dequeue(time.Second); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue did not unblock after dequeue")
	}
}

func TestQueue_EnqueueHonorsContext(t *testing.T) {
	q := New(1)
	q.Enqueue(context.Background(), tick(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, tick(2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestQueue_MirrorNeverBlocks(t *testing.T) {
	q := New(8)
	mirror := make(chan model.Event, 1)
	var drops atomic.Int64
	q.AttachWatcher(mirror, func() { drops.Add(1) })

	ctx := context.Background()
	q.Enqueue(ctx, tick(1)) // fills the mirror
	q.Enqueue(ctx, tick(2)) // mirror full: dropped, primary still enqueued

	if drops.Load() != 1 {
		t.Errorf("mirror drops = %d, want 1", drops.Load())
	}
	if q.Len() != 2 {
		t.Errorf("queue len = %d, want 2 (primary path unaffected)", q.Len())
	}
	if ev := <-mirror; ev.InstrumentToken() != 1 {
		t.Errorf("mirrored token = %d, want 1", ev.InstrumentToken())
	}
}
