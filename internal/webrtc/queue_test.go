package webrtc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueue_RunsInSubmissionOrder(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var got []int
	for i := 0; i < 20; i++ {
		i := i
		if err := q.Do(context.Background(), func() error {
			got = append(got, i)
			return nil
		}); err != nil {
			t.Fatalf("do %d: %v", i, err)
		}
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("expected %d at position %d, got %d", i, i, v)
		}
	}
}

func TestQueue_NeverRunsConcurrently(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var (
		mu      sync.Mutex
		running int
		overlap bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), func() error {
				mu.Lock()
				running++
				if running > 1 {
					overlap = true
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if overlap {
		t.Error("expected operations to run one at a time")
	}
}

func TestQueue_PropagatesError(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	want := errors.New("boom")
	if err := q.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestQueue_ClosedDoesNotHang(t *testing.T) {
	q := NewQueue()
	q.Close()

	// A job racing with shutdown may still run; either outcome is fine as
	// long as Do returns.
	err := q.Do(context.Background(), func() error { return nil })
	if err != nil && !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected nil or ErrQueueClosed, got %v", err)
	}
}
