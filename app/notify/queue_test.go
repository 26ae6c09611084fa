package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestQueueBuffersPushes(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	q := NewQueue[int](nil)
	q.Push(1)
	q.Push(2)

	v, ok, err := q.Pull(ctx)
	is.NoErr(err)
	is.True(ok)
	is.Equal(v, 1)

	v, ok, err = q.Pull(ctx)
	is.NoErr(err)
	is.True(ok)
	is.Equal(v, 2)
}

func TestQueueResolvesWaiter(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	q := NewQueue[int](nil)

	got := make(chan int, 1)
	go func() {
		v, ok, err := q.Pull(ctx)
		if err == nil && ok {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(7)

	select {
	case v := <-got:
		is.Equal(v, 7)
	case <-time.After(time.Second):
		t.Fatal("pull never resolved")
	}
}

func TestQueueCloseDrainsWaiters(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	closed := 0
	q := NewQueue[int](func() { closed++ })

	done := make(chan bool, 1)
	go func() {
		_, ok, err := q.Pull(ctx)
		done <- ok || err != nil
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case gotMessage := <-done:
		is.True(!gotMessage)
	case <-time.After(time.Second):
		t.Fatal("waiter never drained")
	}
	is.Equal(closed, 1)

	q.Push(9)
	_, ok, err := q.Pull(ctx)
	is.NoErr(err)
	is.True(!ok)
}

func TestQueueInitErrorSurfacesOnFirstPull(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	boom := errors.New("provider init failed")
	q := NewQueue[int](nil)
	q.Fail(boom)
	q.Push(1)

	_, _, err := q.Pull(ctx)
	is.True(errors.Is(err, boom))

	v, ok, err := q.Pull(ctx)
	is.NoErr(err)
	is.True(ok)
	is.Equal(v, 1)
}

func TestQueuePullHonorsContext(t *testing.T) {
	is := is.New(t)

	q := NewQueue[int](nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := q.Pull(ctx)
	is.True(errors.Is(err, context.DeadlineExceeded))

	// the expired waiter must not swallow the next push
	q.Push(3)
	v, ok, err := q.Pull(context.Background())
	is.NoErr(err)
	is.True(ok)
	is.Equal(v, 3)
}
