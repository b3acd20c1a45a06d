package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTryGet_EmptyChannel(t *testing.T) {
	ch := New[int]()
	rx := ch.Subscribe()

	_, ok := rx.TryGet()
	assert.False(t, ok, "fresh channel must report no value yet")
}

func TestTryGet_ReturnsLatestValue(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOfN(rapid.Int(), 1, 64).Draw(t, "values")

		ch := New[int]()
		rx := ch.Subscribe()
		for _, v := range values {
			ch.Send(v)
		}

		got, ok := rx.TryGet()
		if !ok {
			t.Fatalf("expected a value after %d sends", len(values))
		}
		if got != values[len(values)-1] {
			t.Fatalf("got %d, want last value %d", got, values[len(values)-1])
		}
	})
}

func TestChanged_NewSubscriberSeesCurrentValue(t *testing.T) {
	ch := New[string]()
	ch.Send("first")

	rx := ch.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := rx.Changed(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestChanged_SkipsToNewest(t *testing.T) {
	ch := New[int]()
	rx := ch.Subscribe()
	for i := 1; i <= 5; i++ {
		ch.Send(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := rx.Changed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	// Nothing new since; Changed must block until the context ends.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = rx.Changed(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTryGet_DoesNotConsumeChange(t *testing.T) {
	ch := New[int]()
	rx := ch.Subscribe()
	ch.Send(7)

	v, ok := rx.TryGet()
	require.True(t, ok)
	assert.Equal(t, 7, v)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := rx.Changed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestChanged_WakesEveryReader(t *testing.T) {
	const readers = 8

	ch := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		ready sync.WaitGroup
		done  sync.WaitGroup
		mu    sync.Mutex
		got   []int
	)
	ready.Add(readers)
	done.Add(readers)
	for i := 0; i < readers; i++ {
		rx := ch.Subscribe()
		go func() {
			defer done.Done()
			ready.Done()
			v, err := rx.Changed(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		}()
	}

	ready.Wait()
	ch.Send(42)
	done.Wait()

	require.Len(t, got, readers)
	for _, v := range got {
		assert.Equal(t, 42, v)
	}
}

func TestChanged_NeverOlderThanLastObserved(t *testing.T) {
	ch := New[int]()
	rx := ch.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		for i := 1; i <= 1000; i++ {
			ch.Send(i)
		}
	}()

	last := 0
	for last < 1000 {
		v, err := rx.Changed(ctx)
		require.NoError(t, err)
		require.Greater(t, v, last, "receiver observed a value older than one it already saw")
		last = v
	}
}

func TestGeneration_CountsSends(t *testing.T) {
	ch := New[bool]()
	assert.Equal(t, uint64(0), ch.Generation())
	ch.Send(true)
	ch.Send(false)
	assert.Equal(t, uint64(2), ch.Generation())
}
