package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int](10)

	for i := 0; i < 5; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := q.TryPop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_GrowsAt70Percent(t *testing.T) {
	q := New[int](10)

	for i := 0; i < 7; i++ {
		q.Push(i)
	}

	stats := q.Stats()
	assert.Equal(t, 20, stats.Cap)
	assert.Equal(t, 1, stats.Resizes)

	for i := 0; i < 7; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestQueue_WrapAroundThenGrow(t *testing.T) {
	q := New[int](10)

	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	for i := 0; i < 5; i++ {
		q.TryPop()
	}

	// head is now mid-slice; these writes wrap and then trigger a resize.
	for i := 100; i < 110; i++ {
		q.Push(i)
	}

	got := q.Drain(0)
	want := []int{100, 101, 102, 103, 104, 105, 106, 107, 108, 109}
	assert.Equal(t, want, got)
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := New[string](4)

	result := make(chan string, 1)
	go func() {
		v, _ := q.Pop()
		result <- v
	}()

	select {
	case <-result:
		t.Fatal("Pop returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")

	select {
	case v := <-result:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestQueue_CloseDrainsThenStops(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	q.Push(2)
	q.Close()

	assert.False(t, q.Push(3), "Push after Close should fail")

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = q.Pop()
	assert.False(t, ok)
	assert.True(t, q.Stats().IsClosed)
}

func TestQueue_CloseWakesBlockedPop(t *testing.T) {
	q := New[int](4)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake Pop")
	}
}

func TestQueue_DrainLimit(t *testing.T) {
	q := New[int](8)
	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	assert.Equal(t, []int{0, 1, 2}, q.Drain(3))
	assert.Equal(t, []int{3, 4}, q.Drain(10))
	assert.Nil(t, q.Drain(1))
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New[int](2)

	const producers, perProducer = 8, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(i)
			}
		}()
	}

	received := 0
	done := make(chan struct{})
	go func() {
		for {
			if _, ok := q.Pop(); !ok {
				close(done)
				return
			}
			received++
		}
	}()

	wg.Wait()
	q.Close()
	<-done

	assert.Equal(t, producers*perProducer, received)
	stats := q.Stats()
	assert.Equal(t, int64(producers*perProducer), stats.Pushed)
	assert.Equal(t, stats.Pushed, stats.Popped)
}

func TestNew_MinCapacity(t *testing.T) {
	q := New[int](0)
	require.True(t, q.Push(42))

	v, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 42, v)
}
