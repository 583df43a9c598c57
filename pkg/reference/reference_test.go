package reference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefNotifiesInOrder(t *testing.T) {
	ref := NewRef(1.0)
	var got []string

	ctx := context.Background()
	ref.OnUpdate(ctx, func(v float64) { got = append(got, "a") }, false)
	ref.OnUpdate(ctx, func(v float64) { got = append(got, "b") }, false)
	ref.Set(2)

	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 2.0, ref.Get())
}

func TestRefEmitCurrent(t *testing.T) {
	ref := NewRef(1.5)
	var seen []float64
	ref.OnUpdate(context.Background(), func(v float64) { seen = append(seen, v) }, true)
	ref.Set(2)
	assert.Equal(t, []float64{1.5, 2}, seen)
}

func TestRefCancelStopsNotifications(t *testing.T) {
	ref := NewRef(0)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	ref.OnUpdate(ctx, func(int) { calls++ }, false)
	cancel()
	ref.Set(1)

	assert.Equal(t, 0, calls)
	assert.Eventually(t, func() bool { return ref.ListenerCount() == 0 }, time.Second, time.Millisecond)
}

func TestKnownOnceSetOrder(t *testing.T) {
	k := NewKnown[int]()
	var order []int
	ctx := context.Background()
	k.OnceSet(ctx, func(v int) { order = append(order, v*1) })
	k.OnceSet(ctx, func(v int) { order = append(order, v*10) })

	require.True(t, k.Set(3))
	assert.False(t, k.Set(4))
	assert.Equal(t, []int{3, 30}, order)

	// already set: synchronous call
	k.OnceSet(ctx, func(v int) { order = append(order, v*100) })
	assert.Equal(t, []int{3, 30, 300}, order)
}

func TestKnownOnceSetCanceled(t *testing.T) {
	k := NewKnown[string]()
	ctx, cancel := context.WithCancel(context.Background())
	called := false
	k.OnceSet(ctx, func(string) { called = true })
	cancel()
	k.Set("x")
	assert.False(t, called)
}

func TestKnownWait(t *testing.T) {
	k := NewKnown[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		k.Set(42)
	}()

	v, err := k.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	other := NewKnown[int]()
	_, err = other.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
