package observable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeYieldsCurrentThenLatest(t *testing.T) {
	v := NewValue("a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := v.Subscribe(ctx)
	require.Equal(t, "a", <-ch)

	v.Set("b")
	v.Set("c")
	require.Equal(t, "c", <-ch)
	require.Equal(t, "c", v.Get())
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	v := NewValue(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch := v.Subscribe(ctx)
	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	v.Set(2)
}

func TestUpdate(t *testing.T) {
	v := NewValue(1)
	got := v.Update(func(n int) int { return n + 41 })
	require.Equal(t, 42, got)
	require.Equal(t, 42, v.Get())
}
