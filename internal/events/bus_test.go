package events

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBus_SubscribeAndCancel(t *testing.T) {
	b := New[int]("test", quietLogger())

	var a, c []int
	cancelA := b.Subscribe(func(v int) { a = append(a, v) })
	cancelC := b.Subscribe(func(v int) { c = append(c, v) })
	require.Equal(t, 2, b.Len())

	b.Publish(1)
	cancelA()
	cancelA()
	b.Publish(2)

	assert.Equal(t, []int{1}, a, "cancelled subscriber MUST stop receiving")
	assert.Equal(t, []int{1, 2}, c)
	assert.Equal(t, 1, b.Len())

	cancelC()
	assert.Zero(t, b.Len())
}

func TestBus_PanickingHandlerIsSkipped(t *testing.T) {
	b := New[string]("test", quietLogger())

	var got []string
	b.Subscribe(func(string) { panic("bad handler") })
	b.Subscribe(func(v string) { got = append(got, v) })

	assert.NotPanics(t, func() { b.Publish("x") })
	assert.Equal(t, []string{"x"}, got)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(1), stats.Panics)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestBus_SubscribeChan(t *testing.T) {
	b := New[int]("test", quietLogger())

	ch, cancel := b.SubscribeChan(2)
	b.Publish(1)
	b.Publish(2)
	b.Publish(3)

	assert.Equal(t, 2, <-ch, "oldest value MUST be dropped when the channel is full")
	assert.Equal(t, 3, <-ch)
	assert.Equal(t, uint64(1), b.Stats().Dropped)

	cancel()
	_, ok := <-ch
	assert.False(t, ok, "Cancel MUST close the channel")
	assert.NotPanics(t, func() { b.Publish(4) })
}
