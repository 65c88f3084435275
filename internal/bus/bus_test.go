package bus

import (
	"testing"
	"time"

	"quantbox/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(price int64) market.PriceTick {
	return market.PriceTick{
		Symbol:    "AAPL",
		Price:     decimal.NewFromInt(price),
		Timestamp: time.Now(),
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropNewest, p)

	p, err = ParsePolicy("Drop-Oldest")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	_, err = ParsePolicy("yolo")
	assert.Error(t, err)
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	b := New(Options{QueueSize: 4})
	defer b.Close()

	s1 := b.Subscribe("matcher")
	s2 := b.Subscribe("recorder")

	b.Publish(tick(100))

	got1 := <-s1.C()
	got2 := <-s2.C()
	assert.True(t, got1.Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, got2.Price.Equal(decimal.NewFromInt(100)))
}

func TestDropNewestKeepsOldTicks(t *testing.T) {
	b := New(Options{QueueSize: 2, Policy: DropNewest})
	defer b.Close()
	sub := b.Subscribe("slow")

	b.Publish(tick(1))
	b.Publish(tick(2))
	b.Publish(tick(3)) // queue full, dropped

	assert.Equal(t, uint64(1), sub.Dropped())
	first := <-sub.C()
	second := <-sub.C()
	assert.True(t, first.Price.Equal(decimal.NewFromInt(1)))
	assert.True(t, second.Price.Equal(decimal.NewFromInt(2)))

	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected tick %v", extra.Price)
	default:
	}
}

func TestDropOldestKeepsNewTicks(t *testing.T) {
	b := New(Options{QueueSize: 2, Policy: DropOldest})
	defer b.Close()
	sub := b.Subscribe("slow")

	b.Publish(tick(1))
	b.Publish(tick(2))
	b.Publish(tick(3)) // evicts tick 1

	assert.Equal(t, uint64(1), sub.Dropped())
	first := <-sub.C()
	second := <-sub.C()
	assert.True(t, first.Price.Equal(decimal.NewFromInt(2)))
	assert.True(t, second.Price.Equal(decimal.NewFromInt(3)))
}

func TestBlockPolicyWaitsForConsumer(t *testing.T) {
	b := New(Options{QueueSize: 1, Policy: Block, BlockTimeout: time.Second})
	defer b.Close()
	sub := b.Subscribe("slow")

	b.Publish(tick(1))

	done := make(chan struct{})
	go func() {
		b.Publish(tick(2)) // blocks until the consumer drains
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	got := <-sub.C()
	assert.True(t, got.Price.Equal(decimal.NewFromInt(1)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not unblock")
	}
	assert.Equal(t, uint64(0), sub.Dropped())
}

func TestBlockPolicyDropsAfterTimeout(t *testing.T) {
	b := New(Options{QueueSize: 1, Policy: Block, BlockTimeout: 10 * time.Millisecond})
	defer b.Close()
	sub := b.Subscribe("stuck")

	b.Publish(tick(1))
	b.Publish(tick(2)) // no consumer, drops after the timeout

	assert.Equal(t, uint64(1), sub.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	sub := b.Subscribe("gone")
	b.Unsubscribe(sub)

	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing after unsubscribe does not panic and reaches nobody.
	b.Publish(tick(1))
}

func TestCloseDuringBlockedPublish(t *testing.T) {
	b := New(Options{QueueSize: 1, Policy: Block, BlockTimeout: 200 * time.Millisecond})
	sub := b.Subscribe("slow")

	b.Publish(tick(1)) // fills the queue

	published := make(chan struct{})
	go func() {
		defer close(published)
		b.Publish(tick(2)) // parks waiting for space
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		b.Close() // waits for the parked publish instead of closing under it
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not return")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}

	got, open := <-sub.C()
	require.True(t, open, "queued tick survives shutdown")
	assert.True(t, got.Price.Equal(decimal.NewFromInt(1)))
	_, open = <-sub.C()
	assert.False(t, open)
}

func TestUnsubscribeDuringPublishStorm(t *testing.T) {
	b := New(Options{QueueSize: 1, Policy: DropNewest})
	defer b.Close()
	sub := b.Subscribe("flaky")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(0); i < 500; i++ {
			b.Publish(tick(i))
		}
	}()
	b.Unsubscribe(sub)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not finish")
	}
}

func TestCloseShutsDownAllSubscribers(t *testing.T) {
	b := New(Options{})
	s1 := b.Subscribe("a")
	s2 := b.Subscribe("b")
	b.Close()

	_, open1 := <-s1.C()
	_, open2 := <-s2.C()
	assert.False(t, open1)
	assert.False(t, open2)

	sub := b.Subscribe("late")
	_, open := <-sub.C()
	assert.False(t, open)
}
