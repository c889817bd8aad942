package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu          sync.Mutex
	subscribed  [][]string
	unsubscribe [][]string
}

func (f *fakeSink) SubscribeMarkets(_ context.Context, tickers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, append([]string(nil), tickers...))
	return nil
}

func (f *fakeSink) UnsubscribeMarkets(_ context.Context, tickers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribe = append(f.unsubscribe, append([]string(nil), tickers...))
	return nil
}

func (f *fakeSink) allSubscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.subscribed {
		out = append(out, b...)
	}
	return out
}

func tickers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("MKT-%04d", i)
	}
	return out
}

func TestOnMarketDiscovered_CeilingAndOverflow(t *testing.T) {
	m := NewManager(Config{Ceiling: 1000, BatchSize: 100, CommandsPerSecond: 10}, nil)

	for _, tk := range tickers(1200) {
		m.OnMarketDiscovered(tk)
	}

	stats := m.Stats()
	assert.Equal(t, 1000, stats.Active)
	assert.Equal(t, 200, stats.Overflow)
	assert.Equal(t, 1000, stats.PendingSubscribes)
}

func TestOnMarketDiscovered_Dedup(t *testing.T) {
	m := NewManager(Config{Ceiling: 10, BatchSize: 5, CommandsPerSecond: 10}, nil)

	m.OnMarketDiscovered("MKT-A")
	m.OnMarketDiscovered("MKT-A")

	stats := m.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.PendingSubscribes)
}

func TestOnMarketTerminal_PromotesOldestFirst(t *testing.T) {
	m := NewManager(Config{Ceiling: 3, BatchSize: 10, CommandsPerSecond: 10}, nil)

	for _, tk := range []string{"A", "B", "C", "D", "E"} {
		m.OnMarketDiscovered(tk)
	}
	require.Equal(t, 3, m.Stats().Active)
	require.Equal(t, 2, m.Stats().Overflow)

	// Drop the pending subscribes so promotion order is observable.
	m.mu.Lock()
	m.pendingSub = nil
	m.mu.Unlock()

	m.OnMarketTerminal("B")

	stats := m.Stats()
	assert.Equal(t, 3, stats.Active)
	assert.Equal(t, 1, stats.Overflow)
	assert.Equal(t, 1, stats.PendingUnsubscribes)

	m.mu.Lock()
	promoted := append([]string(nil), m.pendingSub...)
	remaining := append([]string(nil), m.overflow...)
	m.mu.Unlock()
	assert.Equal(t, []string{"D"}, promoted)
	assert.Equal(t, []string{"E"}, remaining)
}

func TestOnMarketTerminal_OverflowEntry(t *testing.T) {
	m := NewManager(Config{Ceiling: 1, BatchSize: 10, CommandsPerSecond: 10}, nil)

	m.OnMarketDiscovered("A")
	m.OnMarketDiscovered("B")
	require.Equal(t, 1, m.Stats().Overflow)

	m.OnMarketTerminal("B")

	stats := m.Stats()
	assert.Equal(t, 0, stats.Overflow)
	assert.Equal(t, 0, stats.PendingUnsubscribes)
	assert.Equal(t, 1, stats.Active)
}

func TestSeed(t *testing.T) {
	m := NewManager(Config{Ceiling: 5, BatchSize: 10, CommandsPerSecond: 10}, nil)

	m.Seed(tickers(8))

	stats := m.Stats()
	assert.Equal(t, 5, stats.Active)
	assert.Equal(t, 3, stats.Overflow)
	assert.Equal(t, 0, stats.PendingSubscribes)
	assert.Len(t, m.ResubscribeList(), 5)
}

func TestDispatch_BatchesThroughSink(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(Config{Ceiling: 1000, BatchSize: 100, CommandsPerSecond: 1000}, nil)
	m.SetSink(sink)
	m.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	}()

	want := tickers(250)
	for _, tk := range want {
		m.OnMarketDiscovered(tk)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(sink.allSubscribed()) == len(want) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("subscribed %d tickers, want %d", len(sink.allSubscribed()), len(want))
		case <-time.After(10 * time.Millisecond):
		}
	}

	assert.ElementsMatch(t, want, sink.allSubscribed())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, b := range sink.subscribed {
		assert.LessOrEqual(t, len(b), 100)
	}
}

func TestResubscribeList(t *testing.T) {
	m := NewManager(Config{Ceiling: 10, BatchSize: 10, CommandsPerSecond: 10}, nil)
	m.OnMarketDiscovered("A")
	m.OnMarketDiscovered("B")

	assert.ElementsMatch(t, []string{"A", "B"}, m.ResubscribeList())
}

func TestTakeBatch(t *testing.T) {
	batch, rest := takeBatch([]string{"a", "b", "c"}, 2)
	assert.Equal(t, []string{"a", "b"}, batch)
	assert.Equal(t, []string{"c"}, rest)

	batch, rest = takeBatch([]string{"a"}, 2)
	assert.Equal(t, []string{"a"}, batch)
	assert.Nil(t, rest)
}
