package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
	stamps map[string]time.Time
}

func newMemPriceCache() *memPriceCache {
	return &memPriceCache{
		prices: make(map[string]float64),
		stamps: make(map[string]time.Time),
	}
}

func (c *memPriceCache) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
	c.stamps[symbol] = ts
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, nil
	}
	return p, c.stamps[symbol], nil
}

func (c *memPriceCache) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := c.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func (c *memPriceCache) get(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	return p, ok
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleMessageWritesCache(t *testing.T) {
	t.Parallel()

	cache := newMemPriceCache()
	f := New("ws://unused", []string{"BTC"}, cache, discard())

	raw := []byte(`{"event":"ticker","symbol":"BTC","price":43250.5,"timestamp":"2025-01-15T10:30:00Z"}`)
	require.NoError(t, f.handleMessage(context.Background(), raw))

	price, ok := cache.get("BTC")
	require.True(t, ok)
	assert.Equal(t, 43250.5, price)
	assert.Equal(t, time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC), cache.stamps["BTC"])
}

func TestHandleMessageIgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	cache := newMemPriceCache()
	f := New("ws://unused", []string{"BTC"}, cache, discard())

	require.NoError(t, f.handleMessage(context.Background(), []byte(`{"event":"heartbeat"}`)))
	require.NoError(t, f.handleMessage(context.Background(), []byte(`{"event":"ticker","symbol":"","price":1}`)))
	require.NoError(t, f.handleMessage(context.Background(), []byte(`{"event":"ticker","symbol":"BTC","price":0}`)))
	assert.Empty(t, cache.prices)
}

func TestHandleMessageRejectsGarbage(t *testing.T) {
	t.Parallel()

	f := New("ws://unused", []string{"BTC"}, newMemPriceCache(), discard())
	assert.Error(t, f.handleMessage(context.Background(), []byte("not json")))
}

// tickerServer upgrades one connection, records the subscribe command, and
// pushes the scripted messages before holding the socket open.
func tickerServer(t *testing.T, messages [][]byte, gotSub chan<- subscribeCommand) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd subscribeCommand
		if err := json.Unmarshal(raw, &cmd); err == nil {
			gotSub <- cmd
		}

		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}

		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestRunSubscribesAndFeedsCache(t *testing.T) {
	t.Parallel()

	messages := [][]byte{
		[]byte(`{"event":"ticker","symbol":"BTC","price":43250.5}`),
		[]byte(`{"event":"ticker","symbol":"ETH","price":2990.25}`),
	}
	gotSub := make(chan subscribeCommand, 1)
	srv := tickerServer(t, messages, gotSub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cache := newMemPriceCache()
	f := New(wsURL, []string{"BTC", "ETH"}, cache, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case cmd := <-gotSub:
		assert.Equal(t, "subscribe", cmd.Type)
		assert.Equal(t, "ticker", cmd.Channel)
		assert.Equal(t, []string{"BTC", "ETH"}, cmd.Symbols)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe command received")
	}

	require.Eventually(t, func() bool {
		_, btc := cache.get("BTC")
		_, eth := cache.get("ETH")
		return btc && eth
	}, 5*time.Second, 10*time.Millisecond)

	price, _ := cache.get("BTC")
	assert.Equal(t, 43250.5, price)

	f.Close()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestRunNoSymbolsReturnsImmediately(t *testing.T) {
	t.Parallel()

	f := New("ws://unused", nil, newMemPriceCache(), discard())
	require.NoError(t, f.Run(context.Background()))
}
