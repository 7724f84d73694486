// Package feed maintains the mark-price cache from an exchange ticker
// websocket. The risk governor reads prices from the cache; when the feed is
// down or stale the account workers fall back to broker-reported marks.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// tickerMessage is the JSON shape of one ticker update from the venue feed.
type tickerMessage struct {
	Event     string  `json:"event"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}

// subscribeCommand is sent after connecting to request ticker updates.
type subscribeCommand struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

// TickerFeed connects to the venue ticker websocket, subscribes to the
// configured symbols, and writes every price update into the price cache.
// It reconnects with exponential backoff on disconnect.
type TickerFeed struct {
	wsURL   string
	symbols []string
	cache   domain.PriceCache
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a TickerFeed that keeps the cache warm for the given symbols.
func New(wsURL string, symbols []string, cache domain.PriceCache, logger *slog.Logger) *TickerFeed {
	return &TickerFeed{
		wsURL:   wsURL,
		symbols: symbols,
		cache:   cache,
		logger:  logger.With(slog.String("component", "ticker_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects, subscribes, and pumps ticker updates into the cache until
// ctx is cancelled or Close is called. Each disconnect is retried with
// exponential backoff; the delay resets after a healthy connection.
func (f *TickerFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, feed disabled")
		return nil
	}

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		start := time.Now()
		err := f.runConnection(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-f.done:
			return nil
		default:
		}

		// A connection that survived a while resets the backoff.
		if time.Since(start) > time.Minute {
			delay = reconnectDelay
		}
		f.logger.Warn("ticker feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *TickerFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// runConnection dials the websocket, subscribes, and reads ticker messages
// until the connection drops or ctx is cancelled.
func (f *TickerFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.logger.Info("ticker feed subscribed", slog.Int("symbols", len(f.symbols)))

	// Ping loop and ctx watcher. Closing the connection unblocks ReadMessage.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-f.done:
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		if err := f.handleMessage(ctx, raw); err != nil {
			f.logger.Debug("ticker message dropped",
				slog.String("error", err.Error()),
				slog.Int("payload_len", len(raw)))
		}
	}
}

func (f *TickerFeed) subscribe(conn *websocket.Conn) error {
	cmd := subscribeCommand{
		Type:    "subscribe",
		Channel: "ticker",
		Symbols: f.symbols,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

// handleMessage parses one raw message and writes the price into the cache.
// Non-ticker events and unparseable payloads are dropped.
func (f *TickerFeed) handleMessage(ctx context.Context, raw []byte) error {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	if msg.Event != "" && msg.Event != "ticker" {
		return nil
	}
	symbol := strings.TrimSpace(msg.Symbol)
	if symbol == "" || msg.Price <= 0 {
		return nil
	}

	ts := time.Now()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			ts = t
		}
	}
	return f.cache.SetPrice(ctx, symbol, msg.Price, ts)
}
