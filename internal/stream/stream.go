// Package stream maintains a WebSocket subscription to the broker's
// market-data stream and caches the latest quote per symbol.
//
// The feed speaks Alpaca's v2 stream protocol: the server greets with a
// "connected" control frame, the client authenticates, then subscribes
// to quote channels by symbol. Data arrives as JSON arrays of messages
// tagged by "T" ("q" for quotes). The connection auto-reconnects with
// exponential backoff (1s → 30s max) and re-subscribes to all tracked
// symbols; a read deadline detects silent server failures.
//
// Consumers never block on the socket. They ask the cache for the last
// quote and fall back to REST when it is older than their freshness
// window.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"momo-bot/internal/broker"
)

const (
	pingInterval     = 30 * time.Second // client keepalive pings
	readTimeout      = 90 * time.Second // ~3 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	helloTimeout     = 10 * time.Second // auth handshake deadline
)

// URL builds the stream endpoint for a data feed ("iex" or "sip").
func URL(feed string) string {
	if feed == "" {
		feed = "iex"
	}
	return fmt.Sprintf("wss://stream.data.alpaca.markets/v2/%s", feed)
}

type cachedQuote struct {
	quote    broker.Quote
	received time.Time
}

// QuoteFeed manages the stream connection: lifecycle, subscription
// tracking, automatic re-subscribe on reconnect, and the quote cache.
type QuoteFeed struct {
	url    string
	key    string
	secret string

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect.
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	quotesMu sync.RWMutex
	quotes   map[string]cachedQuote

	logger *slog.Logger
}

// NewQuoteFeed creates a feed for wsURL authenticated with the given API
// credentials. Run must be started before quotes flow.
func NewQuoteFeed(wsURL, key, secret string, logger *slog.Logger) *QuoteFeed {
	return &QuoteFeed{
		url:        wsURL,
		key:        key,
		secret:     secret,
		subscribed: make(map[string]bool),
		quotes:     make(map[string]cachedQuote),
		logger:     logger.With("component", "stream"),
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *QuoteFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Quote returns the cached quote for symbol if one arrived within maxAge.
func (f *QuoteFeed) Quote(symbol string, maxAge time.Duration) (broker.Quote, bool) {
	f.quotesMu.RLock()
	cq, ok := f.quotes[symbol]
	f.quotesMu.RUnlock()
	if !ok || time.Since(cq.received) > maxAge {
		return broker.Quote{}, false
	}
	return cq.quote, true
}

// Sync reconciles the subscription set with symbols: new symbols are
// subscribed, departed ones unsubscribed. Wire errors are not fatal —
// the tracked set is updated first, and every (re)connect replays it.
func (f *QuoteFeed) Sync(symbols []string) error {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	var add, remove []string
	f.subscribedMu.Lock()
	for s := range want {
		if !f.subscribed[s] {
			add = append(add, s)
			f.subscribed[s] = true
		}
	}
	for s := range f.subscribed {
		if !want[s] {
			remove = append(remove, s)
			delete(f.subscribed, s)
		}
	}
	f.subscribedMu.Unlock()

	if len(remove) > 0 {
		f.dropQuotes(remove)
		if err := f.writeJSON(subscribeMsg{Action: "unsubscribe", Quotes: remove}); err != nil {
			return err
		}
	}
	if len(add) > 0 {
		return f.writeJSON(subscribeMsg{Action: "subscribe", Quotes: add})
	}
	return nil
}

// Close gracefully closes the connection.
func (f *QuoteFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *QuoteFeed) dropQuotes(symbols []string) {
	f.quotesMu.Lock()
	for _, s := range symbols {
		delete(f.quotes, s)
	}
	f.quotesMu.Unlock()
}

// subscribeMsg is both the auth and the channel-management frame; Alpaca
// distinguishes them by Action.
type subscribeMsg struct {
	Action string   `json:"action"`
	Key    string   `json:"key,omitempty"`
	Secret string   `json:"secret,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
}

// wsMessage is the union of every inbound frame shape; Type routes it.
type wsMessage struct {
	Type      string    `json:"T"`
	Symbol    string    `json:"S"`
	BidPrice  float64   `json:"bp"`
	BidSize   uint32    `json:"bs"`
	AskPrice  float64   `json:"ap"`
	AskSize   uint32    `json:"as"`
	Timestamp time.Time `json:"t"`
	Msg       string    `json:"msg"`
	Code      int       `json:"code"`
}

func (f *QuoteFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.handshake(conn); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("stream connected", "url", f.url)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchFrame(msg)
	}
}

// handshake waits for the server greeting and authenticates. The server
// answers auth with a "success"/"authenticated" control message; anything
// else aborts the connection.
func (f *QuoteFeed) handshake(conn *websocket.Conn) error {
	if err := f.awaitControl(conn, "connected"); err != nil {
		return err
	}
	if err := f.writeJSON(subscribeMsg{Action: "auth", Key: f.key, Secret: f.secret}); err != nil {
		return err
	}
	return f.awaitControl(conn, "authenticated")
}

func (f *QuoteFeed) awaitControl(conn *websocket.Conn, want string) error {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await %s: %w", want, err)
	}
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return fmt.Errorf("await %s: bad frame %q", want, data)
	}
	for _, m := range msgs {
		if m.Type == "error" {
			return fmt.Errorf("stream error %d: %s", m.Code, m.Msg)
		}
		if m.Type == "success" && m.Msg == want {
			return nil
		}
	}
	return fmt.Errorf("await %s: unexpected frame %q", want, data)
}

func (f *QuoteFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(subscribeMsg{Action: "subscribe", Quotes: symbols})
}

// dispatchFrame routes one inbound frame. Every Alpaca frame is a JSON
// array, even single control messages.
func (f *QuoteFeed) dispatchFrame(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		f.logger.Debug("ignoring non-array stream frame", "data", string(data))
		return
	}

	for _, m := range msgs {
		switch m.Type {
		case "q":
			f.storeQuote(m)

		case "subscription":
			f.logger.Debug("subscription updated")

		case "error":
			f.logger.Warn("stream error message", "code", m.Code, "msg", m.Msg)

		case "success":
			f.logger.Debug("stream control", "msg", m.Msg)

		case "t", "b", "d":
			// Trades, bars, dailies — not subscribed, ignore if sent.

		default:
			f.logger.Debug("unknown stream message type", "type", m.Type)
		}
	}
}

func (f *QuoteFeed) storeQuote(m wsMessage) {
	q := broker.Quote{
		Symbol:    m.Symbol,
		BidPrice:  m.BidPrice,
		AskPrice:  m.AskPrice,
		BidSize:   int64(m.BidSize),
		AskSize:   int64(m.AskSize),
		Timestamp: m.Timestamp,
	}
	f.quotesMu.Lock()
	f.quotes[m.Symbol] = cachedQuote{quote: q, received: time.Now()}
	f.quotesMu.Unlock()
}

func (f *QuoteFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// WriteControl is safe concurrently with WriteJSON.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *QuoteFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
