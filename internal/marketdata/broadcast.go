package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/efreitasn/matchengine/internal/domain"
	"github.com/efreitasn/matchengine/internal/logging"
)

// Frame is the JSON depth message: prices and quantities are strings in
// [price, quantity] pairs, best first.
type Frame struct {
	Symbol string      `json:"symbol"`
	TS     int64       `json:"ts"`
	Bids   [][2]string `json:"bids"`
	Asks   [][2]string `json:"asks"`
}

// NewFrame builds a frame stamped with ts.
func NewFrame(symbol string, ts time.Time, bids, asks []domain.DepthLevel) Frame {
	return Frame{
		Symbol: symbol,
		TS:     ts.UnixMilli(),
		Bids:   pairs(bids),
		Asks:   pairs(asks),
	}
}

func pairs(levels []domain.DepthLevel) [][2]string {
	out := make([][2]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, [2]string{l.Price.String(), l.Quantity.String()})
	}
	return out
}

// MultiBroadcaster fans a snapshot out to several broadcasters.
type MultiBroadcaster []Broadcaster

func (m MultiBroadcaster) Broadcast(symbol string, bids, asks []domain.DepthLevel, levels int) {
	for _, b := range m {
		b.Broadcast(symbol, bids, asks, levels)
	}
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(symbol string, bids, asks []domain.DepthLevel, levels int)

func (f BroadcasterFunc) Broadcast(symbol string, bids, asks []domain.DepthLevel, levels int) {
	f(symbol, bids, asks, levels)
}

const (
	clientBuffer = 256
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// wsClient is one subscriber. A nil symbols set subscribes to everything.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	symbols map[string]bool
	once    sync.Once
}

func (c *wsClient) wants(symbol string) bool {
	return c.symbols == nil || c.symbols[symbol]
}

// WebSocketHub serves depth frames to WebSocket subscribers. A subscriber
// whose buffer is full is dropped rather than slowing the aggregator.
type WebSocketHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	logger   *zap.Logger
	now      func() time.Time
}

// NewWebSocketHub creates an empty hub.
func NewWebSocketHub(logger *zap.Logger) *WebSocketHub {
	return &WebSocketHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// ServeHTTP upgrades the request and subscribes the connection. The
// optional "symbols" query parameter is a comma-separated filter.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		c.symbols = make(map[string]bool)
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.symbols[s] = true
			}
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

// Clients returns the number of connected subscribers.
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes the snapshot once and queues it for every interested
// subscriber.
func (h *WebSocketHub) Broadcast(symbol string, bids, asks []domain.DepthLevel, _ int) {
	msg, err := json.Marshal(NewFrame(symbol, h.now(), bids, asks))
	if err != nil {
		h.logger.Error("encode depth frame", zap.Error(err))
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(symbol) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Debug("dropping slow websocket subscriber", zap.String("remote", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
}

// Close disconnects every subscriber.
func (h *WebSocketHub) Close() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.remove(c)
	}
}

func (h *WebSocketHub) remove(c *wsClient) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send)
	})
}

func (h *WebSocketHub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readLoop discards client messages and notices disconnects.
func (h *WebSocketHub) readLoop(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// RedisPublisher publishes depth frames to the Redis channel
// "depth.<symbol>".
type RedisPublisher struct {
	client  redis.UniversalClient
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewRedisPublisher creates a publisher using client.
func NewRedisPublisher(client redis.UniversalClient, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		timeout: 250 * time.Millisecond,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// Channel returns the Redis channel for symbol.
func Channel(symbol string) string {
	return "depth." + symbol
}

func (p *RedisPublisher) Broadcast(symbol string, bids, asks []domain.DepthLevel, _ int) {
	msg, err := json.Marshal(NewFrame(symbol, p.now(), bids, asks))
	if err != nil {
		p.logger.Error("encode depth frame", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, Channel(symbol), msg).Err(); err != nil {
		p.logger.Warn("redis depth publish failed", zap.String("symbol", symbol), zap.Error(err))
	}
}
