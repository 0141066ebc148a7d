package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sprout/internal/logs"
	"sprout/internal/message"
	"sprout/internal/security"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// wsFrame — кадр на проводе: {"type": telemetry|command|ack, "data": ...}.
type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// WebSocket — адаптер постоянных соединений: на устройство один
// зарегистрированный коннект, команды уходят кадром, ack приходит
// кадром обратно.
type WebSocket struct {
	sink     TelemetrySink
	waiters  *ackWaiters
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*wsConn
}

func NewWebSocket(sink TelemetrySink) *WebSocket {
	return &WebSocket{
		sink:    sink,
		waiters: newAckWaiters(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*wsConn),
	}
}

func (w *WebSocket) Name() string { return "websocket" }

// Init — сокет живёт на общем HTTP-сервере (upgrade в Handler).
func (w *WebSocket) Init(_ context.Context) error { return nil }

// Handler — точка апгрейда. Маршрут обязан стоять за HMAC-middleware:
// личность устройства берётся из AuthContext.
func (w *WebSocket) Handler(rw http.ResponseWriter, r *http.Request) {
	ac, ok := security.FromContext(r.Context())
	if !ok {
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		logs.Logger.Warnf("ws upgrade failed device=%s: %v", ac.DeviceID, err)
		return
	}

	c := &wsConn{conn: conn, send: make(chan []byte, wsSendBuffer), done: make(chan struct{})}
	w.register(ac.DeviceID, c)
	logs.Logger.Infof("ws device connected device=%s tenant=%s", ac.DeviceID, ac.TenantID)

	go w.writePump(c)
	w.readPump(ac.DeviceID, c)

	w.unregister(ac.DeviceID, c)
	logs.Logger.Infof("ws device disconnected device=%s", ac.DeviceID)
}

func (w *WebSocket) register(deviceID string, c *wsConn) {
	w.mu.Lock()
	if old, ok := w.conns[deviceID]; ok {
		old.close() // новое соединение вытесняет старое
	}
	w.conns[deviceID] = c
	w.mu.Unlock()
}

func (w *WebSocket) unregister(deviceID string, c *wsConn) {
	w.mu.Lock()
	if w.conns[deviceID] == c {
		delete(w.conns, deviceID)
	}
	w.mu.Unlock()
	c.close()
}

func (w *WebSocket) readPump(deviceID string, c *wsConn) {
	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f wsFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			logs.Logger.Warnf("ws: bad frame from %s: %v", deviceID, err)
			continue
		}
		switch f.Type {
		case "telemetry":
			var t message.Telemetry
			if err := json.Unmarshal(f.Data, &t); err != nil {
				logs.Logger.Warnf("ws: bad telemetry from %s: %v", deviceID, err)
				continue
			}
			if t.DeviceID == "" {
				t.DeviceID = deviceID
			}
			if t.TS == "" {
				t.TS = message.Now()
			}
			if err := w.sink(context.Background(), t); err != nil {
				logs.Logger.Warnf("ws: telemetry from %s rejected: %v", deviceID, err)
			}
		case "ack":
			var a message.Ack
			if err := json.Unmarshal(f.Data, &a); err != nil {
				logs.Logger.Warnf("ws: bad ack from %s: %v", deviceID, err)
				continue
			}
			if a.DeviceID == "" {
				a.DeviceID = deviceID
			}
			w.waiters.resolve(a)
		default:
			logs.Logger.Debugf("ws: unknown frame type %q from %s", f.Type, deviceID)
		}
	}
}

func (w *WebSocket) writePump(c *wsConn) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (w *WebSocket) PublishTelemetry(ctx context.Context, t message.Telemetry) error {
	return w.sink(ctx, t)
}

// SendCommand пишет кадр в коннект устройства и ждёт ack.
func (w *WebSocket) SendCommand(ctx context.Context, c message.Command) (message.Ack, error) {
	w.mu.Lock()
	conn, ok := w.conns[c.DeviceID]
	w.mu.Unlock()
	if !ok {
		return message.Ack{}, fmt.Errorf("%w: device %s has no ws connection", ErrDelivery, c.DeviceID)
	}

	if c.CommandID == "" {
		c.CommandID = uuid.NewString()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return message.Ack{}, fmt.Errorf("%w: marshal: %v", ErrDelivery, err)
	}
	raw, _ := json.Marshal(wsFrame{Type: "command", Data: data})

	w.waiters.register(c.CommandID)
	select {
	case conn.send <- raw:
	case <-conn.done:
		w.waiters.unregister(c.CommandID)
		return message.Ack{}, fmt.Errorf("%w: connection closed", ErrDelivery)
	case <-ctx.Done():
		w.waiters.unregister(c.CommandID)
		return message.Ack{}, fmt.Errorf("%w: %v", ErrDelivery, ctx.Err())
	}

	return w.waiters.wait(ctx, c.CommandID)
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, c := range w.conns {
		c.close()
		delete(w.conns, id)
	}
	return nil
}
