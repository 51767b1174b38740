package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/orbiter-simulator/core"
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/internal/observability"
	sim "github.com/signalsfoundry/orbiter-simulator/internal/sim/state"
	"github.com/signalsfoundry/orbiter-simulator/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// Message types on the WebSocket.
const (
	msgSetRocketState     = "setRocketState"
	msgTimeScale          = "timeScale"
	msgMessage            = "message"
	msgChatHistoryRequest = "chatHistoryRequest"
	msgResponse           = "response"
	msgNotifyBodyState    = "notifyBodyState"
	msgJoined             = "joined"
)

// inboundMessage is a client frame. setRocketState carries the body state
// inline next to "type"; the other kinds use "payload".
type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	core.BodyState
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type timeScalePayload struct {
	TimeScale float64 `json:"timeScale"`
}

type bodyStateNotice struct {
	SessionID model.SessionID `json:"sessionId"`
	BodyState core.BodyState  `json:"bodyState"`
}

type chatNotice struct {
	SessionID model.SessionID `json:"sessionId"`
	Message   string          `json:"message"`
}

type wsClient struct {
	session model.SessionID
	conn    *websocket.Conn
	send    chan []byte
	once    sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans state changes out to connected WebSocket sessions.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	state   *sim.SimState
	log     logging.Logger
	metrics *observability.APICollector
}

// NewHub creates a hub and subscribes it to state's body-state and
// time-scale notifications, so changes made over any surface reach every
// client.
func NewHub(state *sim.SimState, log logging.Logger, metrics *observability.APICollector) *Hub {
	h := &Hub{
		clients: make(map[*wsClient]struct{}),
		state:   state,
		log:     logging.OrNoop(log),
		metrics: metrics,
	}
	if state != nil {
		state.OnBodyState(func(session model.SessionID, cmd core.BodyState) {
			h.broadcast(outboundMessage{
				Type:    msgNotifyBodyState,
				Payload: bodyStateNotice{SessionID: session, BodyState: cmd},
			}, &session)
		})
		state.OnTimeScale(func(scale float64) {
			h.broadcast(outboundMessage{
				Type:    msgTimeScale,
				Payload: timeScalePayload{TimeScale: scale},
			}, nil)
		})
	}
	return h
}

// Clients returns the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.AddWebSocketClients(1)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
		h.metrics.AddWebSocketClients(-1)
	}
}

// broadcast sends msg to every client except those owned by skip.
// Clients whose buffer is full are dropped.
func (h *Hub) broadcast(msg outboundMessage, skip *model.SessionID) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error(context.Background(), "encode websocket broadcast", logging.Err(err))
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		if skip != nil && c.session == *skip {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn(context.Background(), "dropping slow websocket client",
			logging.String("session", c.session.HumanHash()))
		h.remove(c)
	}
}

func (h *Hub) reply(c *wsClient, payload string) {
	data, err := json.Marshal(outboundMessage{Type: msgResponse, Payload: payload})
	if err != nil {
		return
	}
	// Membership is checked under the lock so a concurrent remove cannot
	// close c.send underneath us.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ServeWS upgrades the request and serves session until the socket
// closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, session model.SessionID, upgrader *websocket.Upgrader) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}

	c := &wsClient{
		session: session,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
	}
	h.add(c)
	h.log.Info(r.Context(), "websocket connected", logging.String("session", session.HumanHash()))
	h.broadcast(outboundMessage{Type: msgJoined, Payload: session.HumanHash()}, nil)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug(context.Background(), "websocket read failed", logging.Err(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		h.handleMessage(c, data)
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleMessage(c *wsClient, data []byte) {
	ctx := context.Background()
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(c, "fail")
		return
	}

	switch msg.Type {
	case msgSetRocketState:
		if _, err := h.state.SetBodyState(ctx, c.session, msg.BodyState); err != nil {
			h.reply(c, fmt.Sprintf("fail: %v", err))
		}
	case msgTimeScale:
		var p timeScalePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.reply(c, "fail")
			return
		}
		if err := h.state.SetTimeScale(ctx, p.TimeScale); err != nil {
			h.reply(c, fmt.Sprintf("fail: %v", err))
		}
	case msgMessage:
		var text string
		if err := json.Unmarshal(msg.Payload, &text); err != nil {
			h.reply(c, "fail")
			return
		}
		h.broadcast(outboundMessage{
			Type:    msgMessage,
			Payload: chatNotice{SessionID: c.session, Message: text},
		}, &c.session)
	case msgChatHistoryRequest:
		// No history is kept.
		h.reply(c, "fail: chat history is not available")
	default:
		h.reply(c, "fail")
	}
}
