package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yubilite/pcsc-agent/internal/logging"
	"github.com/yubilite/pcsc-agent/internal/pcsc"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage is the request/response envelope. Text frames carry it as JSON,
// binary frames as CBOR; a response uses the framing of its request.
type WSMessage struct {
	Type    string          `json:"type" cbor:"type"`
	ID      string          `json:"id,omitempty" cbor:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty" cbor:"-"`
	Bin     cbor.RawMessage `json:"-" cbor:"payload,omitempty"`
	Error   string          `json:"error,omitempty" cbor:"error,omitempty"`
}

// decodePayload unpacks the payload with whichever codec carried the message.
func (m *WSMessage) decodePayload(binary bool, v any) error {
	if binary {
		if len(m.Bin) == 0 {
			return cbor.Unmarshal([]byte{0xf6}, v) // CBOR null
		}
		return cbor.Unmarshal(m.Bin, v)
	}
	if len(m.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(m.Payload, v)
}

// outbound is a queued frame plus the websocket message type to send it as.
type outbound struct {
	data   []byte
	binary bool
}

// WSClient represents a connected WebSocket client. Each client owns its own
// PC/SC context handle (established on connect, released on disconnect) and
// at most one card handle.
type WSClient struct {
	id     string
	conn   *websocket.Conn
	send   chan outbound
	hub    *WSHub
	server *Server

	mu        sync.Mutex
	hContext  int32
	hCard     int32
	watchStop context.CancelFunc
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- outbound{data: message}:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends an envelope to every connected client as a text frame.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, _ := json.Marshal(msg)
	h.broadcast <- data
}

// WebSocketHandler initializes the hub on first use and returns the handler.
func (s *Server) WebSocketHandler() http.HandlerFunc {
	s.hub = NewWSHub()
	go s.hub.Run()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		client := &WSClient{
			id:     uuid.NewString(),
			conn:   conn,
			send:   make(chan outbound, 256),
			hub:    s.hub,
			server: s,
		}

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"client":     client.id,
			"remoteAddr": r.RemoteAddr,
		})

		s.hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.releaseHandles()
		c.hub.unregister <- c
		c.conn.Close()
		logging.Debug(logging.CatWebSocket, "Client disconnected", map[string]any{
			"client": c.id,
		})
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			}
			break
		}

		binary := mt == websocket.BinaryMessage
		var msg WSMessage
		if binary {
			err = cbor.Unmarshal(message, &msg)
		} else {
			err = json.Unmarshal(message, &msg)
		}
		if err != nil {
			c.sendError(binary, "", "invalid message format")
			continue
		}

		c.handleMessage(binary, msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			frameType := websocket.TextMessage
			if message.binary {
				frameType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(frameType, message.data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// releaseHandles tears down whatever PC/SC handles this client still owns.
func (c *WSClient) releaseHandles() {
	c.mu.Lock()
	stop := c.watchStop
	hCard := c.hCard
	hContext := c.hContext
	c.watchStop = nil
	c.hCard = 0
	c.hContext = pcsc.NoContext
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if hCard != 0 {
		c.server.client.Disconnect(hCard)
	}
	if hContext != pcsc.NoContext {
		c.server.client.ReleaseContext(hContext)
	}
}

func (c *WSClient) handleMessage(binary bool, msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"client": c.id,
		"type":   msg.Type,
		"id":     msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.handleListReaders(binary, msg.ID)
	case "connect":
		c.handleConnect(binary, msg.ID)
	case "disconnect":
		c.handleDisconnect(binary, msg.ID)
	case "reconnect":
		c.handleReconnect(binary, msg.ID)
	case "transmit":
		c.handleTransmit(binary, msg)
	case "status":
		c.handleStatus(binary, msg.ID)
	case "subscribe":
		c.handleSubscribe(binary, msg.ID)
	case "unsubscribe":
		c.handleUnsubscribe(binary, msg.ID)
	case "version":
		c.handleVersion(binary, msg.ID)
	case "health":
		c.handleHealth(binary, msg.ID)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(binary, msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(binary bool, id string, msgType string, payload any) {
	response := WSMessage{
		Type: msgType,
		ID:   id,
	}

	var frame []byte
	if binary {
		response.Bin, _ = cbor.Marshal(payload)
		frame, _ = cbor.Marshal(response)
	} else {
		response.Payload, _ = json.Marshal(payload)
		frame, _ = json.Marshal(response)
	}
	c.send <- outbound{data: frame, binary: binary}
}

func (c *WSClient) sendError(binary bool, id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	var frame []byte
	if binary {
		frame, _ = cbor.Marshal(response)
	} else {
		frame, _ = json.Marshal(response)
	}
	c.send <- outbound{data: frame, binary: binary}
}

// sendRCError reports a PC/SC failure code as an error payload.
func (c *WSClient) sendRCError(binary bool, id string, rc int64) {
	name, _ := c.server.layer.StringifyError(rc)
	c.sendResponse(binary, id, "pcsc_error", map[string]any{
		"rc":     rc,
		"rcName": name,
	})
}

// ensureContext lazily establishes this client's PC/SC context.
func (c *WSClient) ensureContext() (int32, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hContext != pcsc.NoContext {
		return c.hContext, pcsc.Success
	}
	h, rc := c.server.client.EstablishContext()
	if rc != pcsc.Success {
		return pcsc.NoContext, rc
	}
	c.hContext = h
	return h, pcsc.Success
}

func (c *WSClient) handleListReaders(binary bool, id string) {
	hContext, rc := c.ensureContext()
	if rc != pcsc.Success {
		c.sendRCError(binary, id, rc)
		return
	}

	name, rc := c.server.client.ListReaders(hContext)
	if rc != pcsc.Success {
		c.sendRCError(binary, id, rc)
		return
	}
	c.sendResponse(binary, id, "readers", map[string]any{
		"readers": []string{name},
	})
}

func (c *WSClient) handleConnect(binary bool, id string) {
	hContext, rc := c.ensureContext()
	if rc != pcsc.Success {
		c.sendRCError(binary, id, rc)
		return
	}

	c.mu.Lock()
	already := c.hCard != 0
	c.mu.Unlock()
	if already {
		c.sendError(binary, id, "card already connected")
		return
	}

	hCard, rc := c.server.client.Connect(hContext)
	if rc != pcsc.Success {
		c.sendRCError(binary, id, rc)
		return
	}

	c.mu.Lock()
	c.hCard = hCard
	c.mu.Unlock()

	logging.Info(logging.CatWebSocket, "Card connected", map[string]any{
		"client": c.id,
	})
	c.sendResponse(binary, id, "connected", map[string]any{
		"card": hCard,
	})
}

func (c *WSClient) handleDisconnect(binary bool, id string) {
	c.mu.Lock()
	hCard := c.hCard
	c.hCard = 0
	c.mu.Unlock()

	if hCard == 0 {
		c.sendError(binary, id, "no card connected")
		return
	}

	rc := c.server.client.Disconnect(hCard)
	if rc != pcsc.Success {
		c.sendRCError(binary, id, rc)
		return
	}
	c.sendResponse(binary, id, "disconnected", map[string]any{})
}

func (c *WSClient) handleReconnect(binary bool, id string) {
	c.mu.Lock()
	hCard := c.hCard
	c.mu.Unlock()

	if hCard == 0 {
		c.sendError(binary, id, "no card connected")
		return
	}

	rc := c.server.client.Reconnect(hCard)
	if rc != pcsc.Success {
		c.sendRCError(binary, id, rc)
		return
	}
	c.sendResponse(binary, id, "reconnected", map[string]any{})
}

func (c *WSClient) handleTransmit(binary bool, msg WSMessage) {
	var req struct {
		APDU string `json:"apdu" cbor:"apdu"`
	}
	if err := msg.decodePayload(binary, &req); err != nil {
		c.sendError(binary, msg.ID, "invalid payload")
		return
	}

	cmd, err := hex.DecodeString(req.APDU)
	if err != nil || len(cmd) == 0 {
		c.sendError(binary, msg.ID, "apdu must be non-empty hex")
		return
	}

	c.mu.Lock()
	hCard := c.hCard
	c.mu.Unlock()

	if hCard == 0 {
		c.sendError(binary, msg.ID, "no card connected")
		return
	}

	rsp, rc := c.server.client.Transmit(hCard, cmd)
	if rc != pcsc.Success {
		c.sendRCError(binary, msg.ID, rc)
		return
	}
	c.sendResponse(binary, msg.ID, "response", map[string]any{
		"response": hex.EncodeToString(rsp),
	})
}

func (c *WSClient) handleStatus(binary bool, id string) {
	c.mu.Lock()
	hCard := c.hCard
	c.mu.Unlock()

	if hCard == 0 {
		// No card handle: report what the layer knows anyway.
		serial, _ := c.server.layer.CardSerial()
		_, reader := c.server.layer.ListReaders()
		c.sendResponse(binary, id, "status", map[string]any{
			"reader": reader,
			"state":  c.server.layer.CardState(),
			"atr":    hex.EncodeToString(c.server.layer.CardATR()),
			"serial": serial,
		})
		return
	}

	status, rc := c.server.client.Status(hCard)
	if rc != pcsc.Success {
		c.sendRCError(binary, id, rc)
		return
	}
	c.sendResponse(binary, id, "status", map[string]any{
		"reader": status.Reader,
		"state":  status.State,
		"atr":    hex.EncodeToString(status.ATR),
		"serial": status.Serial,
	})
}

// handleSubscribe starts a watcher that pushes a status_change event every
// time the key's presence flips, until unsubscribe or disconnect.
func (c *WSClient) handleSubscribe(binary bool, id string) {
	hContext, rc := c.ensureContext()
	if rc != pcsc.Success {
		c.sendRCError(binary, id, rc)
		return
	}

	c.mu.Lock()
	if c.watchStop != nil {
		c.mu.Unlock()
		c.sendError(binary, id, "already subscribed")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.watchStop = cancel
	c.mu.Unlock()

	go func() {
		defer logging.RecoverAndLog("WebSocket status watcher", false)

		for {
			rc := c.server.client.GetStatusChange(ctx, hContext)
			switch rc {
			case pcsc.Success:
				state := c.server.layer.CardState()
				logging.Info(logging.CatWebSocket, "Key presence changed", map[string]any{
					"client": c.id,
					"state":  state,
				})
				c.sendResponse(binary, "", "status_change", map[string]any{
					"state":   state,
					"present": state != pcsc.StateAbsent,
				})
			case pcsc.ErrCancelled, pcsc.ErrTimeout:
				return
			default:
				// Context handle went away (client released it).
				return
			}
		}
	}()

	logging.Info(logging.CatWebSocket, "Client subscribed to status changes", map[string]any{
		"client": c.id,
	})
	c.sendResponse(binary, id, "subscribed", map[string]any{})
}

func (c *WSClient) handleUnsubscribe(binary bool, id string) {
	c.mu.Lock()
	stop := c.watchStop
	c.watchStop = nil
	c.mu.Unlock()

	if stop == nil {
		c.sendError(binary, id, "not subscribed")
		return
	}
	stop()
	c.sendResponse(binary, id, "unsubscribed", map[string]any{})
}

func (c *WSClient) handleVersion(binary bool, id string) {
	c.sendResponse(binary, id, "version", map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (c *WSClient) handleHealth(binary bool, id string) {
	_, reader := c.server.layer.ListReaders()
	c.sendResponse(binary, id, "health", map[string]any{
		"status":      "ok",
		"reader":      reader,
		"cardPresent": c.server.layer.CardState() != pcsc.StateAbsent,
	})
}
