// Relay: the pub/sub side of the daemon. Each session id maps to a hub
// that fans broadcast frames out to every connected client and keeps
// the presence roster. Delivery is fire-and-forget: a client with a
// full send buffer is dropped, and clients reconcile against the store
// anyway.

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/partysync/internal/engine"
	"github.com/Seednode/partysync/internal/model"
	"github.com/Seednode/partysync/internal/pubsub"
	"github.com/Seednode/partysync/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type relayClient struct {
	conn *websocket.Conn
	send chan pubsub.Frame

	mu    sync.Mutex
	entry model.PresenceEntry
}

type inboundFrame struct {
	client *relayClient
	frame  pubsub.Frame
}

type relayHub struct {
	topic string

	register chan *relayClient
	unreg    chan *relayClient
	frames   chan inboundFrame

	mu         sync.RWMutex
	clients    map[*relayClient]bool
	lastActive time.Time
}

func newRelayHub(topic string) *relayHub {
	return &relayHub{
		topic:      topic,
		register:   make(chan *relayClient),
		unreg:      make(chan *relayClient),
		frames:     make(chan inboundFrame),
		clients:    make(map[*relayClient]bool),
		lastActive: time.Now(),
	}
}

func (h *relayHub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.lastActive = time.Now()
			h.clients[c] = true
			h.mu.Unlock()

			h.pushPresence()

		case c := <-h.unreg:
			h.mu.Lock()
			h.lastActive = time.Now()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

			h.pushPresence()

		case in := <-h.frames:
			h.mu.Lock()
			h.lastActive = time.Now()
			h.mu.Unlock()

			switch in.frame.Kind {
			case "broadcast":
				if in.frame.Message != nil {
					logf(cfg, "RELAY: %s on %s from %s",
						in.frame.Message.Kind, h.topic, in.frame.Message.ParticipantID)
					h.fanOut(in.frame)
				}
			case "announce":
				if in.frame.Entry != nil {
					in.client.mu.Lock()
					in.client.entry = *in.frame.Entry
					in.client.mu.Unlock()
					h.pushPresence()
				}
			default:
				// ignore unknown frames
			}
		}
	}
}

// fanOut sends a frame to every connected client, including the
// sender. Slow clients are disconnected rather than waited on.
func (h *relayHub) fanOut(f pubsub.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- f:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *relayHub) pushPresence() {
	h.mu.Lock()
	defer h.mu.Unlock()

	roster := make([]model.PresenceEntry, 0, len(h.clients))
	for client := range h.clients {
		client.mu.Lock()
		if client.entry.ID != "" {
			roster = append(roster, client.entry)
		}
		client.mu.Unlock()
	}

	f := pubsub.Frame{Kind: "presence", Roster: roster}
	for client := range h.clients {
		select {
		case client.send <- f:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *relayHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

// Relay holds one hub per session topic, reaping idle ones.
type Relay struct {
	mu          sync.Mutex
	hubs        map[string]*relayHub
	idleTimeout time.Duration
}

func newRelay(idleTimeout time.Duration) *Relay {
	rl := &Relay{
		hubs:        make(map[string]*relayHub),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go rl.reaperLoop()
	}
	return rl
}

func (rl *Relay) getHub(cfg *Config, topic string) *relayHub {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if hub, ok := rl.hubs[topic]; ok {
		return hub
	}

	hub := newRelayHub(topic)
	rl.hubs[topic] = hub
	go hub.run(cfg)
	return hub
}

func (rl *Relay) reaperLoop() {
	ticker := time.NewTicker(rl.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-rl.idleTimeout)

		rl.mu.Lock()
		for topic, hub := range rl.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(rl.hubs, topic)
				go hub.closeAll()
			}
		}
		rl.mu.Unlock()
	}
}

func (c *relayClient) readPump(h *relayHub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var f pubsub.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		h.frames <- inboundFrame{client: c, frame: f}
	}
}

func (c *relayClient) writePump() {
	defer c.conn.Close()

	for f := range c.send {
		if err := c.conn.WriteJSON(f); err != nil {
			return
		}
	}
}

func serveWSForRelay(cfg *Config, rl *Relay) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		topic := ps.ByName("sessionid")
		if topic == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}

		hub := rl.getHub(cfg, topic)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "RELAY: upgrade error: %v", err)
			return
		}

		client := &relayClient{
			conn: conn,
			send: make(chan pubsub.Frame, 8),
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

type createSessionRequest struct {
	GameType        string `json:"game_type"`
	Nickname        string `json:"nickname"`
	MaxParticipants int    `json:"max_participants"`
}

type joinSessionRequest struct {
	Nickname string `json:"nickname"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func serveCreateSession(cfg *Config, st store.Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Nickname == "" {
			http.Error(w, "nickname is required", http.StatusBadRequest)
			return
		}

		eng := engine.New(st, nil, engine.Config{Verbose: cfg.verbose})
		session, err := eng.Host(r.Context(), req.GameType, req.Nickname, req.MaxParticipants)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		logf(cfg, "SESSIONS: Created %s (%s) for %q", session.Code, session.GameType, req.Nickname)
		writeJSON(w, http.StatusCreated, session)
	}
}

func serveGetSession(cfg *Config, st store.Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		session, err := st.GetSessionByCode(r.Context(), ps.ByName("code"))
		switch {
		case errors.Is(err, store.ErrHostGone):
			http.Error(w, "host left the session", http.StatusGone)
			return
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "session not found", http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, session)
	}
}

func serveJoinSession(cfg *Config, st store.Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		var req joinSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Nickname == "" {
			http.Error(w, "nickname is required", http.StatusBadRequest)
			return
		}

		eng := engine.New(st, nil, engine.Config{Verbose: cfg.verbose})
		participant, err := eng.Join(r.Context(), ps.ByName("code"), req.Nickname)
		switch {
		case errors.Is(err, store.ErrHostGone):
			http.Error(w, "host left the session", http.StatusGone)
			return
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "session not found", http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		logf(cfg, "SESSIONS: %q joined %s", req.Nickname, ps.ByName("code"))
		writeJSON(w, http.StatusOK, participant)
	}
}

// qrHandler generates a PNG QR code for a session join URL.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if code == "" {
		http.Error(w, "missing session code", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerRelay sets up the store API and the pub/sub relay:
//   - POST $prefix/sessions                  → create a session, returns the join code
//   - GET  $prefix/sessions/:code            → session lookup by join code
//   - POST $prefix/sessions/:code/join       → join as a new participant
//   - GET  $prefix/sessions/:code/qr         → PNG QR code for the join URL
//   - GET  $prefix/topics/:sessionid/ws      → websocket into the session's broadcast topic
func registerRelay(cfg *Config, st store.Store, mux *httprouter.Router) {
	rl := newRelay(cfg.sessionTimeout)

	mux.POST(cfg.prefix+"/sessions", serveCreateSession(cfg, st))
	mux.GET(cfg.prefix+"/sessions/:code", serveGetSession(cfg, st))
	mux.POST(cfg.prefix+"/sessions/:code/join", serveJoinSession(cfg, st))
	mux.GET(cfg.prefix+"/sessions/:code/qr", qrHandler)
	mux.GET(cfg.prefix+"/topics/:sessionid/ws", serveWSForRelay(cfg, rl))
}
