// Package wsserver serves subscription fan-out over websocket
// connections, grounded on
// original_source/rust/hyperstack-server/src/websocket/server.rs: an
// accept loop bounded by a max-client count, one goroutine pair per
// connection (read subscription frames in, write mutation envelopes
// out), and a clean client removal on any read/write failure.
package wsserver

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	gethlog "github.com/ethereum/go-ethereum/log"

	"github.com/luxfi/hyperproj/internal/fanout"
)

// Config bounds one Server's accept behavior.
type Config struct {
	MaxClients       int
	ClientBufferSize int
}

func (c Config) withDefaults() Config {
	if c.MaxClients <= 0 {
		c.MaxClients = 10_000
	}
	if c.ClientBufferSize <= 0 {
		c.ClientBufferSize = 256
	}
	return c
}

// wireSubscription is the JSON frame a client sends to declare an
// additional interest in a view; earlier subscriptions on the same
// connection stay active.
type wireSubscription struct {
	View       string                 `json:"view"`
	Key        string                 `json:"key,omitempty"`
	Keys       []string               `json:"keys,omitempty"`
	FilterExpr string                 `json:"filter,omitempty"`
	Skip       int                    `json:"skip,omitempty"`
	Take       int                    `json:"take,omitempty"`
	Filters    map[string]interface{} `json:"filter_fields,omitempty"`
}

// Server accepts websocket connections and attaches each one to
// internal/fanout's ClientManager as a live subscriber.
type Server struct {
	cfg      Config
	clients  *fanout.ClientManager
	log      gethlog.Logger
	upgrader websocket.Upgrader

	active int64
}

// New constructs a Server. clients is the already-wired ClientManager
// whose Dispatch/Subscribe calls deliver to every attached connection.
func New(cfg Config, clients *fanout.ClientManager, log gethlog.Logger) *Server {
	if log == nil {
		log = gethlog.Root()
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		clients: clients,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the http.Handler to mount at the subscription
// endpoint (e.g. "/ws").
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleConn)
}

// ActiveClients reports the number of currently-connected websocket
// clients, for C8's health surface.
func (s *Server) ActiveClients() int64 {
	return atomic.LoadInt64(&s.active)
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt64(&s.active) >= int64(s.cfg.MaxClients) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err == nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "max clients reached"),
				time.Now().Add(time.Second))
			conn.Close()
		}
		s.log.Warn("wsserver: rejecting connection, max clients reached", "max_clients", s.cfg.MaxClients)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("wsserver: upgrade failed", "err", err)
		return
	}

	atomic.AddInt64(&s.active, 1)
	defer atomic.AddInt64(&s.active, -1)

	client := s.clients.Connect(s.cfg.ClientBufferSize)
	defer s.clients.Disconnect(client.ID)

	go s.writePump(conn, client)
	s.readPump(conn, client.ID)
}

// writePump drains client.Outbox to the connection until the channel
// closes (the client was detached for backpressure, per
// fanout.Client.send) or a write fails, then closes conn so readPump's
// blocking ReadMessage unblocks with an error and the connection's
// handleConn call returns.
func (s *Server) writePump(conn *websocket.Conn, client *fanout.Client) {
	for env := range client.Outbox {
		if err := conn.WriteJSON(env); err != nil {
			break
		}
	}
	conn.Close()
}

func (s *Server) readPump(conn *websocket.Conn, clientID uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wireSubscription
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Debug("wsserver: non-subscription message", "client_id", clientID, "err", err)
			continue
		}
		sub := &fanout.Subscription{
			View:    frame.View,
			Key:     frame.Key,
			Keys:    frame.Keys,
			Filters: frame.Filters,
			Skip:    frame.Skip,
			Take:    frame.Take,
		}
		if err := sub.CompileFilters(frame.FilterExpr); err != nil {
			s.log.Warn("wsserver: bad filter expression", "client_id", clientID, "err", err)
			continue
		}
		s.clients.Subscribe(clientID, sub)
	}
}
