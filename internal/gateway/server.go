// Package gateway exposes the runtime over HTTP: a health endpoint and a
// WebSocket feed that bridges bus topics to external subscribers. It is a
// viewing surface, not a UI.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/seaclaw/seaclaw/internal/bus"
	"github.com/seaclaw/seaclaw/internal/sessions"
	"github.com/seaclaw/seaclaw/pkg/protocol"
)

// Config wires a Server.
type Config struct {
	Addr           string
	Token          string   // optional bearer token; empty disables auth
	AllowedOrigins []string // empty allows all
	Bus            *bus.Bus
	Registry       *sessions.Registry
}

// Server serves /health and /ws.
type Server struct {
	cfg      Config
	bus      *bus.Bus
	registry *sessions.Registry
	mux      *http.ServeMux
	srv      *http.Server
	started  time.Time
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		bus:      cfg.Bus,
		registry: cfg.Registry,
		started:  time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	s.mux = mux
	return s
}

// Handler exposes the route mux (used by tests and embedding listeners).
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("gateway listening", "addr", s.cfg.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"status":           "ok",
		"protocol_version": protocol.ProtocolVersion,
		"active_sessions":  s.registry.ActiveCount(),
		"uptime_seconds":   int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if tok := strings.TrimPrefix(auth, "Bearer "); tok == s.cfg.Token {
		return true
	}
	// Browser WebSocket clients cannot set headers; accept ?token=.
	return r.URL.Query().Get("token") == s.cfg.Token
}

// frame is one message pushed to a WS subscriber.
type frame struct {
	Event string    `json:"event"`
	Topic string    `json:"topic"`
	Data  bus.Event `json:"data"`
}

// chatRequest is the single inbound method: inject a user message into a
// session. The resulting run's events arrive on the session's topic.
type chatRequest struct {
	Method     string `json:"method"`
	SessionKey string `json:"session_key"`
	Channel    string `json:"channel"`
	Text       string `json:"text"`
}

// handleWS upgrades the connection and streams events from the topics named
// in ?topics= (comma-separated) until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	topics := splitTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		http.Error(w, "topics query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server error")

	ctx := r.Context()
	events := make(chan frame, 64)
	for _, topic := range topics {
		ch, cancel := s.bus.Subscribe(topic)
		defer cancel()
		go func(topic string, ch <-chan bus.Event) {
			for ev := range ch {
				select {
				case events <- frame{Event: eventName(ev.Kind), Topic: topic, Data: ev}:
				case <-ctx.Done():
					return
				}
			}
		}(topic, ch)
	}

	go s.readLoop(ctx, conn)

	slog.Info("ws subscriber connected", "topics", topics)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
			return
		case f := <-events:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(wctx, conn, f)
			cancel()
			if err != nil {
				slog.Debug("ws write failed, dropping subscriber", "error", err)
				return
			}
		}
	}
}

// readLoop consumes client frames. The only method is chat_send; everything
// else is ignored so future clients stay compatible.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var req chatRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if req.Method != "chat_send" || req.SessionKey == "" || req.Text == "" {
			continue
		}
		channel := req.Channel
		if channel == "" {
			channel, _ = sessions.Split(req.SessionKey)
		}
		w := s.registry.Start(req.SessionKey, channel)
		if !w.SendMessageAsync(req.Text, sessions.SendOptions{}) {
			slog.Warn("ws chat_send rejected, mailbox full", "session", req.SessionKey)
		}
	}
}

func eventName(kind bus.EventKind) string {
	switch kind {
	case bus.KindChunk:
		return protocol.EventChat
	case bus.KindCronResult:
		return protocol.EventCron
	default:
		return protocol.EventAgent
	}
}

func splitTopics(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
