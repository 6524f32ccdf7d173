// Package ws exposes the session manager to UI clients over a websocket:
// JSON commands in, results and session events out.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	sesserr "github.com/agent-command/sessiond/internal/errors"
	"github.com/agent-command/sessiond/internal/events"
	"github.com/agent-command/sessiond/internal/logging"
	"github.com/agent-command/sessiond/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	eventBuffer    = 256
)

// Sessions is the operation set the transport dispatches to.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (session.Info, error)
	Close(id string) error
	Write(id string, data []byte) error
	Resize(id string, cols, rows uint16) error
	List() []session.Info
}

// Transcripts replays recorded session output.
type Transcripts interface {
	Scrollback(sessionID string, limit int) ([]byte, error)
	Remove(sessionID string) error
}

// Envelope is every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload is a failed command's error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OutputPayload carries session.output and session.closed events.
type OutputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data,omitempty"`
}

type closePayload struct {
	SessionID string `json:"session_id"`
}

type writePayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type scrollbackPayload struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

type resizePayload struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// Server is the websocket endpoint.
type Server struct {
	sessions    Sessions
	transcripts Transcripts
	bus         *events.Bus
	token       string
	upgrader    websocket.Upgrader
	logger      *logrus.Entry
}

// NewServer returns a server. An empty token disables authentication.
func NewServer(sessions Sessions, bus *events.Bus, token string) *Server {
	return &Server{
		sessions: sessions,
		bus:      bus,
		token:    token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logging.NewLogger("ws"),
	}
}

// SetTranscripts enables session.scrollback and drops transcripts of closed
// sessions.
func (s *Server) SetTranscripts(t Transcripts) {
	s.transcripts = t
}

// Handler returns the HTTP mux serving /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.WithField("addr", addr).Info("Serving websocket")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		sub:    s.bus.Subscribe(eventBuffer),
		done:   make(chan struct{}),
	}
	c.logger = s.logger.WithField("conn_id", c.id)
	c.logger.WithField("remote", r.RemoteAddr).Info("Client connected")

	go c.writeEvents()
	c.readCommands(r.Context())
}

// client is one websocket connection.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	sub    *events.Subscription
	logger *logrus.Entry

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Close()
		_ = c.conn.Close()
		c.logger.Info("Client disconnected")
	})
}

func (c *client) send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

// writeEvents forwards bus events and keeps the connection alive.
func (c *client) writeEvents() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case e, ok := <-c.sub.C:
			if !ok {
				return
			}
			if err := c.send(eventEnvelope(e)); err != nil {
				c.logger.WithError(err).Debug("Event write failed")
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func eventEnvelope(e events.Event) Envelope {
	payload := OutputPayload{SessionID: e.SessionID}
	msgType := "session.closed"
	if e.Type == events.Output {
		msgType = "session.output"
		payload.Data = e.Text()
	}
	data, _ := json.Marshal(payload)
	return Envelope{Type: msgType, Payload: data}
}

func (c *client) readCommands(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("Websocket read error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.reply(Envelope{}, nil, sesserr.InvalidInput("malformed message"))
			continue
		}

		payload, err := c.server.dispatch(ctx, env)
		c.reply(env, payload, err)
	}
}

func (c *client) reply(req Envelope, payload any, err error) {
	resp := Envelope{Type: "result", ID: req.ID}
	if err != nil {
		code := string(sesserr.GetCode(err))
		message := err.Error()
		var sessErr *sesserr.SessionError
		if errors.As(err, &sessErr) {
			message = sessErr.Message
		}
		resp.Error = &ErrorPayload{Code: code, Message: message}
	} else if payload != nil {
		data, mErr := json.Marshal(payload)
		if mErr != nil {
			resp.Error = &ErrorPayload{Message: mErr.Error()}
		} else {
			resp.Payload = data
		}
	}
	if sendErr := c.send(resp); sendErr != nil {
		c.logger.WithError(sendErr).Debug("Result write failed")
	}
}

// dispatch runs one command and returns its result payload.
func (s *Server) dispatch(ctx context.Context, env Envelope) (any, error) {
	switch env.Type {
	case "session.create":
		var req session.CreateRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		return s.sessions.Create(ctx, req)
	case "session.close":
		var req closePayload
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		if err := s.sessions.Close(req.SessionID); err != nil {
			return nil, err
		}
		if s.transcripts != nil {
			if err := s.transcripts.Remove(req.SessionID); err != nil {
				s.logger.WithError(err).WithField("session_id", req.SessionID).Warn("Failed to remove transcript")
			}
		}
		return nil, nil
	case "session.write":
		var req writePayload
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		return nil, s.sessions.Write(req.SessionID, []byte(req.Data))
	case "session.resize":
		var req resizePayload
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		return nil, s.sessions.Resize(req.SessionID, req.Cols, req.Rows)
	case "session.list":
		return s.sessions.List(), nil
	case "session.scrollback":
		if s.transcripts == nil {
			return nil, sesserr.InvalidInput("scrollback is not enabled")
		}
		var req scrollbackPayload
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		data, err := s.transcripts.Scrollback(req.SessionID, req.Limit)
		if err != nil {
			return nil, sesserr.IOFailure(req.SessionID, "scrollback", err)
		}
		return OutputPayload{SessionID: req.SessionID, Data: events.Event{Data: data}.Text()}, nil
	default:
		return nil, sesserr.InvalidInput("unknown message type " + env.Type)
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return sesserr.InvalidInput("missing payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return sesserr.InvalidInput("malformed payload: " + err.Error())
	}
	return nil
}
