// Package gatewaytest runs an in-process gateway that speaks the connect
// handshake and request/response protocol, for tests and local development.
package gatewaytest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"opencami/internal/adapter/gateway"
	"opencami/internal/domain"
)

// Handler serves one RPC method. A returned *domain.RemoteError is sent as-is;
// any other error becomes {code:"INTERNAL", message:err.Error()}.
type Handler func(ctx context.Context, client *ClientInfo, params json.RawMessage) (any, error)

var (
	// ErrNoReply makes the server swallow the request without responding.
	ErrNoReply = errors.New("gatewaytest: no reply")
	// ErrDropConnection makes the server close the connection instead of responding.
	ErrDropConnection = errors.New("gatewaytest: drop connection")
)

// Behavior injects protocol noise the client must tolerate.
type Behavior struct {
	EventBeforeResponse bool   // send an event frame ahead of every response
	DuplicateResponses  bool   // send every response twice
	SpuriousResponse    bool   // send a response with an unknown id ahead of every response
	AuthMessage         string // message of a rejected handshake; default "unauthorized"
}

// Server is a fake gateway.
type Server struct {
	auth       Authenticator
	handlersMu sync.RWMutex
	handlers   map[string]Handler
	behavior   Behavior
	logger     *slog.Logger
	httpSrv    *httptest.Server
	closeOnce  sync.Once

	connects atomic.Int64
	closed   atomic.Int64
	logMu    sync.Mutex
	methods  []string
}

// NewServer starts a gateway on a loopback port.
func NewServer(auth Authenticator, behavior Behavior, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		auth:     auth,
		handlers: make(map[string]Handler),
		behavior: behavior,
		logger:   logger,
	}
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.handleUpgrade))
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http")
}

// Close shuts the server down and drops every connection. It is idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.httpSrv.CloseClientConnections()
		s.httpSrv.Close()
	})
}

// Handle registers a handler for method.
func (s *Server) Handle(method string, h Handler) {
	s.handlersMu.Lock()
	s.handlers[method] = h
	s.handlersMu.Unlock()
}

// Connections returns how many sockets were accepted.
func (s *Server) Connections() int { return int(s.connects.Load()) }

// Disconnections returns how many accepted sockets have ended.
func (s *Server) Disconnections() int { return int(s.closed.Load()) }

// Methods returns every request method received, in arrival order.
func (s *Server) Methods() []string {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	out := make([]string, len(s.methods))
	copy(out, s.methods)
	return out
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("gatewaytest: accept failed", "error", err)
		return
	}
	s.connects.Add(1)
	defer s.closed.Add(1)

	c := &conn{srv: s, ws: ws}
	c.serve(r.Context())
	ws.Close(websocket.StatusNormalClosure, "")
}

type conn struct {
	srv    *Server
	ws     *websocket.Conn
	client *ClientInfo
}

func (c *conn) serve(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		frame, err := gateway.DecodeFrame(data)
		if err != nil {
			continue
		}
		req, ok := frame.(*gateway.Request)
		if !ok {
			continue
		}
		c.srv.record(req.Method)

		if !c.dispatch(ctx, req) {
			return
		}
	}
}

// dispatch answers one request. It returns false when the connection should end.
func (c *conn) dispatch(ctx context.Context, req *gateway.Request) bool {
	params, _ := req.Params.(json.RawMessage)

	if req.Method == gateway.MethodConnect {
		return c.connect(ctx, req.ID, params)
	}
	if c.client == nil {
		return c.reject(ctx, req.ID, "HANDSHAKE_REQUIRED", "connect first")
	}

	c.srv.handlersMu.RLock()
	h, ok := c.srv.handlers[req.Method]
	c.srv.handlersMu.RUnlock()
	if !ok {
		return c.reject(ctx, req.ID, "METHOD_NOT_FOUND", "unknown method: "+req.Method)
	}

	result, err := h(ctx, c.client, params)
	switch {
	case errors.Is(err, ErrNoReply):
		return true
	case errors.Is(err, ErrDropConnection):
		return false
	case err != nil:
		var re *domain.RemoteError
		if errors.As(err, &re) {
			return c.respond(ctx, &gateway.Response{ID: req.ID, Error: &gateway.ErrorShape{
				Code: gateway.ErrorCode(re.Code), Message: re.Message, Details: re.Details,
			}})
		}
		return c.reject(ctx, req.ID, "INTERNAL", err.Error())
	}

	res := &gateway.Response{ID: req.ID, OK: true}
	if result != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			return c.reject(ctx, req.ID, "INTERNAL", err.Error())
		}
		res.Payload = payload
	}
	return c.respond(ctx, res)
}

func (c *conn) connect(ctx context.Context, id string, params json.RawMessage) bool {
	var p gateway.ConnectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return c.reject(ctx, id, "INVALID_REQUEST", "invalid connect params")
	}
	if p.MinProtocol > domain.GatewayProtocolVersion || p.MaxProtocol < domain.GatewayProtocolVersion {
		return c.reject(ctx, id, "PROTOCOL_MISMATCH", "unsupported protocol")
	}
	info, err := c.srv.auth.Authenticate(p.Auth)
	if err != nil {
		msg := c.srv.behavior.AuthMessage
		if msg == "" {
			msg = "unauthorized"
		}
		return c.reject(ctx, id, "UNAUTHORIZED", msg)
	}
	info.Identity = p.Client
	info.Role = p.Role
	info.Scopes = p.Scopes
	c.client = info

	payload, _ := json.Marshal(map[string]any{"protocol": domain.GatewayProtocolVersion})
	return c.respond(ctx, &gateway.Response{ID: id, OK: true, Payload: payload})
}

func (c *conn) reject(ctx context.Context, id, code, message string) bool {
	return c.respond(ctx, &gateway.Response{ID: id, Error: &gateway.ErrorShape{
		Code: gateway.ErrorCode(code), Message: message,
	}})
}

func (c *conn) respond(ctx context.Context, res *gateway.Response) bool {
	b := c.srv.behavior
	if b.SpuriousResponse {
		if !c.write(ctx, &gateway.Response{ID: "spurious-" + res.ID, OK: true}) {
			return false
		}
	}
	if b.EventBeforeResponse {
		seq := int64(1)
		if !c.write(ctx, &gateway.Event{Event: "tick", Seq: &seq}) {
			return false
		}
	}
	if !c.write(ctx, res) {
		return false
	}
	if b.DuplicateResponses {
		dup := *res
		dup.OK = false
		dup.Error = &gateway.ErrorShape{Message: "duplicate"}
		return c.write(ctx, &dup)
	}
	return true
}

func (c *conn) write(ctx context.Context, f gateway.Frame) bool {
	data, err := gateway.EncodeFrame(f)
	if err != nil {
		c.srv.logger.Warn("gatewaytest: encode failed", "error", err)
		return false
	}
	return c.ws.Write(ctx, websocket.MessageText, data) == nil
}

func (s *Server) record(method string) {
	s.logMu.Lock()
	s.methods = append(s.methods, method)
	s.logMu.Unlock()
}
