// Package gateway is the client side of the AI gateway's WebSocket protocol.
//
// Every Call opens its own connection, authenticates with a connect request,
// sends exactly one application request, waits for the matching response and
// closes the connection again. Nothing outlives a call.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opencami/internal/domain"
	"opencami/internal/infra/tracer"
)

// Client performs one-shot gateway calls. It is safe for concurrent use; calls
// share no connection state.
type Client struct {
	dialer Dialer
	ids    IDGenerator
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithIDGenerator replaces the default ULID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Client) { c.ids = g }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a Client that opens connections through dialer.
func NewClient(dialer Dialer, opts ...Option) *Client {
	c := &Client{
		dialer: dialer,
		ids:    NewULIDGenerator(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call connects, authenticates, sends method with params and returns the
// response payload. The connection is closed before Call returns.
func (c *Client) Call(ctx context.Context, cfg domain.ConnectionConfig, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.call", trace.WithAttributes(
		tracer.StringAttr("gateway.method", method),
		tracer.StringAttr("gateway.url", cfg.URL),
	))
	defer span.End()

	start := time.Now()
	payload, err := c.call(ctx, cfg, method, params)
	if err != nil {
		tracer.RecordError(span, err)
		c.logger.Warn("gateway call failed",
			"method", method,
			"error", err,
			"code", domain.ErrorCodeOf(err),
			"elapsed", time.Since(start),
		)
		return nil, err
	}
	tracer.SetOK(span)
	c.logger.Debug("gateway call complete", "method", method, "elapsed", time.Since(start))
	return payload, nil
}

func (c *Client) call(ctx context.Context, cfg domain.ConnectionConfig, method string, params any) (json.RawMessage, error) {
	s, err := c.open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer s.close()

	return s.roundTrip(ctx, method, params, domain.ErrGatewayRemote)
}

// ConnectCheck opens a connection and completes the handshake without sending
// any application request. It validates reachability and credentials.
func (c *Client) ConnectCheck(ctx context.Context, cfg domain.ConnectionConfig) error {
	ctx, span := tracer.StartSpan(ctx, "gateway.connect_check", trace.WithAttributes(
		tracer.StringAttr("gateway.url", cfg.URL),
	))
	defer span.End()

	s, err := c.open(ctx, cfg)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	s.close()
	tracer.SetOK(span)
	return nil
}

// open validates cfg, dials and runs the handshake. On error nothing is left open.
func (c *Client) open(ctx context.Context, cfg domain.ConnectionConfig) (*session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.AwaitTimeout())
	t, err := c.dialer.Dial(dialCtx, cfg.URL)
	cancel()
	if err != nil {
		if !errors.Is(err, domain.ErrGatewayConnection) {
			err = domain.NewDomainError("Gateway.Open", domain.ErrGatewayConnection, err.Error())
		}
		return nil, err
	}

	s := &session{
		transport: t,
		corr:      NewCorrelator(c.logger),
		cfg:       cfg,
		ids:       c.ids,
		logger:    c.logger,
	}
	t.SetHandler(s.corr.HandleFrame)

	if err := s.handshake(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// session is one open, exclusively owned gateway connection.
type session struct {
	transport Transport
	corr      *Correlator
	cfg       domain.ConnectionConfig
	ids       IDGenerator
	logger    *slog.Logger
}

// roundTrip sends one request and waits for its response. kind is the sentinel
// a remote rejection unwraps to.
func (s *session) roundTrip(ctx context.Context, method string, params any, kind error) (json.RawMessage, error) {
	id := s.ids.NewID()
	data, err := EncodeFrame(&Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, domain.NewDomainError("Gateway.Encode", domain.ErrInvalidInput, err.Error())
	}

	p := s.corr.Register(id, kind)
	if err := s.transport.Send(ctx, data); err != nil {
		s.corr.Cancel(id)
		if !errors.Is(err, domain.ErrGatewayConnection) {
			err = domain.NewDomainError("Gateway.Send", domain.ErrGatewayConnection, err.Error())
		}
		return nil, err
	}
	return s.await(ctx, p, method)
}

func (s *session) await(ctx context.Context, p *PendingCall, method string) (json.RawMessage, error) {
	timeout := s.cfg.AwaitTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.Done():
		return res.payload, res.err
	case <-s.transport.Done():
		s.corr.Cancel(p.ID())
		// The read loop finishes delivering before Done closes.
		select {
		case res := <-p.Done():
			return res.payload, res.err
		default:
		}
		if err := s.transport.Err(); err != nil {
			return nil, err
		}
		return nil, domain.NewDomainError("Gateway.Await", domain.ErrGatewayConnection, "connection closed before response to "+method)
	case <-timer.C:
		s.corr.Cancel(p.ID())
		return nil, domain.NewDomainError("Gateway.Await", domain.ErrGatewayTimeout,
			fmt.Sprintf("no response to %s within %s", method, timeout))
	case <-ctx.Done():
		s.corr.Cancel(p.ID())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewDomainError("Gateway.Await", domain.ErrGatewayTimeout, method+": "+ctx.Err().Error())
		}
		return nil, fmt.Errorf("gateway %s: %w", method, ctx.Err())
	}
}

// close detaches the frame handler and closes the transport. Close errors are
// logged and dropped so they never replace the call's own result.
func (s *session) close() {
	s.transport.SetHandler(nil)
	if err := s.transport.Close(); err != nil {
		s.logger.Debug("gateway close failed", "url", s.cfg.URL, "error", err)
	}
}
