package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"opencami/internal/domain"
	"opencami/internal/infra/config"
)

// Gateway methods used by the API routes.
const (
	MethodModelsList = "models.list"
	MethodConfigGet  = "config.get"
)

// GatewayClient performs one-shot gateway calls.
type GatewayClient interface {
	Call(ctx context.Context, cfg domain.ConnectionConfig, method string, params any) (json.RawMessage, error)
	ConnectCheck(ctx context.Context, cfg domain.ConnectionConfig) error
}

// RPC is a configured gateway caller.
type RPC interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ConfigSource returns the config in effect right now.
type ConfigSource func() *config.Config

// GatewayService binds the gateway client to the live configuration and a
// circuit breaker. Only connection and timeout failures count against the
// breaker; config, auth and remote rejections pass through untouched.
type GatewayService struct {
	client  GatewayClient
	source  ConfigSource
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	logger  *slog.Logger
}

// NewGatewayService creates a GatewayService. A disabled breaker config
// disables the breaker.
func NewGatewayService(client GatewayClient, source ConfigSource, bcfg config.BreakerConfig, logger *slog.Logger) *GatewayService {
	s := &GatewayService{client: client, source: source, logger: logger}
	if !bcfg.Enabled {
		return s
	}

	maxFailures := bcfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := bcfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Interval:    bcfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsRetryableError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Call sends method with params to the gateway using the current config.
func (s *GatewayService) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	cfg := s.source().ConnectionConfig()
	return s.execute(func() (json.RawMessage, error) {
		return s.client.Call(ctx, cfg, method, params)
	})
}

// ConnectCheck verifies the gateway is reachable and accepts the credentials.
func (s *GatewayService) ConnectCheck(ctx context.Context) error {
	cfg := s.source().ConnectionConfig()
	_, err := s.execute(func() (json.RawMessage, error) {
		return nil, s.client.ConnectCheck(ctx, cfg)
	})
	return err
}

// BreakerState reports "closed", "open", "half-open", or "disabled".
func (s *GatewayService) BreakerState() string {
	if s.breaker == nil {
		return "disabled"
	}
	return s.breaker.State().String()
}

func (s *GatewayService) execute(fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	if s.breaker == nil {
		return fn()
	}
	payload, err := s.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewDomainError("Gateway.Call", domain.ErrGatewayUnavailable, "circuit "+err.Error())
	}
	return payload, err
}

var _ RPC = (*GatewayService)(nil)
