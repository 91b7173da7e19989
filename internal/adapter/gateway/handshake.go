package gateway

import (
	"context"

	"opencami/internal/domain"
)

// MethodConnect is the handshake method; it is always the first request on a connection.
const MethodConnect = "connect"

// ConnectParams is the body of the connect request.
type ConnectParams struct {
	MinProtocol int                   `json:"minProtocol"`
	MaxProtocol int                   `json:"maxProtocol"`
	Client      domain.ClientIdentity `json:"client"`
	Auth        domain.Credentials    `json:"auth"`
	Role        string                `json:"role"`
	Scopes      []string              `json:"scopes"`
}

// NewConnectParams builds handshake params from cfg, filling protocol defaults.
// When a token is configured the password is not sent.
func NewConnectParams(cfg domain.ConnectionConfig) ConnectParams {
	p := ConnectParams{
		MinProtocol: cfg.MinProtocol,
		MaxProtocol: cfg.MaxProtocol,
		Client:      cfg.Client,
		Role:        cfg.Role,
		Scopes:      cfg.Scopes,
	}
	if p.MinProtocol == 0 {
		p.MinProtocol = domain.GatewayProtocolVersion
	}
	if p.MaxProtocol == 0 {
		p.MaxProtocol = domain.GatewayProtocolVersion
	}
	if p.Role == "" {
		p.Role = domain.GatewayRoleOperator
	}
	if len(p.Scopes) == 0 {
		p.Scopes = []string{domain.GatewayScopeAdmin}
	}
	if cfg.Auth.Token != "" {
		p.Auth = domain.Credentials{Token: cfg.Auth.Token}
	} else {
		p.Auth = domain.Credentials{Password: cfg.Auth.Password}
	}
	return p
}

// handshake authenticates a freshly opened connection. A rejection unwraps to
// domain.ErrGatewayAuth; the caller must close the transport on any error.
func (s *session) handshake(ctx context.Context) error {
	_, err := s.roundTrip(ctx, MethodConnect, NewConnectParams(s.cfg), domain.ErrGatewayAuth)
	if err != nil {
		return err
	}
	s.logger.Debug("gateway handshake complete", "url", s.cfg.URL)
	return nil
}
