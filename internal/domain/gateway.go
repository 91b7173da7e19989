package domain

import (
	"strings"
	"time"
)

// Gateway protocol constants.
const (
	GatewayProtocolVersion = 3
	GatewayDefaultURL      = "ws://127.0.0.1:18789"
	GatewayRoleOperator    = "operator"
	GatewayScopeAdmin      = "operator.admin"
	GatewayDefaultTimeout  = 10 * time.Second
)

// ClientIdentity describes this client to the gateway during the handshake.
type ClientIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	InstanceID  string `json:"instanceId"`
}

// Credentials authenticate the client. Token is preferred; Password is the alternate.
type Credentials struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// Empty reports whether neither credential is set.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Token) == "" && strings.TrimSpace(c.Password) == ""
}

// ConnectionConfig is everything one gateway call needs. It is built fresh for each
// call and never shared between calls.
type ConnectionConfig struct {
	URL         string
	MinProtocol int
	MaxProtocol int
	Client      ClientIdentity
	Auth        Credentials
	Role        string
	Scopes      []string
	// Timeout bounds each awaited response. Zero means GatewayDefaultTimeout.
	Timeout time.Duration
}

// Validate reports a gateway config error when no credential is present.
func (c ConnectionConfig) Validate() error {
	if c.Auth.Empty() {
		return NewDomainError("Gateway.Config", ErrGatewayConfig, "set gateway token or password")
	}
	if strings.TrimSpace(c.URL) == "" {
		return NewDomainError("Gateway.Config", ErrGatewayConfig, "gateway url is empty")
	}
	return nil
}

// AwaitTimeout returns the effective per-await deadline.
func (c ConnectionConfig) AwaitTimeout() time.Duration {
	if c.Timeout <= 0 {
		return GatewayDefaultTimeout
	}
	return c.Timeout
}

// GatewayEndpoint is a gateway found on the local network.
type GatewayEndpoint struct {
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
