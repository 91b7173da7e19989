package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionConfigValidate(t *testing.T) {
	cfg := ConnectionConfig{URL: GatewayDefaultURL}
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrGatewayConfig)

	cfg.Auth.Token = "   "
	assert.ErrorIs(t, cfg.Validate(), ErrGatewayConfig, "whitespace token is not a credential")

	cfg.Auth.Token = "tok"
	assert.NoError(t, cfg.Validate())

	cfg.Auth = Credentials{Password: "pw"}
	assert.NoError(t, cfg.Validate())

	cfg.URL = ""
	assert.ErrorIs(t, cfg.Validate(), ErrGatewayConfig)
}

func TestConnectionConfigAwaitTimeout(t *testing.T) {
	assert.Equal(t, GatewayDefaultTimeout, ConnectionConfig{}.AwaitTimeout())
	assert.Equal(t, 2*time.Second, ConnectionConfig{Timeout: 2 * time.Second}.AwaitTimeout())
}
