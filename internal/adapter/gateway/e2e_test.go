package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opencami/internal/adapter/gateway"
	"opencami/internal/adapter/gateway/gatewaytest"
	"opencami/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startGateway(t *testing.T, behavior gatewaytest.Behavior) *gatewaytest.Server {
	t.Helper()
	srv := gatewaytest.NewServer(gatewaytest.NewStaticAuth([]string{"secret-token"}, []string{"secret-pw"}), behavior, quietLogger())
	t.Cleanup(srv.Close)
	srv.Handle("models.list", func(_ context.Context, _ *gatewaytest.ClientInfo, _ json.RawMessage) (any, error) {
		return map[string]any{"models": []map[string]string{{"id": "m1"}}}, nil
	})
	return srv
}

func newClient() *gateway.Client {
	return gateway.NewClient(&gateway.WebSocketDialer{Logger: quietLogger(), CloseTimeout: time.Second},
		gateway.WithLogger(quietLogger()))
}

func cfgFor(srv *gatewaytest.Server, creds domain.Credentials) domain.ConnectionConfig {
	return domain.ConnectionConfig{
		URL:     srv.URL(),
		Client:  domain.ClientIdentity{ID: "opencami", DisplayName: "OpenCami", Mode: "backend", InstanceID: "i-1"},
		Auth:    creds,
		Timeout: 2 * time.Second,
	}
}

func waitDisconnected(t *testing.T, srv *gatewaytest.Server, n int) {
	t.Helper()
	assert.Eventually(t, func() bool { return srv.Disconnections() == n }, 2*time.Second, 10*time.Millisecond,
		"want %d disconnections, got %d", n, srv.Disconnections())
}

func TestGatewayCallOverWebSocket(t *testing.T) {
	srv := startGateway(t, gatewaytest.Behavior{})

	payload, err := newClient().Call(context.Background(), cfgFor(srv, domain.Credentials{Token: "secret-token"}), "models.list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"models":[{"id":"m1"}]}`, string(payload))

	assert.Equal(t, []string{"connect", "models.list"}, srv.Methods())
	assert.Equal(t, 1, srv.Connections())
	waitDisconnected(t, srv, 1)
}

func TestGatewayCallPasswordAuth(t *testing.T) {
	srv := startGateway(t, gatewaytest.Behavior{})

	_, err := newClient().Call(context.Background(), cfgFor(srv, domain.Credentials{Password: "secret-pw"}), "models.list", nil)
	require.NoError(t, err)
}

func TestGatewayCallBadToken(t *testing.T) {
	srv := startGateway(t, gatewaytest.Behavior{AuthMessage: "bad token"})

	_, err := newClient().Call(context.Background(), cfgFor(srv, domain.Credentials{Token: "wrong"}), "models.list", nil)
	require.Error(t, err)
	assert.EqualError(t, err, "bad token")
	assert.ErrorIs(t, err, domain.ErrGatewayAuth)

	assert.Equal(t, []string{"connect"}, srv.Methods())
	waitDisconnected(t, srv, 1)
}

func TestGatewayCallToleratesProtocolNoise(t *testing.T) {
	srv := startGateway(t, gatewaytest.Behavior{
		EventBeforeResponse: true,
		DuplicateResponses:  true,
		SpuriousResponse:    true,
	})

	payload, err := newClient().Call(context.Background(), cfgFor(srv, domain.Credentials{Token: "secret-token"}), "models.list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"models":[{"id":"m1"}]}`, string(payload))
}

func TestGatewayCallRemoteError(t *testing.T) {
	srv := startGateway(t, gatewaytest.Behavior{})
	srv.Handle("codex.generate", func(context.Context, *gatewaytest.ClientInfo, json.RawMessage) (any, error) {
		return nil, &domain.RemoteError{Code: "RATE_LIMITED", Message: "slow down"}
	})

	_, err := newClient().Call(context.Background(), cfgFor(srv, domain.Credentials{Token: "secret-token"}), "codex.generate", nil)
	var re *domain.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "RATE_LIMITED", re.Code)
	assert.Equal(t, "slow down", re.Message)
	assert.ErrorIs(t, err, domain.ErrGatewayRemote)
}

func TestGatewayCallUnknownMethod(t *testing.T) {
	srv := startGateway(t, gatewaytest.Behavior{})

	_, err := newClient().Call(context.Background(), cfgFor(srv, domain.Credentials{Token: "secret-token"}), "nope", nil)
	assert.ErrorIs(t, err, domain.ErrGatewayRemote)
	assert.Contains(t, err.Error(), "unknown method")
}

func TestGatewayCallTimeout(t *testing.T) {
	srv := startGateway(t, gatewaytest.Behavior{})
	srv.Handle("slow", func(context.Context, *gatewaytest.ClientInfo, json.RawMessage) (any, error) {
		return nil, gatewaytest.ErrNoReply
	})
	cfg := cfgFor(srv, domain.Credentials{Token: "secret-token"})
	cfg.Timeout = 100 * time.Millisecond

	_, err := newClient().Call(context.Background(), cfg, "slow", nil)
	assert.ErrorIs(t, err, domain.ErrGatewayTimeout)
	waitDisconnected(t, srv, 1)
}

func TestGatewayCallConnectionDropped(t *testing.T) {
	srv := startGateway(t, gatewaytest.Behavior{})
	srv.Handle("drop", func(context.Context, *gatewaytest.ClientInfo, json.RawMessage) (any, error) {
		return nil, gatewaytest.ErrDropConnection
	})

	_, err := newClient().Call(context.Background(), cfgFor(srv, domain.Credentials{Token: "secret-token"}), "drop", nil)
	assert.ErrorIs(t, err, domain.ErrGatewayConnection)
}

func TestGatewayCallUnreachable(t *testing.T) {
	srv := startGateway(t, gatewaytest.Behavior{})
	cfg := cfgFor(srv, domain.Credentials{Token: "secret-token"})
	srv.Close()

	_, err := newClient().Call(context.Background(), cfg, "models.list", nil)
	assert.ErrorIs(t, err, domain.ErrGatewayConnection)
}

func TestGatewayConnectCheck(t *testing.T) {
	srv := startGateway(t, gatewaytest.Behavior{})

	require.NoError(t, newClient().ConnectCheck(context.Background(), cfgFor(srv, domain.Credentials{Token: "secret-token"})))
	assert.Equal(t, []string{"connect"}, srv.Methods())
	waitDisconnected(t, srv, 1)
}

func TestGatewaySequentialCallsUseSeparateConnections(t *testing.T) {
	srv := startGateway(t, gatewaytest.Behavior{})
	c := newClient()
	cfg := cfgFor(srv, domain.Credentials{Token: "secret-token"})

	for i := 0; i < 3; i++ {
		_, err := c.Call(context.Background(), cfg, "models.list", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, srv.Connections())
	waitDisconnected(t, srv, 3)
}
