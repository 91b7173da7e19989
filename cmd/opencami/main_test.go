package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grandcat/zeroconf"

	"opencami/internal/adapter/gateway/gatewaytest"
	"opencami/internal/infra/config"
)

func startGateway(t *testing.T) *gatewaytest.Server {
	t.Helper()
	srv := gatewaytest.NewServer(gatewaytest.NewStaticAuth([]string{"secret-token"}, nil), gatewaytest.Behavior{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(srv.Close)
	srv.Handle("models.list", func(_ context.Context, _ *gatewaytest.ClientInfo, params json.RawMessage) (any, error) {
		return map[string]any{"models": []map[string]string{{"id": "m1"}}, "echo": params}, nil
	})
	return srv
}

// cliEnv points the config at srv and a missing config file.
func cliEnv(t *testing.T, url, token string) string {
	t.Helper()
	t.Setenv("OPENCAMI_CONFIG_KEY", "")
	t.Setenv("OPENCAMI_GATEWAY_URL", url)
	t.Setenv("OPENCAMI_GATEWAY_TOKEN", token)
	t.Setenv("OPENCAMI_GATEWAY_PASSWORD", "")
	t.Setenv("OPENCAMI_GATEWAY_TIMEOUT", "2s")
	t.Setenv("OPENCAMI_LOGGER_LEVEL", "error")
	return filepath.Join(t.TempDir(), "missing.yaml")
}

func TestParseGlobalFlags(t *testing.T) {
	t.Setenv("OPENCAMI_CONFIG", "")
	tests := []struct {
		args     []string
		wantPath string
		wantRest []string
	}{
		{[]string{"check"}, defaultConfigPath, []string{"check"}},
		{[]string{"--config", "/etc/oc.yaml", "check"}, "/etc/oc.yaml", []string{"check"}},
		{[]string{"call", "--config=x.yaml", "models.list"}, "x.yaml", []string{"call", "models.list"}},
	}
	for _, tt := range tests {
		path, rest, err := parseGlobalFlags(tt.args)
		if err != nil {
			t.Fatalf("parseGlobalFlags(%v): %v", tt.args, err)
		}
		if path != tt.wantPath {
			t.Errorf("parseGlobalFlags(%v) path = %q, want %q", tt.args, path, tt.wantPath)
		}
		if strings.Join(rest, " ") != strings.Join(tt.wantRest, " ") {
			t.Errorf("parseGlobalFlags(%v) rest = %v, want %v", tt.args, rest, tt.wantRest)
		}
	}
}

func TestParseGlobalFlags_EnvAndMissingValue(t *testing.T) {
	t.Setenv("OPENCAMI_CONFIG", "/from/env.yaml")
	path, _, err := parseGlobalFlags([]string{"serve"})
	if err != nil || path != "/from/env.yaml" {
		t.Errorf("got %q, %v; want /from/env.yaml", path, err)
	}
	if _, _, err := parseGlobalFlags([]string{"--config"}); err == nil {
		t.Error("expected error for --config without a value")
	}
}

func TestShowUsage(t *testing.T) {
	var buf bytes.Buffer
	showUsage(&buf)
	for _, cmd := range []string{"serve", "check", "call", "discover", "encrypt", "--config"} {
		if !strings.Contains(buf.String(), cmd) {
			t.Errorf("usage does not mention %q", cmd)
		}
	}
}

func TestRunCheck_Pass(t *testing.T) {
	srv := startGateway(t)
	cfgPath := cliEnv(t, srv.URL(), "secret-token")

	var out bytes.Buffer
	if err := runCheck(context.Background(), cfgPath, &out, nil); err != nil {
		t.Fatalf("runCheck: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "[PASS]") || strings.Contains(out.String(), "[FAIL]") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if got := srv.Methods(); len(got) != 1 || got[0] != "connect" {
		t.Errorf("check sent %v, want only connect", got)
	}
}

func TestRunCheck_BadToken(t *testing.T) {
	srv := startGateway(t)
	cfgPath := cliEnv(t, srv.URL(), "wrong")

	var out bytes.Buffer
	err := runCheck(context.Background(), cfgPath, &out, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(out.String(), "GATEWAY_AUTH") {
		t.Errorf("output should name the auth failure:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Check the gateway token") {
		t.Errorf("output should suggest a fix:\n%s", out.String())
	}
}

func TestRunCheck_NoCredentialsSkipsHandshake(t *testing.T) {
	srv := startGateway(t)
	cfgPath := cliEnv(t, srv.URL(), "")

	var out bytes.Buffer
	if err := runCheck(context.Background(), cfgPath, &out, nil); err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(out.String(), "[SKIP]") {
		t.Errorf("handshake should be skipped:\n%s", out.String())
	}
	if srv.Connections() != 0 {
		t.Errorf("connections = %d, want 0", srv.Connections())
	}
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	cfgPath := cliEnv(t, "http://not-a-websocket", "tok")

	var out bytes.Buffer
	if err := runCheck(context.Background(), cfgPath, &out, nil); err == nil {
		t.Fatal("expected failure")
	}
	if strings.Count(out.String(), "[SKIP]") != 2 {
		t.Errorf("later checks should be skipped:\n%s", out.String())
	}
}

func TestRunCall(t *testing.T) {
	srv := startGateway(t)
	cfgPath := cliEnv(t, srv.URL(), "secret-token")

	var out bytes.Buffer
	if err := runCall(context.Background(), cfgPath, []string{"models.list", `{"limit":1}`}, &out, nil); err != nil {
		t.Fatalf("runCall: %v", err)
	}
	var got struct {
		Models []struct{ ID string } `json:"models"`
		Echo   map[string]int        `json:"echo"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if len(got.Models) != 1 || got.Models[0].ID != "m1" {
		t.Errorf("models = %+v", got.Models)
	}
	if got.Echo["limit"] != 1 {
		t.Errorf("params not forwarded: %+v", got.Echo)
	}
	if !strings.Contains(out.String(), "\n  ") {
		t.Errorf("payload should be indented:\n%s", out.String())
	}
}

func TestRunCall_Usage(t *testing.T) {
	if err := runCall(context.Background(), "unused", nil, io.Discard, nil); err == nil {
		t.Error("expected usage error without a method")
	}
	if err := runCall(context.Background(), "unused", []string{"m", "{bad"}, io.Discard, nil); err == nil {
		t.Error("expected error for invalid params JSON")
	}
}

func TestRunDiscover(t *testing.T) {
	cfgPath := cliEnv(t, "ws://127.0.0.1:18789", "")
	browser := func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
		go func() {
			e := zeroconf.NewServiceEntry("studio", "_openclaw-gw._tcp", "local.")
			e.HostName = "studio.local."
			e.Port = 18789
			entries <- e
			<-ctx.Done()
			close(entries)
		}()
		return nil
	}

	var out bytes.Buffer
	if err := runDiscover(context.Background(), cfgPath, &out, browser); err != nil {
		t.Fatalf("runDiscover: %v", err)
	}
	if !strings.Contains(out.String(), "studio") || !strings.Contains(out.String(), ":18789") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestRunDiscover_BrowseError(t *testing.T) {
	cfgPath := cliEnv(t, "ws://127.0.0.1:18789", "")
	browser := func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
		return errors.New("no multicast interface")
	}
	if err := runDiscover(context.Background(), cfgPath, io.Discard, browser); err == nil {
		t.Error("expected browse error")
	}
}

func TestRunEncrypt(t *testing.T) {
	var out bytes.Buffer
	if err := runEncrypt([]string{"my-token"}, "passphrase", &out); err != nil {
		t.Fatalf("runEncrypt: %v", err)
	}
	enc := strings.TrimSpace(out.String())
	if !strings.HasPrefix(enc, "enc:") {
		t.Fatalf("got %q, want enc: prefix", enc)
	}
	plain, err := config.DecryptValue(strings.TrimPrefix(enc, "enc:"), "passphrase")
	if err != nil || plain != "my-token" {
		t.Errorf("DecryptValue = %q, %v", plain, err)
	}
}

func TestRunEncrypt_Errors(t *testing.T) {
	if err := runEncrypt([]string{"x"}, "", io.Discard); err == nil {
		t.Error("expected error without passphrase")
	}
	if err := runEncrypt(nil, "k", io.Discard); err == nil {
		t.Error("expected usage error")
	}
}
