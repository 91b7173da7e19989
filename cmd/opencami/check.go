package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"opencami/internal/adapter/gateway"
	"opencami/internal/domain"
	"opencami/internal/infra/config"
)

// CheckStatus is the outcome of one check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
	StatusSkip CheckStatus = "SKIP"
)

// CheckResult holds the outcome of a single check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// runCheck validates the config and performs one handshake. A nil dialer
// uses the websocket dialer.
func runCheck(ctx context.Context, cfgPath string, out io.Writer, dialer gateway.Dialer) error {
	cfg, cfgErr := config.Load(cfgPath)

	results := []CheckResult{checkConfigFile(cfgPath, cfgErr)}
	if cfgErr != nil {
		results = append(results,
			CheckResult{Name: "Credentials", Status: StatusSkip, Message: "config not loaded"},
			CheckResult{Name: "Gateway handshake", Status: StatusSkip, Message: "config not loaded"},
		)
	} else {
		creds := checkCredentials(cfg)
		results = append(results, creds)
		if creds.Status == StatusFail {
			results = append(results, CheckResult{Name: "Gateway handshake", Status: StatusSkip, Message: "no credentials"})
		} else {
			if dialer == nil {
				dialer = &gateway.WebSocketDialer{}
			}
			results = append(results, checkHandshake(ctx, cfg, gateway.NewClient(dialer)))
		}
	}

	fmt.Fprintln(out, textTitle.Render("opencami check"))
	fmt.Fprintln(out, strings.Repeat("=", 50))

	var fail int
	for _, r := range results {
		fmt.Fprintf(out, "  %s %s %s\n", statusLabel(r.Status), nameColumn.Render(r.Name), r.Message)
		if r.Fix != "" {
			fmt.Fprintf(out, "       %s\n", textMuted.Render("Fix: "+r.Fix))
		}
		if r.Status == StatusFail {
			fail++
		}
	}
	fmt.Fprintln(out, strings.Repeat("-", 50))

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	fmt.Fprintln(out, textSuccess.Render("Gateway is reachable and accepted the credentials."))
	return nil
}

func statusLabel(s CheckStatus) string {
	label := "[" + string(s) + "]"
	switch s {
	case StatusPass:
		return textSuccess.Render(label)
	case StatusFail:
		return textError.Render(label)
	case StatusWarn:
		return textWarning.Render(label)
	default:
		return textMuted.Render(label)
	}
}

func checkConfigFile(cfgPath string, cfgErr error) CheckResult {
	r := CheckResult{Name: "Config"}
	switch {
	case cfgErr != nil:
		r.Status = StatusFail
		r.Message = cfgErr.Error()
		r.Fix = "Fix " + cfgPath + " or the OPENCAMI_* environment variables"
	default:
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			r.Status = StatusWarn
			r.Message = "no file at " + cfgPath + ", using defaults and environment"
		} else {
			r.Status = StatusPass
			r.Message = "loaded " + cfgPath
		}
	}
	return r
}

func checkCredentials(cfg *config.Config) CheckResult {
	r := CheckResult{Name: "Credentials"}
	switch {
	case cfg.Gateway.Token != "":
		r.Status, r.Message = StatusPass, "token configured"
	case cfg.Gateway.Password != "":
		r.Status, r.Message = StatusPass, "password configured"
	default:
		r.Status = StatusFail
		r.Message = "no gateway token or password"
		r.Fix = "Set gateway.token or OPENCAMI_GATEWAY_TOKEN"
	}
	return r
}

func checkHandshake(ctx context.Context, cfg *config.Config, client *gateway.Client) CheckResult {
	r := CheckResult{Name: "Gateway handshake"}
	start := time.Now()
	err := client.ConnectCheck(ctx, cfg.ConnectionConfig())
	if err == nil {
		r.Status = StatusPass
		r.Message = fmt.Sprintf("%s accepted the connection in %s", cfg.Gateway.URL, time.Since(start).Round(time.Millisecond))
		return r
	}

	r.Status = StatusFail
	r.Message = fmt.Sprintf("%s (%s)", err.Error(), domain.ErrorCodeOf(err))
	switch {
	case errors.Is(err, domain.ErrGatewayAuth):
		r.Fix = "Check the gateway token or password"
	case errors.Is(err, domain.ErrGatewayConnection), errors.Is(err, domain.ErrGatewayTimeout):
		r.Fix = "Is the gateway running at " + cfg.Gateway.URL + "? Try 'opencami discover'"
	}
	return r
}
