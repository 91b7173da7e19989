package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"opencami/internal/adapter/discovery"
	"opencami/internal/adapter/gateway"
	"opencami/internal/infra/config"
	"opencami/internal/infra/logger"
)

// loadCLI loads config and a stderr logger for one-shot commands.
func loadCLI(cfgPath string) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, closeLog, nil
}

// runCall sends one request and prints the indented payload.
func runCall(ctx context.Context, cfgPath string, args []string, out io.Writer, dialer gateway.Dialer) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("usage: opencami call METHOD [PARAMS-JSON]")
	}
	var params any
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("params are not valid JSON: %s", args[1])
		}
		params = json.RawMessage(args[1])
	}

	cfg, log, closeLog, err := loadCLI(cfgPath)
	if err != nil {
		return err
	}
	defer closeLog()

	if dialer == nil {
		dialer = &gateway.WebSocketDialer{Logger: log}
	}
	client := gateway.NewClient(dialer, gateway.WithLogger(log))

	payload, err := client.Call(ctx, cfg.ConnectionConfig(), args[0], params)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		fmt.Fprintln(out, "null")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		buf.Reset()
		buf.Write(payload)
	}
	fmt.Fprintln(out, buf.String())
	return nil
}

// runDiscover prints gateways advertised on the local network. A nil browser
// uses zeroconf.
func runDiscover(ctx context.Context, cfgPath string, out io.Writer, browser discovery.Browser) error {
	cfg, log, closeLog, err := loadCLI(cfgPath)
	if err != nil {
		return err
	}
	defer closeLog()

	var opts []discovery.Option
	if browser != nil {
		opts = append(opts, discovery.WithBrowser(browser))
	}
	d := discovery.NewMDNSDiscoverer(cfg.Discovery.Service, cfg.Discovery.Domain, cfg.Discovery.Timeout, log, opts...)

	endpoints, err := d.Scan(ctx)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		fmt.Fprintln(out, textMuted.Render("No gateways found on the local network."))
		return nil
	}
	fmt.Fprintln(out, textTitle.Render(fmt.Sprintf("Found %d gateway(s):", len(endpoints))))
	for _, ep := range endpoints {
		fmt.Fprintf(out, "  %s %s\n", nameColumn.Render(ep.Name), ep.URL)
	}
	return nil
}

// runEncrypt prints an enc: value for the config file.
func runEncrypt(args []string, passphrase string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: opencami encrypt VALUE")
	}
	if passphrase == "" {
		return fmt.Errorf("OPENCAMI_CONFIG_KEY must be set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "enc:"+enc)
	return nil
}
