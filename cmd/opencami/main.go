package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

const defaultConfigPath = "./opencami.yaml"

func main() {
	cfgPath, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\nRun 'opencami --help' for usage information.\n", err)
		os.Exit(2)
	}

	if len(args) == 0 {
		showUsage(os.Stdout)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "--help", "-h", "help":
		showUsage(os.Stdout)
	case "serve":
		err = runServe(ctx, cfgPath)
	case "check":
		err = runCheck(ctx, cfgPath, os.Stdout, nil)
	case "call":
		err = runCall(ctx, cfgPath, args[1:], os.Stdout, nil)
	case "discover":
		err = runDiscover(ctx, cfgPath, os.Stdout, nil)
	case "encrypt":
		err = runEncrypt(args[1:], os.Getenv("OPENCAMI_CONFIG_KEY"), os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'opencami --help' for usage information.\n", args[0])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		cancel()
		os.Exit(1)
	}
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, `opencami - bridge between the OpenCami web UI and an OpenClaw gateway

USAGE:
    opencami [--config PATH] COMMAND [ARGS]

COMMANDS:
    serve                      Run the HTTP API, health monitor and config watcher
    check                      Verify config and perform a gateway handshake
    call METHOD [PARAMS-JSON]  Send one request and print the response payload
    discover                   Look for gateways on the local network (mDNS)
    encrypt VALUE              Encrypt a secret for the config file
    help                       Show this help message

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./opencami.yaml, or $OPENCAMI_CONFIG)

CONFIGURATION:
    Environment: OPENCAMI_* variables override the config file
    Secrets:     values prefixed with enc: are decrypted with $OPENCAMI_CONFIG_KEY

EXAMPLES:
    opencami check
    opencami call models.list
    opencami call chat.history '{"sessionKey":"main"}'
    OPENCAMI_CONFIG_KEY=... opencami encrypt my-gateway-token`)
}

// parseGlobalFlags removes --config from args and resolves the config path.
func parseGlobalFlags(args []string) (string, []string, error) {
	path := os.Getenv("OPENCAMI_CONFIG")
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--config requires a path")
			}
			path = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			path = strings.TrimPrefix(args[i], "--config=")
		default:
			rest = append(rest, args[i])
		}
	}
	if path == "" {
		path = defaultConfigPath
	}
	return path, rest, nil
}
