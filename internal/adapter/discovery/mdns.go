// Package discovery finds gateways advertised on the local network.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"opencami/internal/domain"
)

const (
	DefaultService = "_openclaw-gw._tcp"
	DefaultDomain  = "local."
	defaultTimeout = 3 * time.Second
)

// Browser runs one DNS-SD browse, delivering entries until ctx is done.
type Browser func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSDiscoverer browses for gateways via mDNS/DNS-SD.
type MDNSDiscoverer struct {
	service string
	domain  string
	timeout time.Duration
	browse  Browser
	logger  *slog.Logger
}

// Option configures an MDNSDiscoverer.
type Option func(*MDNSDiscoverer)

// WithBrowser replaces the zeroconf resolver.
func WithBrowser(b Browser) Option {
	return func(d *MDNSDiscoverer) { d.browse = b }
}

// NewMDNSDiscoverer creates a discoverer. Empty arguments take the defaults.
func NewMDNSDiscoverer(service, domainName string, timeout time.Duration, logger *slog.Logger, opts ...Option) *MDNSDiscoverer {
	if service == "" {
		service = DefaultService
	}
	if domainName == "" {
		domainName = DefaultDomain
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &MDNSDiscoverer{
		service: service,
		domain:  domainName,
		timeout: timeout,
		browse:  zeroconfBrowse,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func zeroconfBrowse(ctx context.Context, service, domainName string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domainName, entries)
}

// Scan browses for the configured timeout and returns every gateway seen,
// deduplicated by URL and sorted by name.
func (d *MDNSDiscoverer) Scan(ctx context.Context) ([]domain.GatewayEndpoint, error) {
	scanCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []domain.GatewayEndpoint, 1)
	go func() {
		seen := make(map[string]domain.GatewayEndpoint)
		for entry := range entries {
			ep, ok := endpointFromEntry(entry)
			if !ok {
				continue
			}
			d.logger.Debug("mdns discovered gateway", "name", ep.Name, "url", ep.URL)
			seen[ep.URL] = ep
		}
		out := make([]domain.GatewayEndpoint, 0, len(seen))
		for _, ep := range seen {
			out = append(out, ep)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		found <- out
	}()

	if err := d.browse(scanCtx, d.service, d.domain, entries); err != nil {
		cancel()
		return nil, domain.NewDomainError("Discovery.Scan", domain.ErrDiscovery, err.Error())
	}

	// zeroconf closes entries once scanCtx is done.
	<-scanCtx.Done()
	select {
	case out := <-found:
		return out, nil
	case <-time.After(time.Second):
		return nil, domain.NewDomainError("Discovery.Scan", domain.ErrDiscovery, "browser did not finish")
	}
}

// endpointFromEntry builds a gateway URL from an announced service. TXT keys
// "tls=1" and "path=/..." adjust the scheme and path.
func endpointFromEntry(entry *zeroconf.ServiceEntry) (domain.GatewayEndpoint, bool) {
	if entry == nil || entry.Port <= 0 {
		return domain.GatewayEndpoint{}, false
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return domain.GatewayEndpoint{}, false
	}

	meta := parseTXT(entry.Text)
	scheme := "ws"
	if v := meta["tls"]; v == "1" || v == "true" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, strconv.Itoa(entry.Port)), Path: meta["path"]}

	name := entry.Instance
	if name == "" {
		name = fmt.Sprintf("%s:%d", host, entry.Port)
	}
	return domain.GatewayEndpoint{
		Name:     name,
		URL:      u.String(),
		Host:     host,
		Port:     entry.Port,
		Metadata: meta,
	}, true
}

func parseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		if k, v, ok := strings.Cut(t, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}
