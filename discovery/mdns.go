package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name the realtime relay advertises.
	DefaultService = "_chatsync-relay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultResolveTimeout bounds one relay browse.
	DefaultResolveTimeout = 3 * time.Second
	// defaultRelayPath is used when the relay TXT record carries no path.
	defaultRelayPath = "/ws"
)

// ErrRelayNotFound indicates no relay answered within the browse window.
var ErrRelayNotFound = errors.New("discovery: no realtime relay found")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay resolution.
type Config struct {
	Service        string
	Domain         string
	ResolveTimeout time.Duration

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ResolveTimeout <= 0 {
		out.ResolveTimeout = DefaultResolveTimeout
	}
	return out
}

// ResolveRelay browses the LAN for a realtime relay instance and returns a
// websocket endpoint URL for the first usable one.
func ResolveRelay(ctx context.Context, config Config) (string, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return "", fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	browseCtx, cancel := context.WithTimeout(ctx, cfg.ResolveTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- browse(browseCtx, cfg.Service, cfg.Domain, entries)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrRelayNotFound
			}
			if endpoint := endpointFromEntry(entry); endpoint != "" {
				return endpoint, nil
			}
		case err := <-browseErr:
			if err != nil {
				return "", fmt.Errorf("browse for relay: %w", err)
			}
			// Browse returned without error; keep draining entries
			// until the channel closes or the window expires.
			browseErr = nil
		case <-browseCtx.Done():
			return "", ErrRelayNotFound
		}
	}
}

func endpointFromEntry(entry *zeroconf.ServiceEntry) string {
	if entry == nil || entry.Port <= 0 {
		return ""
	}

	host := ""
	for _, addr := range entry.AddrIPv4 {
		if addr != nil && !addr.IsUnspecified() {
			host = addr.String()
			break
		}
	}
	if host == "" {
		for _, addr := range entry.AddrIPv6 {
			if addr != nil && !addr.IsUnspecified() {
				host = addr.String()
				break
			}
		}
	}
	if host == "" && entry.HostName != "" {
		host = strings.TrimSuffix(entry.HostName, ".")
	}
	if host == "" {
		return ""
	}

	path := defaultRelayPath
	for _, txt := range entry.Text {
		if value, ok := strings.CutPrefix(txt, "path="); ok && strings.HasPrefix(value, "/") {
			path = value
		}
	}

	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, fmt.Sprint(entry.Port)), path)
}
