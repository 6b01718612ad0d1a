package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func fakeBrowse(entriesToSend []*zeroconf.ServiceEntry, err error) browseFunc {
	return func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		for _, entry := range entriesToSend {
			select {
			case entries <- entry:
			case <-ctx.Done():
				close(entries)
				return ctx.Err()
			}
		}
		close(entries)
		return err
	}
}

func relayEntry(port int, addr string, txt ...string) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{Port: port, Text: txt}
	if addr != "" {
		entry.AddrIPv4 = []net.IP{net.ParseIP(addr)}
	}
	return entry
}

func TestResolveRelayReturnsFirstUsableEntry(t *testing.T) {
	cfg := Config{
		ResolveTimeout: time.Second,
		browseFn: fakeBrowse([]*zeroconf.ServiceEntry{
			relayEntry(0, "192.168.1.5"),
			relayEntry(9100, "192.168.1.7"),
		}, nil),
	}

	endpoint, err := ResolveRelay(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ResolveRelay failed: %v", err)
	}
	if endpoint != "ws://192.168.1.7:9100/ws" {
		t.Errorf("endpoint = %q, want ws://192.168.1.7:9100/ws", endpoint)
	}
}

func TestResolveRelayUsesTXTPath(t *testing.T) {
	cfg := Config{
		ResolveTimeout: time.Second,
		browseFn: fakeBrowse([]*zeroconf.ServiceEntry{
			relayEntry(9100, "10.0.0.2", "path=/realtime", "version=1"),
		}, nil),
	}

	endpoint, err := ResolveRelay(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ResolveRelay failed: %v", err)
	}
	if endpoint != "ws://10.0.0.2:9100/realtime" {
		t.Errorf("endpoint = %q, want ws://10.0.0.2:9100/realtime", endpoint)
	}
}

func TestResolveRelayFallsBackToHostName(t *testing.T) {
	entry := &zeroconf.ServiceEntry{Port: 9100, HostName: "relay-host.local."}
	cfg := Config{
		ResolveTimeout: time.Second,
		browseFn:       fakeBrowse([]*zeroconf.ServiceEntry{entry}, nil),
	}

	endpoint, err := ResolveRelay(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ResolveRelay failed: %v", err)
	}
	if endpoint != "ws://relay-host.local:9100/ws" {
		t.Errorf("endpoint = %q, want ws://relay-host.local:9100/ws", endpoint)
	}
}

func TestResolveRelayNoRelayFound(t *testing.T) {
	cfg := Config{
		ResolveTimeout: 100 * time.Millisecond,
		browseFn:       fakeBrowse(nil, nil),
	}

	_, err := ResolveRelay(context.Background(), cfg)
	if !errors.Is(err, ErrRelayNotFound) {
		t.Errorf("err = %v, want ErrRelayNotFound", err)
	}
}

func TestResolveRelayBrowseError(t *testing.T) {
	browseFailure := errors.New("network down")
	cfg := Config{
		ResolveTimeout: time.Second,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return browseFailure
		},
	}

	_, err := ResolveRelay(context.Background(), cfg)
	if !errors.Is(err, browseFailure) {
		t.Errorf("err = %v, want wrapped %v", err, browseFailure)
	}
}
