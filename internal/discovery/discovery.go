// Package discovery announces and finds collabink relays on the local
// network over mDNS.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_collabink._tcp"
	Domain  = "local."
)

// Peer is a discovered relay or agent.
type Peer struct {
	Instance string
	Host     string
	Addrs    []net.IP
	Port     int
	Text     map[string]string
}

// URL returns an http URL for the first address of p.
func (p Peer) URL() string {
	host := p.Host
	if len(p.Addrs) > 0 {
		host = p.Addrs[0].String()
	}
	return "http://" + net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(p.Port))
}

// Announce registers the instance on port. The returned func withdraws
// the announcement.
func Announce(instance string, port int, txt map[string]string, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("collabink-%s", host)
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, EncodeTXT(txt), nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	logger.Info("mdns service registered", "instance", instance, "service", Service, "port", port)
	return server.Shutdown, nil
}

// Browse collects peers until ctx is done.
func Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Peer)
	go func(results <-chan *zeroconf.ServiceEntry) {
		seen := map[string]Peer{}
		for entry := range results {
			seen[entry.Instance] = FromEntry(entry)
		}
		peers := make([]Peer, 0, len(seen))
		for _, p := range seen {
			peers = append(peers, p)
		}
		sort.Slice(peers, func(i, j int) bool { return peers[i].Instance < peers[j].Instance })
		done <- peers
	}(entries)

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns services: %w", err)
	}
	<-ctx.Done()
	// the resolver closes entries once ctx is done
	return <-done, nil
}

// FromEntry converts a resolved service entry.
func FromEntry(e *zeroconf.ServiceEntry) Peer {
	addrs := append([]net.IP{}, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Peer{
		Instance: e.Instance,
		Host:     e.HostName,
		Addrs:    addrs,
		Port:     e.Port,
		Text:     DecodeTXT(e.Text),
	}
}

// EncodeTXT renders fields as sorted key=value records.
func EncodeTXT(fields map[string]string) []string {
	out := make([]string, 0, len(fields))
	for k, v := range fields {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// DecodeTXT parses key=value records. Records without '=' map to "".
func DecodeTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k != "" {
			out[k] = v
		}
	}
	return out
}
