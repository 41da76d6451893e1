// Package dnsresolve turns the host arguments of the command line into IPv4
// addresses. Lookups happen once at startup, before the event loop runs.
package dnsresolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const DefaultResolvConf = "/etc/resolv.conf"

var ErrNoRecords = errors.New("no A records")

type Resolver struct {
	client  *dns.Client
	servers []string
}

// New returns a resolver asking the given servers ("host:port") in order.
func New(servers ...string) *Resolver {
	return &Resolver{
		client:  &dns.Client{Net: "udp", Timeout: 5 * time.Second},
		servers: servers,
	}
}

// FromResolvConf reads the nameservers of a resolv.conf style file.
func FromResolvConf(path string) (*Resolver, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	r := New(servers...)
	if cfg.Timeout > 0 {
		r.client.Timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return r, nil
}

// LookupIPv4 returns an address for host. IP literals and localhost are
// answered without a query.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}
	if strings.EqualFold(strings.TrimSuffix(host, "."), "localhost") {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1}), nil
	}
	if len(r.servers) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %s: no nameservers configured", host)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, ans := range resp.Answer {
			if a, ok := ans.(*dns.A); ok {
				if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
					return addr, nil
				}
			}
		}
		lastErr = ErrNoRecords
	}
	return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, lastErr)
}
