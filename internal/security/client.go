package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// GuardOptions configures NewGuardedClient.
type GuardOptions struct {
	Resolver     Resolver      // default net.DefaultResolver
	Timeout      time.Duration // default 30s
	MaxRedirects int           // default 5
}

// DefaultMaxRedirects is the redirect hop limit of guarded clients.
const DefaultMaxRedirects = 5

// NewGuardedClient returns an HTTP client for connector traffic. Every
// connection resolves the host, rejects it if any resolved address is not
// public and dials the vetted address directly, so a DNS answer cannot
// change between check and use. Every redirect hop is re-validated.
func NewGuardedClient(opts GuardOptions) *http.Client {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}

	g := &guard{resolver: opts.Resolver, dialer: &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = g.dialContext

	return &http.Client{
		Transport:     transport,
		Timeout:       opts.Timeout,
		CheckRedirect: checkRedirect(opts.MaxRedirects),
	}
}

func checkRedirect(maxHops int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxHops {
			return fmt.Errorf("%w: stopped after %d redirects", ErrURLBlocked, maxHops)
		}
		if err := ValidateURL(req.URL.String()); err != nil {
			return fmt.Errorf("redirect to %s: %w", req.URL.Redacted(), err)
		}
		return nil
	}
}

type guard struct {
	resolver Resolver
	dialer   *net.Dialer
}

func (g *guard) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("security: dial %s: %w", address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("security: dial %s: invalid port", address)
	}

	addrs, err := g.vet(ctx, host)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, addr := range addrs {
		conn, err := g.dialer.DialContext(ctx, network, netip.AddrPortFrom(addr, uint16(port)).String())
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("security: dial %s: %w", host, errors.Join(errs...))
}

// vet resolves host and requires every answer to be public.
func (g *guard) vet(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, ok := parseHostIP(host); ok {
		if err := CheckIP(addr); err != nil {
			return nil, err
		}
		return []netip.Addr{addr.Unmap()}, nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("security: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("security: resolve %s: no addresses", host)
	}
	for _, addr := range addrs {
		if reason := classifyIP(addr); reason != "" {
			return nil, blocked(host, fmt.Sprintf("%s resolves to %s: %s", host, addr, reason))
		}
	}
	out := make([]netip.Addr, len(addrs))
	for i, a := range addrs {
		out[i] = a.Unmap()
	}
	return out, nil
}
