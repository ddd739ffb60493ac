package security

import (
	"context"
	"net/http"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	addrs map[string][]netip.Addr
}

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	return f.addrs[host], nil
}

func TestGuardedClientRejectsPrivateResolution(t *testing.T) {
	client := NewGuardedClient(GuardOptions{
		Resolver: fakeResolver{addrs: map[string][]netip.Addr{
			"internal.example.com": {netip.MustParseAddr("10.0.0.1")},
		}},
		Timeout: 2 * time.Second,
	})

	resp, err := client.Get("https://internal.example.com/")
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrURLBlocked)
	assert.Contains(t, err.Error(), "resolves to 10.0.0.1")
}

func TestGuardVetRejectsMixedAnswers(t *testing.T) {
	g := &guard{resolver: fakeResolver{addrs: map[string][]netip.Addr{
		"rebind.example.com": {netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("169.254.169.254")},
	}}}

	_, err := g.vet(context.Background(), "rebind.example.com")
	assert.ErrorIs(t, err, ErrURLBlocked)
}

func TestGuardVetAcceptsPublicAnswers(t *testing.T) {
	g := &guard{resolver: fakeResolver{addrs: map[string][]netip.Addr{
		"mcp.example.com": {netip.MustParseAddr("::ffff:93.184.216.34")},
	}}}

	addrs, err := g.vet(context.Background(), "mcp.example.com")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "93.184.216.34", addrs[0].String())
}

func TestGuardVetNoAddresses(t *testing.T) {
	g := &guard{resolver: fakeResolver{}}
	_, err := g.vet(context.Background(), "nothing.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no addresses")
}

func TestCheckRedirect(t *testing.T) {
	check := checkRedirect(DefaultMaxRedirects)
	hop := func(raw string) *http.Request {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return &http.Request{URL: u}
	}

	assert.NoError(t, check(hop("https://mcp.example.com/next"), []*http.Request{hop("https://mcp.example.com/")}))

	err := check(hop("http://mcp.example.com/next"), []*http.Request{hop("https://mcp.example.com/")})
	assert.ErrorIs(t, err, ErrURLBlocked)

	err = check(hop("https://169.254.169.254/latest"), []*http.Request{hop("https://mcp.example.com/")})
	assert.ErrorIs(t, err, ErrURLBlocked)

	via := make([]*http.Request, DefaultMaxRedirects)
	for i := range via {
		via[i] = hop("https://mcp.example.com/")
	}
	err = check(hop("https://mcp.example.com/again"), via)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrURLBlocked)
	assert.Contains(t, err.Error(), "stopped after 5 redirects")
}
