package security

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURLAcceptsPublicHTTPS(t *testing.T) {
	for _, u := range []string{
		"https://mcp.example.com/sse",
		"https://api.github.com:443/mcp",
		"https://8.8.8.8/",
		"https://[2606:4700:4700::1111]/",
		"https://bücher.example/",
		"https://example.com./path",
	} {
		assert.NoError(t, ValidateURL(u), u)
	}
}

func TestValidateURLReasons(t *testing.T) {
	tests := []struct {
		url    string
		reason string
	}{
		{"://nope", "Invalid URL format"},
		{"https://", "Invalid URL format"},
		{"http://example.com", "Only HTTPS URLs are allowed for security"},
		{"ftp://example.com", "Only HTTPS URLs are allowed for security"},
		{"https://localhost/", "Localhost URLs are not allowed"},
		{"https://LOCALHOST./", "Localhost URLs are not allowed"},
		{"https://app.localhost/", "Localhost URLs are not allowed"},
		{"https://127.0.0.1/", "Localhost URLs are not allowed"},
		{"https://[::1]/", "Localhost URLs are not allowed"},
		{"https://0.0.0.0/", "Localhost URLs are not allowed"},
		{"https://[::]/", "Localhost URLs are not allowed"},
		{"https://ｌｏｃａｌｈｏｓｔ/", "Localhost URLs are not allowed"},
		{"https://metadata/", "Internal hostnames are not allowed"},
		{"https://metadata.google.internal/computeMetadata/v1/", "Internal hostnames are not allowed"},
		{"https://db.corp.internal/", "Internal hostnames are not allowed"},
		{"https://printer.local/", "Internal hostnames are not allowed"},
		{"https://127.0.0.2/", "Loopback IP addresses are not allowed"},
		{"https://10.1.2.3/", "Private IP addresses (10.x.x.x) are not allowed"},
		{"https://172.16.0.1/", "Private IP addresses (172.16-31.x.x) are not allowed"},
		{"https://172.31.255.255/", "Private IP addresses (172.16-31.x.x) are not allowed"},
		{"https://192.168.1.1/", "Private IP addresses (192.168.x.x) are not allowed"},
		{"https://169.254.169.254/latest/meta-data/", "Link-local/metadata IP addresses are not allowed"},
		{"https://255.255.255.255/", "Broadcast addresses are not allowed"},
		{"https://100.64.0.1/", "Shared address space (100.64.0.0/10) is not allowed"},
		{"https://user:pw@example.com/", "Credentials in URLs are not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrURLBlocked))
			assert.Equal(t, tt.reason, err.Error())
		})
	}
}

func TestValidateURLObfuscatedAddresses(t *testing.T) {
	for _, u := range []string{
		"https://2130706433/",         // decimal 127.0.0.1
		"https://0x7f000001/",         // hex
		"https://0177.0.0.1/",         // octal first octet
		"https://127.1/",              // short form
		"https://0x7f.0x0.0x0.0x1/",   // dotted hex
		"https://[::ffff:127.0.0.1]/", // IPv4-mapped IPv6
		"https://[::ffff:a9fe:a9fe]/", // mapped 169.254.169.254
		"https://[::127.0.0.1]/",      // IPv4-compatible IPv6
		"https://[64:ff9b::a00:1]/",   // NAT64 of 10.0.0.1
		"https://[2002:c0a8:101::]/",  // 6to4 of 192.168.1.1
		"https://[fd00::1]/",          // unique local
		"https://[fe80::1%25eth0]/",   // link-local with zone
		"https://0251.0376.0251.0376/", // octal 169.254.169.254
	} {
		err := ValidateURL(u)
		assert.ErrorIs(t, err, ErrURLBlocked, u)
	}
}

func TestParseLooseIPv4(t *testing.T) {
	tests := map[string]string{
		"2130706433": "127.0.0.1",
		"0x7f000001": "127.0.0.1",
		"127.1":      "127.0.0.1",
		"10.1":       "10.0.0.1",
		"192.168.1":  "192.168.0.1",
		"017700000001": "127.0.0.1",
	}
	for in, want := range tests {
		addr, ok := parseLooseIPv4(in)
		require.True(t, ok, in)
		assert.Equal(t, want, addr.String(), in)
	}
	for _, in := range []string{"example", "1.2.3.4.5", "256.1.1.1", "1..2", "0x", "99999999999"} {
		_, ok := parseLooseIPv4(in)
		assert.False(t, ok, in)
	}
}

func TestCheckIPPrivateRangesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	octet := gen.IntRange(0, 255)

	properties.Property("every 10.0.0.0/8 address is rejected", prop.ForAll(
		func(b, c, d int) bool {
			return CheckIP(netip.AddrFrom4([4]byte{10, byte(b), byte(c), byte(d)})) != nil
		}, octet, octet, octet,
	))

	properties.Property("every 172.16.0.0/12 address is rejected", prop.ForAll(
		func(b, c, d int) bool {
			return CheckIP(netip.AddrFrom4([4]byte{172, byte(b), byte(c), byte(d)})) != nil
		}, gen.IntRange(16, 31), octet, octet,
	))

	properties.Property("every 169.254.0.0/16 address is rejected, also when mapped into IPv6", prop.ForAll(
		func(c, d int) bool {
			v4 := netip.AddrFrom4([4]byte{169, 254, byte(c), byte(d)})
			mapped := netip.AddrFrom16(v4.As16())
			return CheckIP(v4) != nil && CheckIP(mapped) != nil
		}, octet, octet,
	))

	properties.Property("decimal spelling classifies like dotted spelling", prop.ForAll(
		func(a, b, c, d int) bool {
			dotted := fmt.Sprintf("https://%d.%d.%d.%d/", a, b, c, d)
			n := uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
			decimal := fmt.Sprintf("https://%d/", n)
			return (ValidateURL(dotted) == nil) == (ValidateURL(decimal) == nil)
		}, octet, octet, octet, octet,
	))

	properties.TestingRun(t)
}
