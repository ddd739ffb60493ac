package security

import (
	"errors"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// ErrURLBlocked is wrapped by every URL rejection.
var ErrURLBlocked = errors.New("security: url blocked")

// URLError carries the human-readable reason a URL was rejected.
type URLError struct {
	URL    string
	Reason string
}

func (e *URLError) Error() string { return e.Reason }

// Unwrap lets callers match with errors.Is(err, ErrURLBlocked).
func (e *URLError) Unwrap() error { return ErrURLBlocked }

func blocked(raw, reason string) error {
	return &URLError{URL: raw, Reason: reason}
}

var localhostNames = map[string]struct{}{
	"localhost": {}, "127.0.0.1": {}, "0.0.0.0": {}, "::1": {}, "::": {},
}

var internalNames = map[string]struct{}{
	"metadata": {}, "metadata.google.internal": {},
}

// ValidateURL checks that raw is an https URL whose host is not local,
// internal, private or otherwise non-public. It inspects the URL only;
// NewGuardedClient applies the same address rules after DNS resolution.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.Opaque != "" {
		return blocked(raw, "Invalid URL format")
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return blocked(raw, "Only HTTPS URLs are allowed for security")
	}
	if u.User != nil {
		return blocked(raw, "Credentials in URLs are not allowed")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return blocked(raw, "Invalid URL format")
	}
	if _, ok := localhostNames[host]; ok {
		return blocked(raw, "Localhost URLs are not allowed")
	}

	if addr, ok := parseHostIP(host); ok {
		if reason := classifyIP(addr); reason != "" {
			return blocked(raw, reason)
		}
		return nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return blocked(raw, "Invalid URL format")
	}
	ascii = strings.TrimSuffix(ascii, ".")
	if _, ok := localhostNames[ascii]; ok || strings.HasSuffix(ascii, ".localhost") {
		return blocked(raw, "Localhost URLs are not allowed")
	}
	if _, ok := internalNames[ascii]; ok || strings.HasSuffix(ascii, ".internal") || strings.HasSuffix(ascii, ".local") {
		return blocked(raw, "Internal hostnames are not allowed")
	}
	if addr, ok := parseHostIP(ascii); ok {
		if reason := classifyIP(addr); reason != "" {
			return blocked(raw, reason)
		}
	}
	return nil
}

// CheckIP returns an ErrURLBlocked error when addr is not publicly routable.
func CheckIP(addr netip.Addr) error {
	if reason := classifyIP(addr); reason != "" {
		return blocked(addr.String(), reason)
	}
	return nil
}

// parseHostIP recognises standard IP literals and the legacy IPv4 spellings
// accepted by inet_aton: 1 to 4 parts, each decimal, octal (leading 0) or
// hex (0x), with the last part filling the remaining bytes.
func parseHostIP(host string) (netip.Addr, bool) {
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}
	return parseLooseIPv4(host)
}

func parseLooseIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		if p == "" {
			return netip.Addr{}, false
		}
		base := 10
		digits := p
		switch {
		case strings.HasPrefix(p, "0x") || strings.HasPrefix(p, "0X"):
			base, digits = 16, p[2:]
			if digits == "" {
				return netip.Addr{}, false
			}
		case len(p) > 1 && p[0] == '0':
			base, digits = 8, p[1:]
		}
		v, err := strconv.ParseUint(digits, base, 32)
		if err != nil {
			return netip.Addr{}, false
		}
		vals[i] = v
	}

	var n uint64
	last := len(vals) - 1
	for i := range last {
		if vals[i] > 0xff {
			return netip.Addr{}, false
		}
		n |= vals[i] << (8 * (3 - i))
	}
	if vals[last] >= 1<<(8*(4-last)) {
		return netip.Addr{}, false
	}
	n |= vals[last]
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), true
}

var (
	nat64Prefix  = netip.MustParsePrefix("64:ff9b::/96")
	sixToFour    = netip.MustParsePrefix("2002::/16")
	uniqueLocal  = netip.MustParsePrefix("fc00::/7")
	linkLocal6   = netip.MustParsePrefix("fe80::/10")
	siteLocal6   = netip.MustParsePrefix("fec0::/10")
	sharedSpace4 = netip.MustParsePrefix("100.64.0.0/10")
)

// classifyIP returns the rejection reason for addr, or "" when it is public.
func classifyIP(addr netip.Addr) string {
	addr = addr.WithZone("")
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.Is4() {
		return classifyIPv4(addr)
	}

	b := addr.As16()
	switch {
	case addr.IsLoopback():
		return "Loopback IP addresses are not allowed"
	case addr.IsUnspecified():
		return "Localhost URLs are not allowed"
	case isZero(b[:12]):
		// IPv4-compatible ::a.b.c.d
		return classifyIPv4(netip.AddrFrom4([4]byte(b[12:16])))
	case nat64Prefix.Contains(addr):
		if r := classifyIPv4(netip.AddrFrom4([4]byte(b[12:16]))); r != "" {
			return r
		}
	case sixToFour.Contains(addr):
		if r := classifyIPv4(netip.AddrFrom4([4]byte(b[2:6]))); r != "" {
			return r
		}
	case uniqueLocal.Contains(addr), siteLocal6.Contains(addr):
		return "Private IP addresses (fc00::/7) are not allowed"
	case linkLocal6.Contains(addr):
		return "Link-local/metadata IP addresses are not allowed"
	case addr.IsMulticast():
		return "Multicast addresses are not allowed"
	}
	return ""
}

func classifyIPv4(addr netip.Addr) string {
	b := addr.As4()
	switch {
	case b[0] == 127:
		return "Loopback IP addresses are not allowed"
	case b[0] == 10:
		return "Private IP addresses (10.x.x.x) are not allowed"
	case b[0] == 172 && b[1] >= 16 && b[1] <= 31:
		return "Private IP addresses (172.16-31.x.x) are not allowed"
	case b[0] == 192 && b[1] == 168:
		return "Private IP addresses (192.168.x.x) are not allowed"
	case b[0] == 169 && b[1] == 254:
		return "Link-local/metadata IP addresses are not allowed"
	case b[0] == 0:
		return "Localhost URLs are not allowed"
	case b[0] == 255:
		return "Broadcast addresses are not allowed"
	case sharedSpace4.Contains(addr):
		return "Shared address space (100.64.0.0/10) is not allowed"
	case b[0] >= 224 && b[0] <= 239:
		return "Multicast addresses are not allowed"
	case b[0] >= 240:
		return "Reserved IP addresses are not allowed"
	}
	return ""
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
