package evidence

import (
	"fmt"
	"net"
	"net/url"

	"github.com/corpusvet/corpusvet/pkg/faults"
)

// ValidateURL enforces the SSRF guard: scheme must be http or https, and
// every resolved IP must be globally routable. Applied to evidence URLs,
// download URLs, and every redirect hop.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, faults.Evidence("ssrf.validate", "url_unparseable", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, faults.Evidence("ssrf.validate", "scheme_not_allowed",
			fmt.Errorf("scheme %q in %s", u.Scheme, raw))
	}
	host := u.Hostname()
	if host == "" {
		return nil, faults.Evidence("ssrf.validate", "host_missing", fmt.Errorf("%s", raw))
	}
	ips, err := lookupIP(host)
	if err != nil {
		return nil, faults.Network("ssrf.validate", "dns_lookup_failed", err)
	}
	for _, ip := range ips {
		if !GloballyRoutable(ip) {
			return nil, faults.Evidence("ssrf.validate", "ip_not_globally_routable",
				fmt.Errorf("%s resolves to %s", host, ip))
		}
	}
	return u, nil
}

// lookupIP is swappable in tests.
var lookupIP = func(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	return net.LookupIP(host)
}

// GloballyRoutable rejects private, link-local, loopback, multicast,
// unspecified, and reserved addresses.
func GloballyRoutable(ip net.IP) bool {
	if ip == nil {
		return false
	}
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(), ip.IsMulticast(),
		ip.IsInterfaceLocalMulticast():
		return false
	}
	// remaining reserved blocks not covered by the net predicates
	for _, cidr := range reservedCIDRs {
		if cidr.Contains(ip) {
			return false
		}
	}
	return true
}

var reservedCIDRs = mustCIDRs(
	"100.64.0.0/10",   // carrier-grade NAT
	"192.0.0.0/24",    // IETF protocol assignments
	"192.0.2.0/24",    // TEST-NET-1
	"198.18.0.0/15",   // benchmarking
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"240.0.0.0/4",     // reserved
	"100::/64",        // IPv6 discard
	"2001:db8::/32",   // IPv6 documentation
)

func mustCIDRs(specs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(specs))
	for _, s := range specs {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}
