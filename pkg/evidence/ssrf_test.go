package evidence

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusvet/corpusvet/pkg/faults"
)

func TestGloballyRoutable(t *testing.T) {
	cases := map[string]bool{
		"93.184.216.34":   true,
		"8.8.8.8":         true,
		"2606:4700::1111": true,
		"10.0.0.1":        false,
		"172.16.5.5":      false,
		"192.168.1.1":     false,
		"127.0.0.1":       false,
		"::1":             false,
		"0.0.0.0":         false,
		"169.254.10.10":   false,
		"fe80::1":         false,
		"100.64.0.1":      false,
		"192.0.2.55":      false,
		"198.51.100.7":    false,
		"203.0.113.9":     false,
		"198.18.0.1":      false,
		"240.0.0.1":       false,
		"224.0.0.251":     false,
		"2001:db8::1":     false,
		"100::1":          false,
	}
	for raw, want := range cases {
		ip := net.ParseIP(raw)
		require.NotNil(t, ip, raw)
		assert.Equal(t, want, GloballyRoutable(ip), raw)
	}
	assert.False(t, GloballyRoutable(nil))
}

func withLookup(t *testing.T, fn func(host string) ([]net.IP, error)) {
	t.Helper()
	prev := lookupIP
	lookupIP = fn
	t.Cleanup(func() { lookupIP = prev })
}

func TestValidateURLSchemes(t *testing.T) {
	withLookup(t, func(string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	})

	_, err := ValidateURL("https://example.com/license")
	assert.NoError(t, err)

	for _, raw := range []string{
		"ftp://example.com/file",
		"file:///etc/passwd",
		"gopher://example.com",
	} {
		_, err := ValidateURL(raw)
		require.Error(t, err, raw)
		assert.Equal(t, "scheme_not_allowed", faults.ReasonOf(err), raw)
	}
}

func TestValidateURLRejectsNonRoutableResolution(t *testing.T) {
	withLookup(t, func(string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("10.0.0.5")}, nil
	})

	_, err := ValidateURL("https://rebind.example.com/")
	require.Error(t, err)
	assert.Equal(t, "ip_not_globally_routable", faults.ReasonOf(err))
}

func TestValidateURLDNSFailure(t *testing.T) {
	withLookup(t, func(string) ([]net.IP, error) {
		return nil, fmt.Errorf("no such host")
	})

	_, err := ValidateURL("https://missing.example.com/")
	require.Error(t, err)
	assert.Equal(t, faults.KindNetwork, faults.KindOf(err))
}

func TestValidateURLLiteralIP(t *testing.T) {
	_, err := ValidateURL("http://127.0.0.1:8080/admin")
	require.Error(t, err)
	assert.Equal(t, "ip_not_globally_routable", faults.ReasonOf(err))
}

func TestValidateURLMissingHost(t *testing.T) {
	_, err := ValidateURL("https:///path-only")
	require.Error(t, err)
	assert.Equal(t, "host_missing", faults.ReasonOf(err))
}
