package main

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseProxies(t *testing.T) {
	got, err := parseProxies(" 10.0.0.0/8, 192.168.1.7 ,,fd00::1/64")
	require.NoError(t, err)
	require.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.7/32"),
		netip.MustParsePrefix("fd00::/64"),
	}, got)

	got, err = parseProxies("")
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = parseProxies("10.0.0.0/33")
	require.Error(t, err)
	_, err = parseProxies("not-an-ip")
	require.Error(t, err)
}

func TestEnvOr(t *testing.T) {
	t.Setenv("VPNAUTH_TEST_ADDR", "")
	require.Equal(t, ":8080", envOr("VPNAUTH_TEST_ADDR", ":8080"))
	t.Setenv("VPNAUTH_TEST_ADDR", ":9090")
	require.Equal(t, ":9090", envOr("VPNAUTH_TEST_ADDR", ":8080"))
}
