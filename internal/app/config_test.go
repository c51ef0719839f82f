package app

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("AUDIT_SIGNING_KEY", "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Nil(t, cfg.SigningKey())
	require.Equal(t, []string{"super_admin"}, cfg.RBACProtectedRoles)

	policy, err := cfg.SecurityPolicy()
	require.NoError(t, err)
	require.Equal(t, 5, policy.SuspiciousIPThreshold)
	require.Equal(t, time.Hour, policy.SuspiciousIPWindow)
	require.Equal(t, 20, policy.Weights.LoginFailure)
	require.Equal(t, 75, policy.Thresholds.Critical)
	require.Equal(t, time.UTC, policy.Location)
}

func TestLoadConfigSecurityOverrides(t *testing.T) {
	t.Setenv("AUDIT_SIGNING_KEY", " secret ")
	t.Setenv("SECURITY_BLOCKED_NETWORKS", "10.0.0.0/8,192.168.1.7,2001:db8::/32")
	t.Setenv("SECURITY_LOCATION", "Asia/Jakarta")
	t.Setenv("SECURITY_WEIGHT_SUSPICIOUS_IP", "40")
	t.Setenv("SECURITY_LEVEL_CRITICAL", "90")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), cfg.SigningKey())

	policy, err := cfg.SecurityPolicy()
	require.NoError(t, err)
	require.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.7/32"),
		netip.MustParsePrefix("2001:db8::/32"),
	}, policy.BlockedNetworks)
	require.Equal(t, "Asia/Jakarta", policy.Location.String())
	require.Equal(t, 40, policy.Weights.SuspiciousIP)
	require.Equal(t, 90, policy.Thresholds.Critical)
}

func TestLoadConfigRejectsInvalidSecuritySettings(t *testing.T) {
	cases := map[string][2]string{
		"network":    {"SECURITY_BLOCKED_NETWORKS", "10.0.0.0/99"},
		"location":   {"SECURITY_LOCATION", "Mars/Olympus"},
		"off hours":  {"SECURITY_OFF_HOURS_START", "25"},
		"thresholds": {"SECURITY_LEVEL_HIGH", "10"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := LoadConfig()
			require.Error(t, err)
			var cfgErr *shared.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
		})
	}
}

func TestRefreshTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "true")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}
