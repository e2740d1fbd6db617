package urlutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTarget(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		allowed []string
		wantErr error
	}{
		{"plain https", "https://litteraturbanken.se/forfattare", nil, nil},
		{"http with port", "http://localhost:8080/skola", nil, nil},
		{"relative", "/skola", nil, ErrNotAbsolute},
		{"ftp", "ftp://litteraturbanken.se/", nil, ErrNotAbsolute},
		{"no host", "https:///path", nil, ErrNotAbsolute},
		{"garbage", "ht tp://%zz", nil, ErrNotAbsolute},
		{"allowed exact", "https://litteraturbanken.se/", []string{"litteraturbanken.se"}, nil},
		{"allowed subdomain", "https://www.litteraturbanken.se/", []string{"litteraturbanken.se"}, nil},
		{"allowed is case insensitive", "https://LitteraturBanken.SE/", []string{"litteraturbanken.se"}, nil},
		{"suffix is not subdomain", "https://evillitteraturbanken.se/", []string{"litteraturbanken.se"}, ErrHostForbidden},
		{"not allowed", "https://example.com/", []string{"litteraturbanken.se"}, ErrHostForbidden},
		{"private literal", "http://10.1.2.3/", nil, ErrPrivateIP},
		{"metadata address", "http://169.254.169.254/latest", nil, ErrPrivateIP},
		{"loopback v6", "http://[::1]:8080/", nil, ErrPrivateIP},
		{"listed private literal", "http://127.0.0.1:3000/", []string{"127.0.0.1"}, nil},
		{"public literal", "http://8.8.8.8/", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ValidateTarget(tt.raw, tt.allowed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, u)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, u.Host)
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	assert.True(t, IsPrivateIP(net.ParseIP("192.168.1.10")))
	assert.True(t, IsPrivateIP(net.ParseIP("fd00::1")))
	assert.False(t, IsPrivateIP(net.ParseIP("130.241.16.1")))
	assert.False(t, IsPrivateIP(nil))
}
