package netcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePublicURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public http", "http://claw.example.com:3321", false},
		{"public https", "https://claw.example.com/discovery", false},
		{"ftp scheme", "ftp://claw.example.com", true},
		{"localhost", "http://localhost:3321", true},
		{"loopback ip", "http://127.0.0.1:3321", true},
		{"ipv6 loopback", "http://[::1]:3321", true},
		{"unspecified", "http://0.0.0.0", true},
		{"rfc1918 10", "http://10.1.2.3", true},
		{"rfc1918 192.168", "http://192.168.1.1:8080", true},
		{"rfc1918 172.16", "http://172.16.0.9", true},
		{"rfc1918 172.31", "http://172.31.255.1", true},
		{"link local", "http://169.254.10.10", true},
		{"cloud metadata", "http://169.254.169.254/latest/meta-data", true},
		{"no hostname", "http://", true},
		{"public 172.32", "http://172.32.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePublicURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://peer.example:3321/", "http://peer.example:3321", false},
		{"http://peer.example:3321///", "http://peer.example:3321", false},
		{"https://peer.example/path/?q=1#frag", "https://peer.example/path", false},
		{" http://peer.example ", "http://peer.example", false},
		{"ws://peer.example", "", true},
		{"http://localhost:3321", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		assert.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestIsPrivateHost(t *testing.T) {
	assert.True(t, IsPrivateHost("169.254.169.254"))
	assert.True(t, IsPrivateHost("10.0.0.1"))
	assert.False(t, IsPrivateHost("8.8.8.8"))
	assert.False(t, IsPrivateHost("example.com"), "names are not IPs; DNS pinning is out of scope here")
}
