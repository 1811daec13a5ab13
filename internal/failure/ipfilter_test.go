package failure

import "testing"

func TestIPMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		ip      string
		want    bool
	}{
		{"exact hit", "192.168.1.10", "192.168.1.10", true},
		{"exact miss", "192.168.1.10", "192.168.1.11", false},
		{"cidr hit", "10.0.0.0/8", "10.200.3.4", true},
		{"cidr miss", "10.0.0.0/8", "11.0.0.1", false},
		{"cidr edge", "192.168.1.0/24", "192.168.1.255", true},
		{"glob hit", "192.168.*", "192.168.7.7", true},
		{"glob miss", "192.168.*", "10.0.0.1", false},
		{"glob question mark", "10.0.0.?", "10.0.0.5", true},
		{"ipv6 exact", "::1", "::1", true},
		{"ipv6 cidr", "fd00::/8", "fd12::1", true},
		{"bad cidr pattern", "not/a/cidr", "10.0.0.1", false},
		{"bad ip against cidr", "10.0.0.0/8", "not-an-ip", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ipMatches(tt.pattern, tt.ip); got != tt.want {
				t.Errorf("ipMatches(%q, %q) = %v, want %v", tt.pattern, tt.ip, got, tt.want)
			}
		})
	}
}

func TestIPAllowedPolicy(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		blocklist []string
		ip        string
		want      bool
	}{
		{"no lists admits all", nil, nil, "1.2.3.4", true},
		{"blocklist wins", []string{"1.2.3.4"}, []string{"1.2.3.4"}, "1.2.3.4", false},
		{"allowlist admits member", []string{"1.2.3.4"}, nil, "1.2.3.4", true},
		{"allowlist excludes others", []string{"1.2.3.4"}, nil, "5.6.7.8", false},
		{"blocklist only blocks members", nil, []string{"10.0.0.0/8"}, "10.1.1.1", false},
		{"blocklist passes others", nil, []string{"10.0.0.0/8"}, "192.168.1.1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ipAllowed(tt.allowlist, tt.blocklist, tt.ip); got != tt.want {
				t.Errorf("ipAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}
