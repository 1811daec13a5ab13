package failure

import (
	"net/netip"
	"path"
	"strings"
)

// ipMatches reports whether clientIP matches one pattern. Three pattern
// forms are supported: exact address, CIDR block, and glob (path.Match
// syntax, e.g. "10.0.*").
func ipMatches(pattern, clientIP string) bool {
	if strings.Contains(pattern, "/") {
		prefix, err := netip.ParsePrefix(pattern)
		if err != nil {
			return false
		}
		addr, err := netip.ParseAddr(clientIP)
		if err != nil {
			return false
		}
		return prefix.Contains(addr)
	}

	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, clientIP)
		return err == nil && ok
	}

	return pattern == clientIP
}

func ipInList(patterns []string, clientIP string) bool {
	for _, p := range patterns {
		if ipMatches(p, clientIP) {
			return true
		}
	}
	return false
}

// ipAllowed applies the filter policy: the blocklist is checked first and
// always wins; a non-empty allowlist then admits only the addresses it
// names. An empty allowlist admits everyone not blocked.
func ipAllowed(allowlist, blocklist []string, clientIP string) bool {
	if ipInList(blocklist, clientIP) {
		return false
	}
	if len(allowlist) > 0 && !ipInList(allowlist, clientIP) {
		return false
	}
	return true
}
