// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package normalize cleans raw, user-supplied scan targets into the canonical
// form stored on Target rows and submitted to the external scanner.
package normalize

import (
	"net"
	"strconv"
	"strings"
)

// Targets normalizes a raw target list. Per input: URL schemes are stripped
// down to the authority, trailing slashes removed, empties dropped, and
// private addresses rejected in all three spellings (bare IP, CIDR, and
// dash range). Malformed input is kept as-is; the scanner rejects it later.
// Duplicates are dropped preserving first occurrence. The function is pure
// and idempotent.
func Targets(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))

	for _, r := range raw {
		name, ok := target(r)
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// target normalizes a single entry. The boolean is false when the entry must
// be dropped (empty or private).
func target(raw string) (string, bool) {
	s := stripScheme(raw)
	s = strings.TrimRight(s, "/")

	if s == "" {
		return "", false
	}

	if _, network, err := net.ParseCIDR(s); err == nil {
		if privateIP(network.IP) {
			return "", false
		}
		return s, true
	}

	if first, last, ok := parseRange(s); ok {
		if privateIP(first) || privateIP(last) {
			return "", false
		}
		return s, true
	}

	if ip := net.ParseIP(s); ip != nil && privateIP(ip) {
		return "", false
	}

	return s, true
}

// stripScheme removes a leading http:// or https:// and keeps the authority.
// When the authority is empty (e.g. "http:///path") the path remainder is
// kept instead, mirroring what a URL parse would yield.
func stripScheme(s string) string {
	var rest string
	switch {
	case strings.HasPrefix(s, "http://"):
		rest = s[len("http://"):]
	case strings.HasPrefix(s, "https://"):
		rest = s[len("https://"):]
	default:
		return s
	}

	if i := strings.IndexByte(rest, '/'); i >= 0 {
		if authority := rest[:i]; authority != "" {
			return authority
		}
	}
	return rest
}

// parseRange recognizes the two range spellings "A.B.C.D-E" and
// "A.B.C.D-A.B.C.E" and returns both endpoints. ok is false for anything
// else, including malformed ranges, which are then treated as plain names.
func parseRange(s string) (first, last net.IP, ok bool) {
	dash := strings.IndexByte(s, '-')
	if dash <= 0 || dash == len(s)-1 {
		return nil, nil, false
	}

	first = net.ParseIP(s[:dash])
	if first == nil || first.To4() == nil {
		return nil, nil, false
	}

	right := s[dash+1:]
	if last = net.ParseIP(right); last != nil && last.To4() != nil {
		return first, last, true
	}

	// Short form: the right side is the last octet of the end address.
	octet, err := strconv.Atoi(right)
	if err != nil || octet < 0 || octet > 255 {
		return nil, nil, false
	}
	last = make(net.IP, len(first.To4()))
	copy(last, first.To4())
	last[3] = byte(octet)
	return first, last, true
}

// privateIP reports whether the address must never be scanned: RFC1918,
// loopback, or link-local space.
func privateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
