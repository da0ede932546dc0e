// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package ssrf classifies hostnames and URLs before an upstream tool is
// allowed to fetch them. It blocks loopback, private, link-local, multicast
// and cloud-metadata destinations, including the usual encoding tricks
// (decimal/octal/hex IPv4, IPv4-mapped IPv6, NAT64 prefixes).
package ssrf

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Category groups block reasons so callers can report a stable class
// without string-matching the human readable reason.
type Category string

const (
	CategoryNone           Category = ""
	CategoryLocalhost      Category = "localhost"
	CategoryPrivateNetwork Category = "private-network"
	CategoryCloudMetadata  Category = "cloud-metadata"
	CategoryOther          Category = "other"
	CategoryInvalidURL     Category = "invalid-url-format"
)

// Decision is the outcome of classifying a host or URL.
type Decision struct {
	Allowed  bool
	Category Category
	Reason   string
}

// Cloud metadata service endpoints, by IP and by well-known hostname.
var metadataHosts = map[string]struct{}{
	"169.254.169.254":            {},
	"169.254.169.253":            {},
	"metadata.google.internal":   {},
	"instance-data.ec2.internal": {},
	"fd00:ec2::254":              {},
}

var blockedV6Prefixes = []struct {
	cidr     string
	category Category
	reason   string
}{
	{"fe80::/10", CategoryPrivateNetwork, "link-local address"},
	{"fc00::/7", CategoryPrivateNetwork, "unique local address"},
	{"ff00::/8", CategoryOther, "multicast address"},
	{"2002::/16", CategoryOther, "6to4 tunneling prefix"},
	{"2001:db8::/32", CategoryOther, "documentation prefix"},
	{"2001::/32", CategoryOther, "teredo tunneling prefix"},
	{"64:ff9b::/96", CategoryOther, "NAT64 translation prefix"},
}

var blockedV6Nets []*net.IPNet

func init() {
	for _, p := range blockedV6Prefixes {
		_, ipNet, err := net.ParseCIDR(p.cidr)
		if err != nil {
			panic(fmt.Sprintf("ssrf: bad builtin CIDR %q: %v", p.cidr, err))
		}
		blockedV6Nets = append(blockedV6Nets, ipNet)
	}
}

func allow() Decision {
	return Decision{Allowed: true}
}

func block(cat Category, reason string) Decision {
	return Decision{Allowed: false, Category: cat, Reason: reason}
}

// Classify decides whether a bare hostname or IP literal is a safe fetch
// target. It is a pure function: repeated calls return identical results and
// hostname comparison is case-insensitive.
func Classify(host string) Decision {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	if h == "" {
		return block(CategoryOther, "empty host")
	}
	// Bracketed IPv6 literal as it appears inside a URL authority.
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	// Zone index never changes the address class.
	if idx := strings.IndexByte(h, '%'); idx != -1 {
		h = h[:idx]
	}

	if _, ok := metadataHosts[h]; ok {
		return block(CategoryCloudMetadata, fmt.Sprintf("host %q is a cloud metadata endpoint", host))
	}
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return block(CategoryLocalhost, fmt.Sprintf("host %q is localhost", host))
	}

	ip := net.ParseIP(h)
	if ip == nil {
		// Decimal, octal, hex and mixed IPv4 encodings are not accepted by
		// net.ParseIP but are by most HTTP stacks.
		ip = parseNumericIPv4(h)
	}
	if ip == nil {
		// A plain public hostname. DNS rebinding is handled at dial time by
		// the resolver-checking dialer, not here.
		return allow()
	}
	return classifyIP(host, ip)
}

// ClassifyURL parses rawURL, extracts its hostname and classifies it.
// Malformed input is blocked with CategoryInvalidURL.
func ClassifyURL(rawURL string) Decision {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return block(CategoryInvalidURL, fmt.Sprintf("invalid URL: %q", rawURL))
	}
	return Classify(u.Hostname())
}

func classifyIP(original string, ip net.IP) Decision {
	// IPv4-mapped IPv6 (::ffff:a.b.c.d) must be judged as the embedded IPv4.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	if ip.IsLoopback() || ip.IsUnspecified() {
		return block(CategoryLocalhost, fmt.Sprintf("host %q resolves to a loopback address", original))
	}
	if _, ok := metadataHosts[ip.String()]; ok {
		return block(CategoryCloudMetadata, fmt.Sprintf("host %q is a cloud metadata endpoint", original))
	}
	if ip.IsPrivate() {
		return block(CategoryPrivateNetwork, fmt.Sprintf("host %q is in a private network range", original))
	}
	if ip.IsMulticast() {
		return block(CategoryOther, fmt.Sprintf("host %q is a multicast address", original))
	}
	if ip.IsLinkLocalUnicast() {
		return block(CategoryPrivateNetwork, fmt.Sprintf("host %q is a link-local address", original))
	}
	if ip.To4() == nil {
		for i, n := range blockedV6Nets {
			if n.Contains(ip) {
				p := blockedV6Prefixes[i]
				return block(p.category, fmt.Sprintf("host %q is a %s", original, p.reason))
			}
		}
	}
	return allow()
}

// parseNumericIPv4 handles the alternative IPv4 spellings browsers and HTTP
// clients accept: a single 32-bit integer ("2130706433"), dotted octal
// ("0177.0.0.1"), dotted hex ("0x7f.0.0.1") and mixes thereof. Returns nil
// when the string is not one of those forms.
func parseNumericIPv4(s string) net.IP {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return nil
	}

	if len(parts) == 1 {
		// Single-number form covers the whole 32-bit address space.
		v, ok := parseIPv4Component(parts[0], 0xffffffff)
		if !ok {
			return nil
		}
		return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}

	// Dotted forms: all but the last component are single octets; the last
	// component fills the remaining bytes.
	var octets []byte
	for i, p := range parts {
		if i < len(parts)-1 {
			v, ok := parseIPv4Component(p, 0xff)
			if !ok {
				return nil
			}
			octets = append(octets, byte(v))
			continue
		}
		remaining := 4 - len(octets)
		maxVal := uint64(1)<<(8*remaining) - 1
		v, ok := parseIPv4Component(p, maxVal)
		if !ok {
			return nil
		}
		for shift := (remaining - 1) * 8; shift >= 0; shift -= 8 {
			octets = append(octets, byte(v>>uint(shift)))
		}
	}
	if len(octets) != 4 {
		return nil
	}
	return net.IPv4(octets[0], octets[1], octets[2], octets[3])
}

func parseIPv4Component(s string, maxVal uint64) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	base := 10
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		s = s[2:]
		base = 16
	case len(s) > 1 && s[0] == '0':
		s = s[1:]
		base = 8
	}
	if s == "" {
		// "0x" with nothing after it; bare "0" never reaches here.
		return 0, base == 8
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil || v > maxVal {
		return 0, false
	}
	return v, true
}
