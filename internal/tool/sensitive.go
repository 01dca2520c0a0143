package tool

import (
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// sensitivePathMarkers names path fragments that gate a read/grep behind
// confirmation (SPEC_FULL §4.8's read_sensitive_file/grep_sensitive_path
// operations), grounded on the teacher's existing .env blocklist in
// shouldBlockEnvFile, generalized to credential and key material broadly.
var sensitivePathMarkers = []string{
	".ssh",
	".aws",
	".gnupg",
	".kube/config",
	"id_rsa",
	"id_ed25519",
	".netrc",
	"credentials.json",
	".pem",
	".npmrc",
}

// isSensitivePath reports whether path looks like credential or key
// material that should be gated behind a confirmation rather than read
// silently.
func isSensitivePath(path string) bool {
	lower := strings.ToLower(filepath.ToSlash(path))
	for _, marker := range sensitivePathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return shouldBlockEnvFile(path)
}

// isInternalURL reports whether rawURL resolves to a private, loopback,
// or link-local address — including the cloud metadata endpoint
// 169.254.169.254 — per SPEC_FULL §4.8's fetch_internal_url gate.
func isInternalURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Fall back to parsing the host literally (it may already be an IP).
		if ip := net.ParseIP(host); ip != nil {
			return isPrivateIP(ip)
		}
		return false
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return true
		}
	}
	return false
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	// 169.254.169.254 is covered by IsLinkLocalUnicast above; kept explicit
	// for RFC1918 + cloud metadata clarity.
	privateBlocks := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"fc00::/7",
	}
	for _, block := range privateBlocks {
		_, cidr, err := net.ParseCIDR(block)
		if err != nil {
			continue
		}
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// errNoConfirmGate is returned when a confirmation-requiring tool runs
// without a Context.Confirm hook attached (fail closed).
var errNoConfirmGate = sensitiveNoGateError("confirmation required but no confirmation gate is attached")

type sensitiveNoGateError string

func (e sensitiveNoGateError) Error() string { return string(e) }
