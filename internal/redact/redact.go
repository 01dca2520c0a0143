// Package redact masks recognized secret shapes in log output, per
// SPEC_FULL §7. Patterns are applied in order, most specific first, so a
// vendor-prefixed key (e.g. Anthropic's sk-ant-…) is masked by its own rule
// before the generic sk-… rule would otherwise mangle it.
package redact

import "regexp"

type rule struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

// rules is ordered: specific provider key shapes first, then generic
// bearer/token shapes, then JSON field and header patterns.
var rules = []rule{
	{
		name:    "anthropic_api_key",
		pattern: regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{10,}`),
		replace: "sk-ant-***REDACTED***",
	},
	{
		name:    "openai_api_key",
		pattern: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		replace: "sk-***REDACTED***",
	},
	{
		name:    "generic_bearer_token",
		pattern: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{10,}=*`),
		replace: "Bearer ***REDACTED***",
	},
	{
		name:    "access_or_refresh_token_field",
		pattern: regexp.MustCompile(`(?i)"(access_token|refresh_token)"\s*:\s*"[^"]*"`),
		replace: `"$1":"***REDACTED***"`,
	},
	{
		name:    "api_key_header_or_field",
		pattern: regexp.MustCompile(`(?i)(x-api-key|api_key)"?\s*[:=]\s*"?[A-Za-z0-9_-]{8,}"?`),
		replace: `$1: ***REDACTED***`,
	},
}

// Redact masks every recognized secret shape in s.
func Redact(s string) string {
	for _, r := range rules {
		s = r.pattern.ReplaceAllString(s, r.replace)
	}
	return s
}
