// Package redaction scrubs secret-shaped values out of log fields and error strings.
package redaction

import (
	"regexp"
	"strings"
)

// SecretConfig controls which field names and value shapes are treated as secrets.
type SecretConfig struct {
	FieldNames []string
	Patterns   []*regexp.Regexp
	Mask       string
}

// DefaultConfig returns the redaction rules applied across the service: DSN
// passwords, bearer tokens, API keys, and common secret-bearing field names.
func DefaultConfig() SecretConfig {
	return SecretConfig{
		FieldNames: []string{
			"password", "passwd", "secret", "token", "api_key", "apikey",
			"dsn", "database_url", "jwt_secret", "service_role_key", "authorization",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(://[^:/@\s]+:)([^@\s]+)(@)`),              // DSN password
			regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-_.=]+)`),           // bearer tokens
			regexp.MustCompile(`(?i)(password\s*=\s*)([^\s&]+)`),               // key=value password
			regexp.MustCompile(`(?i)(apikey|api_key|service_role_key)\s*[:=]\s*([^\s&"']+)`),
		},
		Mask: "***REDACTED***",
	}
}

// Redactor applies a SecretConfig to strings and key/value maps.
type Redactor struct {
	cfg SecretConfig
}

// New creates a Redactor from cfg.
func New(cfg SecretConfig) *Redactor {
	return &Redactor{cfg: cfg}
}

// RedactString masks any secret-shaped substring inside s.
func (r *Redactor) RedactString(s string) string {
	out := s
	for _, pattern := range r.cfg.Patterns {
		out = pattern.ReplaceAllString(out, "${1}"+r.cfg.Mask+"${3}")
	}
	return out
}

// RedactMap returns a copy of m with secret-named keys masked and remaining
// string values scrubbed of secret-shaped substrings.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.isSecretField(k) {
			out[k] = r.cfg.Mask
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = r.RedactString(s)
			continue
		}
		out[k] = v
	}
	return out
}

// RedactSlice applies RedactString to every element.
func (r *Redactor) RedactSlice(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = r.RedactString(v)
	}
	return out
}

func (r *Redactor) isSecretField(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range r.cfg.FieldNames {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

var defaultRedactor = New(DefaultConfig())

// String redacts s using the package-wide default configuration.
func String(s string) string { return defaultRedactor.RedactString(s) }
