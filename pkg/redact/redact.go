// Package redact scrubs secrets from text before it is logged. The
// daemon injects repo settings as container environment, so anything a
// session container prints back (exec output, container logs) may carry
// those values verbatim.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Replacement substitutes every redacted value.
const Replacement = "***REDACTED***"

// keyPattern matches env-style assignments whose key looks secret:
// FOO_TOKEN=..., MY_API_KEY=..., PASSWORD=... and friends.
var keyPattern = regexp.MustCompile(`(\w*(?:TOKEN|API_KEY|APIKEY|SECRET|PASSWORD|CREDENTIALS|AUTH))\s*=\s*['"]?([^'"\s\n]+)['"]?`)

// prefixPatterns match well-known token shapes regardless of context.
var prefixPatterns = []*regexp.Regexp{
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{32,40}`), // GitHub tokens
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,120}`),  // Anthropic keys
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{26,64}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`), // AWS access key ids
	regexp.MustCompile(`xox[bp]-[A-Za-z0-9-]{26,64}`),
}

// Redactor replaces known secret values and secret-shaped text.
type Redactor struct {
	values []string
}

// New builds a redactor that scrubs the given literal values (typically
// the injected env var values) in addition to the built-in patterns.
// Empty and very short values are ignored; replacing every "1" would
// mangle the output for nothing.
func New(values ...string) *Redactor {
	r := &Redactor{}
	for _, v := range values {
		if len(v) >= 6 {
			r.values = append(r.values, v)
		}
	}
	return r
}

// FromEnvVars builds a redactor for the values of an env var map.
func FromEnvVars(env map[string]string) *Redactor {
	values := make([]string, 0, len(env))
	for _, v := range env {
		values = append(values, v)
	}
	return New(values...)
}

// Redact returns s with secret values replaced.
func (r *Redactor) Redact(s string) string {
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, Replacement)
	}
	s = keyPattern.ReplaceAllString(s, fmt.Sprintf("$1=%s", Replacement))
	for _, p := range prefixPatterns {
		s = p.ReplaceAllString(s, Replacement)
	}
	return s
}
