// Package redaction masks credentials and other sensitive material before it
// reaches a log sink or an outbound event payload.
package redaction

import (
	"regexp"
	"strings"
	"sync"
)

// Config holds redaction configuration.
type Config struct {
	Enabled        bool     `json:"enabled"`
	CustomPatterns []string `json:"custom_patterns,omitempty"`
	Replacement    string   `json:"replacement"`
}

// DefaultConfig returns the default redaction configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Replacement: "[REDACTED]",
	}
}

// Redactor masks sensitive substrings and field values.
type Redactor struct {
	config  Config
	builtin []*regexp.Regexp
	custom  []*regexp.Regexp
	mu      sync.RWMutex
}

// secretFieldNames are map keys whose values are always masked wholesale.
var secretFieldNames = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"token":         true,
	"bot_token":     true,
	"app_token":     true,
	"password":      true,
	"secret":        true,
	"signing_key":   true,
	"access_token":  true,
	"refresh_token": true,
}

func NewRedactor(config Config) *Redactor {
	r := &Redactor{config: config}
	r.builtin = []*regexp.Regexp{
		// key=value / key: value credential assignments
		regexp.MustCompile(`(?i)(api[_-]?key|auth[_-]?token|access[_-]?token|secret[_-]?key|password|passwd)\s*[=:]\s*['"]?[^'"\s]{4,}['"]?`),
		// bearer headers
		regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-.]{16,}`),
		// vendor key shapes
		regexp.MustCompile(`sk-(?:ant-)?[a-zA-Z0-9\-]{20,}`),
		regexp.MustCompile(`xox[bap]-[a-zA-Z0-9\-]{10,}`),
		// JWTs
		regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	}
	for _, pattern := range config.CustomPatterns {
		re, err := regexp.Compile(pattern)
		if err == nil {
			r.custom = append(r.custom, re)
		}
	}
	return r
}

// Redact masks sensitive substrings in the given text.
func (r *Redactor) Redact(text string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.config.Enabled || text == "" {
		return text
	}
	for _, re := range r.builtin {
		text = re.ReplaceAllString(text, r.config.Replacement)
	}
	for _, re := range r.custom {
		text = re.ReplaceAllString(text, r.config.Replacement)
	}
	return text
}

// RedactFields returns a copy of fields with secret-named keys masked and
// string values run through Redact.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	if !r.config.Enabled || len(fields) == 0 {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if secretFieldNames[strings.ToLower(k)] {
			out[k] = r.config.Replacement
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = r.Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}

// IsSecretField reports whether a field name is treated as a credential.
func IsSecretField(name string) bool {
	return secretFieldNames[strings.ToLower(name)]
}

var (
	globalMu       sync.RWMutex
	globalRedactor = NewRedactor(DefaultConfig())
)

// SetGlobalConfig replaces the process-wide redactor configuration.
func SetGlobalConfig(config Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalRedactor = NewRedactor(config)
}

// Redact masks sensitive substrings using the process-wide redactor.
func Redact(text string) string {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalRedactor.Redact(text)
}

// RedactFields masks fields using the process-wide redactor.
func RedactFields(fields map[string]any) map[string]any {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalRedactor.RedactFields(fields)
}
