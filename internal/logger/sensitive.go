package logger

import (
	"regexp"
	"strings"
)

// SensitiveDataPatterns match credentials that may appear in broker URLs,
// database DSNs and telemetry DSNs.
var SensitiveDataPatterns = []*regexp.Regexp{
	// user:password@ in URLs and DSNs
	regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^:/@\s]+:)([^@\s]+)(@)`),
	// mysql style user:password@tcp(...)
	regexp.MustCompile(`(^|\s)([^:/@\s]+:)([^@\s]+)(@tcp\()`),
	// key=value secrets
	regexp.MustCompile(`(?i)((password|passwd|secret|token|api_key)[\s:=]+)([^;,\s]{3,})`),
}

// SensitiveKeywords mark configuration keys whose values are never printed
var SensitiveKeywords = []string{"password", "passwd", "secret", "token", "dsn"}

// RedactSensitiveData replaces credentials in s with "[REDACTED]"
func RedactSensitiveData(s string) string {
	if s == "" {
		return s
	}
	s = SensitiveDataPatterns[0].ReplaceAllString(s, "${1}[REDACTED]${3}")
	s = SensitiveDataPatterns[1].ReplaceAllString(s, "${1}${2}[REDACTED]${4}")
	s = SensitiveDataPatterns[2].ReplaceAllString(s, "${1}[REDACTED]")
	return s
}

// IsSensitiveKey reports whether a configuration key holds a secret
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, kw := range SensitiveKeywords {
		if strings.Contains(k, kw) {
			return true
		}
	}
	return false
}
