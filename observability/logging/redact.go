package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive field values in log output.
const RedactedValue = "[REDACTED]"

// Key fragments that mark a log attribute as sensitive. Vault secrets,
// keypairs and signature envelopes must never reach the log stream in clear
// text.
var sensitiveFragments = []string{
	"secret",
	"keypair",
	"private_key",
	"privatekey",
	"signature",
	"envelope",
	"password",
	"token",
	"authorization",
}

// Sensitive reports whether a log key names material that must be masked.
func Sensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// RedactAttr masks the value of any sensitive attribute. Installed as the
// handler's ReplaceAttr hook so every log line passes through it.
func RedactAttr(_ []string, attr slog.Attr) slog.Attr {
	if Sensitive(attr.Key) && strings.TrimSpace(attr.Value.String()) != "" {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
