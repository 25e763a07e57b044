package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credentials that notifiers and the agent client may
// echo into log lines or error strings.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Telegram bot tokens, also inside api.telegram.org/bot<token>/ URLs.
	regexp.MustCompile(`(bot)?([0-9]{6,12}:[A-Za-z0-9_\-]{30,})`),
	// Slack incoming webhook paths.
	regexp.MustCompile(`(https://hooks\.slack\.com/services/)([A-Za-z0-9/]+)`),
}

// Redact replaces secret-bearing substrings of input with [REDACTED],
// keeping any recognisable prefix.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 3 {
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue returns [REDACTED] when key names a credential.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "webhook"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
