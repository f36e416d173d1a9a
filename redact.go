package relay

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces any value judged to be a secret.
const RedactedPlaceholder = "[REDACTED]"

// redactKeys lists JSON object keys whose values are masked wholesale,
// case-insensitively, wherever they appear in a payload.
var redactKeys = map[string]bool{
	"token":         true,
	"bot_token":     true,
	"password":      true,
	"secret":        true,
	"secret_hash":   true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"cookie":        true,
	"access_token":  true,
	"refresh_token": true,
}

// redactPatterns catch secret-shaped values embedded in free text: bearer
// headers, Telegram bot tokens, and common API-key prefixes.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`\b\d{6,10}:[A-Za-z0-9_-]{30,}\b`), // telegram bot token
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}\b`),
}

// RedactJSON masks secrets in a marshaled JSON document and returns the
// rewritten bytes. Applied at envelope serialization (invariant: secrets
// never reach audit entries or stream tokens).
func RedactJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(redactValue(v))
}

// RedactString masks secret-shaped substrings in free text.
func RedactString(s string) string {
	for _, p := range redactPatterns {
		s = p.ReplaceAllString(s, RedactedPlaceholder)
	}
	return s
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if redactKeys[strings.ToLower(k)] {
				out[k] = RedactedPlaceholder
				continue
			}
			out[k] = redactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val)
		}
		return out
	case string:
		return RedactString(t)
	default:
		return v
	}
}
