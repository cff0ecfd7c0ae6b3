package masking

import "strings"

const maskToken = "****"

var secretKeys = map[string]struct{}{
	"api_key":        {},
	"webhook_secret": {},
	"secret":         {},
	"signing_secret": {},
	"token":          {},
	"password":       {},
	"authorization":  {},
}

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// IsSecretKey reports whether values under key must never be stored in clear.
func IsSecretKey(key string) bool {
	_, ok := secretKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskJSON returns a copy of input with the string values of secret keys masked.
// Nested maps and lists are walked; other values are copied as is.
func MaskJSON(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskValue(value, IsSecretKey(trimmedKey))
	}

	if len(masked) == 0 {
		return nil
	}
	return masked
}

func maskValue(value any, secret bool) any {
	switch cast := value.(type) {
	case string:
		if secret {
			return MaskSecret(cast)
		}
		return cast
	case map[string]any:
		return MaskJSON(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item, secret))
		}
		return out
	default:
		return value
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
