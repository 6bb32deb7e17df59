package core

import "strings"

const RedactedValue = "[REDACTED]"

// credentialMarkers are key fragments that always hide the value.
var credentialMarkers = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"cookie",
	"csrf",
	"credential",
	"api_key",
	"signing_key",
}

// RedactSensitiveMap returns a deep copy of fields with credential-like keys
// replaced by RedactedValue. Email values keep only their domain and bearer or
// JWT shaped strings are hidden under any key. Log fields and error report
// metadata pass through it before leaving the store.
func RedactSensitiveMap(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	return redactFields(fields)
}

func redactFields(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		target[key] = redactField(strings.ToLower(strings.TrimSpace(key)), value)
	}
	return target
}

func redactField(key string, value any) any {
	if key != "" && !isTraceabilityKey(key) && hasCredentialMarker(key) {
		return RedactedValue
	}
	switch typed := value.(type) {
	case map[string]any:
		return redactFields(typed)
	case RawSession:
		return redactFields(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactField("", typed[i])
		}
		return out
	case string:
		if strings.Contains(key, "email") {
			return MaskEmail(typed)
		}
		if looksLikeCredential(typed) {
			return RedactedValue
		}
		return typed
	default:
		return value
	}
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		if email == "" {
			return ""
		}
		return RedactedValue
	}
	return email[:1] + "***" + email[at:]
}

func hasCredentialMarker(key string) bool {
	for _, marker := range credentialMarkers {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func looksLikeCredential(value string) bool {
	value = strings.TrimSpace(value)
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return true
	}
	parts := strings.Split(value, ".")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "eyJ") {
		return false
	}
	for _, part := range parts[:2] {
		if part == "" || strings.ContainsAny(part, " /+=") {
			return false
		}
	}
	return true
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "provider",
		"provider_id",
		"request_id",
		"retry_count",
		"text_code",
		"token_storage",
		"token_expires_in":
		return true
	default:
		return false
	}
}
