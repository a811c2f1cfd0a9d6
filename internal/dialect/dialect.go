package dialect

import (
	"strings"
)

// Scheme identifies a vendor request/response/streaming shape.
type Scheme string

const (
	SchemeOpenAI    Scheme = "openai"
	SchemeAnthropic Scheme = "anthropic"
	SchemeGoogle    Scheme = "google"
)

func ParseScheme(s string) (Scheme, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return SchemeOpenAI, true
	case "anthropic", "claude":
		return SchemeAnthropic, true
	case "google", "gemini":
		return SchemeGoogle, true
	}
	return "", false
}

// Detect resolves the target dialect for a request. Precedence: explicit
// api_provider hint, then model-name prefix, then the configured default.
func Detect(model string, explicit string, fallback Scheme) Scheme {
	if scheme, ok := ParseScheme(explicit); ok {
		return scheme
	}

	name := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(name, "claude"):
		return SchemeAnthropic
	case strings.HasPrefix(name, "gemini"):
		return SchemeGoogle
	}

	if fallback != "" {
		return fallback
	}
	return SchemeOpenAI
}
