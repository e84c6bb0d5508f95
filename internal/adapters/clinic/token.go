package clinic

import "strings"

// tokenStrategy extracts a token from one known login response shape.
type tokenStrategy struct {
	name    string
	extract func(map[string]any) (string, bool)
}

// tokenStrategies are tried in order; the first non-empty string wins.
var tokenStrategies = []tokenStrategy{
	{name: "token", extract: field("token")},
	{name: "access_token", extract: field("access_token")},
	{name: "data.token", extract: nested("data", "token")},
}

func field(key string) func(map[string]any) (string, bool) {
	return func(obj map[string]any) (string, bool) {
		s, ok := obj[key].(string)
		if !ok || strings.TrimSpace(s) == "" {
			return "", false
		}
		return s, true
	}
}

func nested(outer, key string) func(map[string]any) (string, bool) {
	inner := field(key)
	return func(obj map[string]any) (string, bool) {
		child, ok := obj[outer].(map[string]any)
		if !ok {
			return "", false
		}
		return inner(child)
	}
}

func extractToken(decoded any) (Token, bool) {
	obj, ok := decoded.(map[string]any)
	if !ok {
		return "", false
	}
	for _, strategy := range tokenStrategies {
		if token, ok := strategy.extract(obj); ok {
			return Token(token), true
		}
	}
	return "", false
}
