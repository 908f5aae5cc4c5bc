package oauth

import "strings"

// SplitScope splits a space separated scope value into individual scopes.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}

// ScopeSubset reports whether every requested scope appears in allowed.
func ScopeSubset(requested, allowed []string) bool {
	for _, scope := range requested {
		found := false
		for _, candidate := range allowed {
			if candidate == scope {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
