// File: internal/interception/rule.go
package interception

import (
	"net/http"
	"net/url"
	"strings"
)

// Rule injects Field into the body of requests whose method and URL path
// suffix match.
type Rule struct {
	Name       string
	Method     string
	PathSuffix string
	Field      string
}

// Matches reports whether the request targets this rule's endpoint.
func (r Rule) Matches(method, rawURL string) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	return strings.HasSuffix(strings.TrimSuffix(path, "/"), r.PathSuffix)
}

// DefaultRules are the two auth endpoints that expect the anti-bot token.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "verify-customer-email",
			Method:     http.MethodPost,
			PathSuffix: "/api/auth/verify-customer-email",
			Field:      "requestToken",
		},
		{
			Name:       "customer-auth-callback",
			Method:     http.MethodPost,
			PathSuffix: "/api/auth/callback/customerAuth",
			Field:      "token",
		},
	}
}
