package httpclient

import (
	"net/url"
	"strings"
)

// Query parameter names that carry secrets, matched as case-insensitive
// substrings so variants like API_KEY and access_token are caught too.
var secretParams = []string{
	"api_key",
	"apikey",
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"credential",
}

// redactURL replaces secret-bearing query values so the URL is safe to
// log.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	q := u.Query()
	changed := false
	for name := range q {
		if secretParam(name) {
			q.Set(name, "[REDACTED]")
			changed = true
		}
	}
	if !changed {
		return u.String()
	}

	safe := *u
	safe.RawQuery = q.Encode()
	return safe.String()
}

func secretParam(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range secretParams {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
