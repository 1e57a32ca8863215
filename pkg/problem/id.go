// Package problem defines the normalized problem identity and the canonical
// statement model shared by the pipeline, the judge adapters, and the
// persistence layer.
package problem

import (
	"fmt"
	"regexp"
	"strings"
)

// Ref is a normalized problem reference: which source adapter owns the
// problem and the short id understood by that adapter.
type Ref struct {
	// Adapter is the source adapter name (e.g., "cf", "luogu", "shsoj").
	Adapter string `json:"adapter"`

	// ID is the short problem id in the adapter's own vocabulary
	// (e.g., "1234A", "P1001", "1001").
	ID string `json:"id"`
}

// Canonical returns the stable identity used for workspace and persistence
// keys, e.g. "cf_1234A".
func (r Ref) Canonical() string {
	return r.Adapter + "_" + r.ID
}

// Display returns the user-facing short id. Normalizing a display id again
// yields the same Ref (round-trip stable).
func (r Ref) Display() string {
	return r.ID
}

// String implements fmt.Stringer.
func (r Ref) String() string {
	return r.Canonical()
}

var workspaceKeyUnsafe = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

// WorkspaceKey returns the canonical id sanitized for use as a directory
// name.
func (r Ref) WorkspaceKey() string {
	return workspaceKeyUnsafe.ReplaceAllString(r.Canonical(), "_")
}

// URL detection rules, first match wins. Each rule binds a substring of the
// raw input to an adapter and a path pattern that extracts the short id.
var urlRules = []struct {
	contains string
	adapter  string
	pattern  *regexp.Regexp
	combine  bool // join both capture groups ("<num><letter>" for codeforces)
}{
	{"aicoders.cn", "aicoders", regexp.MustCompile(`/problem/(\d+)`), false},
	{"shsoj", "shsoj", regexp.MustCompile(`/problem/(\d+)`), false},
	{"shsbnu", "shsoj", regexp.MustCompile(`/problem/(\d+)`), false},
	{"codeforces.com", "cf", regexp.MustCompile(`/problem/(\d+)/([A-Z]\d?)`), true},
	{"atcoder.jp", "atcoder", regexp.MustCompile(`/tasks/([^/?]+)`), false},
	{"luogu.com", "luogu", regexp.MustCompile(`/problem/([A-Z]?\d+)`), false},
}

// Bare id rules, checked when the input is not a URL and no adapter hint was
// supplied.
var (
	bareLuogu = regexp.MustCompile(`^[PBTU]\d+$`)
	bareCF    = regexp.MustCompile(`^(\d+)([A-Z])$`)
	bareNum   = regexp.MustCompile(`^\d+$`)
)

// DefaultAdapter receives bare numeric ids when nothing else claims them.
const DefaultAdapter = "shsoj"

// Normalize resolves a raw problem reference into a Ref. When hint names a
// source adapter the bare id is accepted verbatim and detection is skipped.
// URLs are matched against the adapter rules first match wins; bare ids fall
// back to shape-based detection with shsoj as the numeric default.
func Normalize(raw, hint string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, fmt.Errorf("empty problem ref")
	}

	if hint != "" {
		return Ref{Adapter: hint, ID: stripURL(raw, hint)}, nil
	}

	if isURL(raw) {
		lower := strings.ToLower(raw)
		for _, rule := range urlRules {
			if !strings.Contains(lower, rule.contains) {
				continue
			}
			m := rule.pattern.FindStringSubmatch(raw)
			if m == nil {
				return Ref{}, fmt.Errorf("unrecognized %s problem URL: %s", rule.adapter, raw)
			}
			id := m[1]
			if rule.combine && len(m) > 2 {
				id = m[1] + m[2]
			}
			return Ref{Adapter: rule.adapter, ID: id}, nil
		}
		// Hydro-hosted instances are recognized by name anywhere in the URL;
		// the short id is the final path element.
		if strings.Contains(strings.ToLower(raw), "hydro") {
			return Ref{Adapter: "hydrooj", ID: pathTail(raw)}, nil
		}
		return Ref{}, fmt.Errorf("no adapter recognizes URL: %s", raw)
	}

	switch {
	case bareLuogu.MatchString(raw):
		return Ref{Adapter: "luogu", ID: raw}, nil
	case bareCF.MatchString(raw):
		return Ref{Adapter: "cf", ID: raw}, nil
	case bareNum.MatchString(raw):
		return Ref{Adapter: DefaultAdapter, ID: raw}, nil
	default:
		return Ref{}, fmt.Errorf("cannot infer source adapter for %q; set source_adapter explicitly", raw)
	}
}

// stripURL extracts a usable short id when a hinted ref is itself a URL;
// bare ids pass through untouched.
func stripURL(raw, adapter string) string {
	if !isURL(raw) {
		return raw
	}
	for _, rule := range urlRules {
		if rule.adapter != adapter {
			continue
		}
		if m := rule.pattern.FindStringSubmatch(raw); m != nil {
			if rule.combine && len(m) > 2 {
				return m[1] + m[2]
			}
			return m[1]
		}
	}
	return pathTail(raw)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func pathTail(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
