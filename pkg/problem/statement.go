package problem

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Sample is one input/expected-output pair from the source judge.
type Sample struct {
	In  string `json:"in"`
	Out string `json:"out"`
}

// Limits carries the judge-enforced resource limits.
type Limits struct {
	TimeMS   int `json:"time_ms"`
	MemoryMB int `json:"memory_mb"`
}

// Statement is the canonical problem statement as persisted to
// statement.json. Adapters normalize whatever the source judge serves into
// this shape.
type Statement struct {
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	InputFormat  string   `json:"input_format,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
	Samples      []Sample `json:"samples,omitempty"`
	Limits       Limits   `json:"limits"`
	Tags         []string `json:"tags,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeTitle canonicalizes a problem title for exact-title comparison:
// unicode NFC, all whitespace runs collapsed to a single space, leading and
// trailing whitespace stripped. Comparison stays case-sensitive.
func NormalizeTitle(title string) string {
	title = norm.NFC.String(title)
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(title, " "))
}

// TitlesEqual reports whether two raw titles are the same problem title
// under NormalizeTitle.
func TitlesEqual(a, b string) bool {
	return NormalizeTitle(a) == NormalizeTitle(b)
}

var (
	markdownImage = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)[^)]*\)`)
	htmlImage     = regexp.MustCompile(`<img[^>]*\bsrc=["']([^"']+)["'][^>]*>`)
	htmlImageAlt  = regexp.MustCompile(`\balt=["']([^"']*)["']`)
)

// ImagesNeedingOCR returns the image references in the statement body that
// carry no usable text alternative. OCR is required only when this is
// non-empty.
func (s *Statement) ImagesNeedingOCR() []string {
	var refs []string

	for _, m := range markdownImage.FindAllStringSubmatch(s.Body, -1) {
		alt, src := m[1], m[2]
		if strings.TrimSpace(alt) == "" {
			refs = append(refs, src)
		}
	}

	for _, m := range htmlImage.FindAllStringSubmatch(s.Body, -1) {
		tag, src := m[0], m[1]
		altMatch := htmlImageAlt.FindStringSubmatch(tag)
		if altMatch == nil || strings.TrimSpace(altMatch[1]) == "" {
			refs = append(refs, src)
		}
	}

	return refs
}
