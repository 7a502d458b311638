// Package tagger derives hierarchical chain tags from file paths.
package tagger

import (
	"regexp"
	"strings"
	"unicode"
)

// ChainTag returns the '/'-joined directory segments of path between the
// collection root and the file name.
//
// Separators are normalized to '/', a leading drive designator such as "C:" is
// removed, and empty, "." and ".." segments are ignored. The first remaining
// segment is the collection root and the last one is the file name; both are
// dropped. A path with nothing in between yields "".
//
//	ChainTag(`E:\Archive\Projects\2024\report.pdf`) == "Projects/2024"
func ChainTag(path string) string {
	segments := splitPath(path)
	if len(segments) <= 2 {
		return ""
	}
	return strings.Join(segments[1:len(segments)-1], "/")
}

func splitPath(path string) []string {
	normalized := strings.ReplaceAll(path, `\`, "/")
	if hasDrive(normalized) {
		normalized = normalized[2:]
	}

	var segments []string
	for _, part := range strings.Split(normalized, "/") {
		part = strings.TrimSpace(part)
		if part == "" || part == "." || part == ".." {
			continue
		}
		segments = append(segments, part)
	}
	return segments
}

func hasDrive(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := rune(p[0])
	return c < unicode.MaxASCII && unicode.IsLetter(c)
}

var (
	bracketGroups = regexp.MustCompile(`【[^】]*】|\([^)]*\)|\[[^\]]*\]`)
	digitRuns     = regexp.MustCompile(`\d+`)
	yearPattern   = regexp.MustCompile(`^(19|20)\d{2}$`)
	disallowed    = regexp.MustCompile(`[^\p{L}\p{N}\s\-_]+`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// FormatTag cleans up a chain tag: bracketed annotations and stray numbers
// (years excepted) are removed from every segment, whitespace is collapsed and
// empty segments are dropped.
func FormatTag(tag string) string {
	if tag == "" {
		return ""
	}

	var parts []string
	for _, part := range strings.Split(tag, "/") {
		if formatted := formatSegment(strings.TrimSpace(part)); formatted != "" {
			parts = append(parts, formatted)
		}
	}
	return strings.Join(parts, "/")
}

func formatSegment(part string) string {
	if part == "" {
		return ""
	}

	cleaned := bracketGroups.ReplaceAllString(part, "")

	var years []string
	cleaned = digitRuns.ReplaceAllStringFunc(cleaned, func(digits string) string {
		if yearPattern.MatchString(digits) {
			years = append(years, digits)
			return digits
		}
		return ""
	})

	cleaned = disallowed.ReplaceAllString(cleaned, "")
	cleaned = whitespace.ReplaceAllString(cleaned, " ")
	cleaned = strings.Trim(cleaned, "-_ ")

	switch {
	case cleaned != "":
		return cleaned
	case len(years) > 0:
		return years[0]
	default:
		// Nothing usable left; keep the segment as it was
		return part
	}
}
