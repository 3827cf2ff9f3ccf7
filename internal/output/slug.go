package output

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLength = 100

var (
	separatorRegex = regexp.MustCompile(`[\s/\\:]+`)
	unsafeRegex    = regexp.MustCompile(`[^a-zA-Z0-9_\-.]+`)
)

// foldTransformer strips diacritics via NFKD decomposition.
var foldTransformer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// Slugify converts an arbitrary name into a filesystem-safe, lowercased,
// hyphenated form. Unicode is folded to ASCII, spaces and path separators
// become hyphens, and anything else unsafe is replaced with a hyphen.
// The result is capped at 100 characters; an empty result becomes "unnamed".
func Slugify(name string) string {
	if folded, _, err := transform.String(foldTransformer, name); err == nil {
		name = folded
	}
	// Drop any remaining non-ASCII runes before replacement.
	name = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return r
	}, name)

	name = separatorRegex.ReplaceAllString(name, "-")
	name = unsafeRegex.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	name = strings.ToLower(name)

	if name == "" {
		return "unnamed"
	}
	if len(name) > maxSlugLength {
		name = name[:maxSlugLength]
	}
	return name
}
