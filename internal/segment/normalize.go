package segment

import (
	"regexp"
	"strings"
)

var (
	poundsPattern    = regexp.MustCompile(`£([\d,]+)`)
	mscPattern       = regexp.MustCompile(`(?i)msci`)
	mcSquaredPattern = regexp.MustCompile(`(?i)=mc²`)
	mcPattern        = regexp.MustCompile(`(?i)=mc`)
)

// Normalize rewrites text into a form the synthesis engine pronounces
// correctly. Rules apply in a fixed order; later rules see the output of
// earlier ones.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	out := strings.ReplaceAll(text, "*", "")
	out = poundsPattern.ReplaceAllString(out, "$1 pounds")
	out = mscPattern.ReplaceAllString(out, "MSc")
	out = mcSquaredPattern.ReplaceAllString(out, "= m c squared")
	out = mcPattern.ReplaceAllString(out, "= m c")
	return strings.ReplaceAll(out, "²", "squared")
}
