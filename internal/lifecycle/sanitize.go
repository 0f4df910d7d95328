package lifecycle

import (
	"regexp"
	"strings"
)

var (
	scriptBlockPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	styleBlockPattern  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`)
	tagPattern         = regexp.MustCompile(`<[^>]*>`)
)

// SanitizePrescription strips markup-like tags, dropping the bodies of
// script and style elements entirely. It never fails.
func SanitizePrescription(raw string) string {
	out := scriptBlockPattern.ReplaceAllString(raw, "")
	out = styleBlockPattern.ReplaceAllString(out, "")
	out = tagPattern.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}
