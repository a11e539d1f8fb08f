package staging

import (
	"regexp"
	"strings"
)

var headerJunk = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeHeader normalizes a vendor column name to a canonical lookup key:
// lowercased with every non-alphanumeric run removed, so "Full Name",
// "full_name" and "FullName " all map to "fullname".
func SanitizeHeader(name string) string {
	return headerJunk.ReplaceAllString(strings.ToLower(name), "")
}
