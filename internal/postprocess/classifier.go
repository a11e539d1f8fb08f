package postprocess

import (
	"regexp"
	"strings"
)

// businessNameMarkers are tokens in an occupant name that indicate a
// commercial recipient. Matched against whole words so "inc" does not fire
// on "Vincent".
var businessNameMarkers = map[string]bool{
	"llc": true, "inc": true, "corp": true, "co": true, "ltd": true,
	"company": true, "associates": true, "enterprises": true,
	"holdings": true, "services": true, "properties": true,
	"management": true, "church": true, "school": true, "clinic": true,
	"dental": true, "realty": true, "restaurant": true,
	"plumbing": true, "heating": true, "electric": true, "hvac": true,
}

// businessUnitPattern matches address lines that carry a commercial unit
// designator.
var businessUnitPattern = regexp.MustCompile(`(?i)\b(ste|suite|dept|floor|fl|bldg|building)\b`)

// residentialUnitPattern matches unit designators typical of residences.
// They outrank the business markers when both appear.
var residentialUnitPattern = regexp.MustCompile(`(?i)\b(apt|apartment|unit|trlr|lot)\b`)

// ClassifyBusiness applies a heuristic business/residential split when
// external verification has not supplied one: commercial markers in the
// occupant name or a commercial unit designator in the street lines mark
// the address as business, unless a residential unit designator is present.
func ClassifyBusiness(occupant, address1, address2 string) bool {
	street := address1 + " " + address2
	if residentialUnitPattern.MatchString(street) {
		return false
	}
	if businessUnitPattern.MatchString(street) {
		return true
	}

	for _, token := range strings.FieldsFunc(strings.ToLower(occupant), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if businessNameMarkers[token] {
			return true
		}
	}
	return false
}
