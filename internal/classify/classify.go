// Package classify assigns Commercial or Residential to aggregated
// locations. The rule order is deliberate: keyword evidence outranks the
// density fallback so a one-chair studio salon is not misread as a home.
package classify

import (
	"regexp"
	"strings"

	"github.com/licensemap/licensemap/internal/model"
)

// Policy holds the classification heuristics. All of it is configuration
// data so keyword lists and thresholds can be tuned without code changes.
type Policy struct {
	CommercialKeywords []string
	ResidentialMarkers []string
	DensityThreshold   int
}

// DefaultPolicy returns the stock classification policy.
func DefaultPolicy() Policy {
	return Policy{
		CommercialKeywords: []string{
			"SUITE", "STE", "SALON", "MALL", "PLAZA", "SHOP", "SPA",
			"STUDIO", "CENTER", "CENTRE", "OFFICE", "BARBER",
		},
		ResidentialMarkers: []string{"APT", "UNIT", "TRLR", "LOT"},
		DensityThreshold:   2,
	}
}

// residentialUnitNumber matches apartment-style 3-4 digit unit numbers.
var residentialUnitNumber = regexp.MustCompile(`\b\d{3,4}\b`)

// Classify applies the policy to a finalized aggregate, first match wins:
//
//  1. commercial keyword in the address or unit → Commercial
//  2. residential marker with an apartment-style number and a single
//     license → Residential
//  3. total licenses above the density threshold → Commercial
//  4. default → Residential
func (p Policy) Classify(loc *model.LocationAggregate) model.AddressType {
	text := loc.Address
	if loc.Unit != "" {
		text += " " + loc.Unit
	}
	text = strings.ToUpper(text)

	for _, kw := range p.CommercialKeywords {
		if containsWord(text, strings.ToUpper(kw)) {
			return model.TypeCommercial
		}
	}

	if loc.TotalLicenses == 1 && p.looksResidential(text) {
		return model.TypeResidential
	}

	if loc.TotalLicenses > p.DensityThreshold {
		return model.TypeCommercial
	}

	return model.TypeResidential
}

// Apply classifies every aggregate in place.
func (p Policy) Apply(locs []*model.LocationAggregate) {
	for _, loc := range locs {
		loc.AddressType = p.Classify(loc)
	}
}

// looksResidential reports whether the address carries a residential
// marker followed by an apartment-style unit number.
func (p Policy) looksResidential(text string) bool {
	for _, marker := range p.ResidentialMarkers {
		idx := wordIndex(text, strings.ToUpper(marker))
		if idx < 0 {
			continue
		}
		rest := text[idx+len(marker):]
		if residentialUnitNumber.MatchString(rest) {
			return true
		}
	}
	return false
}

// containsWord checks whole-word containment bounded by non-alphanumerics.
func containsWord(text, needle string) bool {
	return wordIndex(text, needle) >= 0
}

// wordIndex returns the index of needle as a whole word in text, or -1.
func wordIndex(text, needle string) int {
	if needle == "" || text == "" {
		return -1
	}
	start := 0
	for {
		idx := strings.Index(text[start:], needle)
		if idx < 0 {
			return -1
		}
		abs := start + idx
		end := abs + len(needle)

		leftOK := abs == 0 || !isAlphaNum(text[abs-1])
		rightOK := end == len(text) || !isAlphaNum(text[end])
		if leftOK && rightOK {
			return abs
		}
		start = abs + 1
	}
}

func isAlphaNum(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
