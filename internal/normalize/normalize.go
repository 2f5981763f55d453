// Package normalize parses raw address strings into canonical,
// deduplication-safe forms. Same physical address, same key, regardless
// of casing, punctuation, or abbreviation variance in the source file.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/licensemap/licensemap/internal/model"
)

// suffixExpansions maps common street-suffix abbreviations to their full
// forms. Keys are matched as whole uppercase tokens.
var suffixExpansions = map[string]string{
	"ST":   "STREET",
	"STR":  "STREET",
	"AVE":  "AVENUE",
	"AV":   "AVENUE",
	"BLVD": "BOULEVARD",
	"DR":   "DRIVE",
	"RD":   "ROAD",
	"LN":   "LANE",
	"CT":   "COURT",
	"CIR":  "CIRCLE",
	"PL":   "PLACE",
	"TER":  "TERRACE",
	"TERR": "TERRACE",
	"HWY":  "HIGHWAY",
	"PKWY": "PARKWAY",
	"PKY":  "PARKWAY",
	"TRL":  "TRAIL",
	"WY":   "WAY",
	"EXPY": "EXPRESSWAY",
	"N":    "NORTH",
	"S":    "SOUTH",
	"E":    "EAST",
	"W":    "WEST",
	"NE":   "NORTHEAST",
	"NW":   "NORTHWEST",
	"SE":   "SOUTHEAST",
	"SW":   "SOUTHWEST",
}

// unitDesignators maps unit-token spellings to their canonical form. A
// designator plus its identifier is pulled out of the street line into the
// unit field wherever it appears.
var unitDesignators = map[string]string{
	"STE":   "SUITE",
	"SUITE": "SUITE",
	"APT":   "APT",
	"UNIT":  "UNIT",
	"RM":    "ROOM",
	"ROOM":  "ROOM",
	"BLDG":  "BUILDING",
	"FL":    "FLOOR",
	"LOT":   "LOT",
	"TRLR":  "TRLR",
	"#":     "#",
}

// poBoxPattern matches the PO Box family before punctuation stripping:
// "PO BOX", "P.O. BOX", "P O BOX", "POST OFFICE BOX".
var poBoxPattern = regexp.MustCompile(`(?i)\b(?:P\.?\s*O\.?\s*BOX|POST\s+OFFICE\s+BOX)\b`)

// disallowedChars strips everything outside the address alphabet. Hyphen
// and '#' survive because they carry unit and range information.
var disallowedChars = regexp.MustCompile(`[^A-Z0-9 \-#]`)

var multiSpace = regexp.MustCompile(`\s{2,}`)

var zipPattern = regexp.MustCompile(`\d{5}`)

// foldDiacritics removes combining marks so "CAFÉ" and "CAFE" normalize
// identically.
var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize canonicalizes a raw record's address fields. It returns either
// a NormalizedAddress or a non-empty RejectReason; rejected addresses
// never reach aggregation.
func Normalize(rec model.RawRecord) (*model.NormalizedAddress, model.RejectReason) {
	street := clean(rec.Street)
	if poBoxPattern.MatchString(rec.Street) || poBoxPattern.MatchString(street) {
		return nil, model.RejectPOBox
	}
	if len(street) < 5 {
		return nil, model.RejectUnparsable
	}

	tokens := strings.Fields(street)
	tokens, unit := extractUnit(tokens)
	if u := clean(rec.Unit); u != "" && unit == "" {
		unitTokens, floated := extractUnit(strings.Fields(u))
		if floated != "" {
			unit = floated
		} else {
			unit = strings.Join(unitTokens, " ")
		}
	}

	tokens = expandSuffixes(tokens)
	tokens = collapseGhostStreet(tokens)

	if !hasStreetShape(tokens) {
		return nil, model.RejectUnparsable
	}

	addr := &model.NormalizedAddress{
		Street: strings.Join(tokens, " "),
		Unit:   unit,
		City:   clean(rec.City),
		State:  strings.ToUpper(strings.TrimSpace(rec.State)),
		Zip:    cleanZip(rec.Zip),
	}
	addr.Key = Key(addr)
	return addr, ""
}

// Key derives the stable cache and aggregation key for an address.
func Key(a *model.NormalizedAddress) string {
	parts := []string{a.Street, a.Unit, a.City, a.State, a.Zip}
	for i, p := range parts {
		parts[i] = multiSpace.ReplaceAllString(strings.TrimSpace(p), " ")
	}
	return strings.Join(parts, "|")
}

// clean uppercases, folds diacritics, and strips characters outside the
// address alphabet.
func clean(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if folded, _, err := transform.String(foldDiacritics, s); err == nil {
		s = folded
	}
	s = disallowedChars.ReplaceAllString(s, " ")
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}

// cleanZip keeps the leading 5-digit zip, dropping +4 suffixes and any
// float artifacts ("33101.0") from upstream parsing.
func cleanZip(zip string) string {
	return zipPattern.FindString(strings.TrimSpace(zip))
}

// extractUnit pulls a unit designator and its identifier out of the token
// stream. This also repairs "floating suite" artifacts, where a detached
// unit token leads or trails the street line instead of following it.
func extractUnit(tokens []string) (street []string, unit string) {
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		// "#400" glued to the designator.
		if strings.HasPrefix(tok, "#") && len(tok) > 1 && i > 0 {
			street = append(street, tokens[i+1:]...)
			return street, "# " + tok[1:]
		}

		canonical, ok := unitDesignators[tok]
		if !ok || i+1 >= len(tokens) {
			street = append(street, tok)
			continue
		}
		ident := tokens[i+1]
		if !isUnitIdent(ident) {
			street = append(street, tok)
			continue
		}
		street = append(street, tokens[i+2:]...)
		return street, canonical + " " + ident
	}
	return street, ""
}

// isUnitIdent reports whether a token looks like a unit identifier: a
// short alphanumeric like "400", "12B", or "B".
func isUnitIdent(tok string) bool {
	if len(tok) == 0 || len(tok) > 6 {
		return false
	}
	hasDigit := false
	for _, r := range tok {
		if r >= '0' && r <= '9' {
			hasDigit = true
		} else if r < 'A' || r > 'Z' {
			return false
		}
	}
	return hasDigit || len(tok) == 1
}

// expandSuffixes rewrites abbreviated suffix tokens to their full forms.
// The leading token is left alone so a street number is never touched.
func expandSuffixes(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		if i > 0 {
			if full, ok := suffixExpansions[strings.TrimSuffix(tok, ".")]; ok {
				out[i] = full
				continue
			}
		}
		out[i] = tok
	}
	return out
}

// collapseGhostStreet removes "ghost data": a parsing artifact where the
// street name (everything after the number) is duplicated verbatim as a
// suffix, e.g. "123 MAIN STREET MAIN STREET".
func collapseGhostStreet(tokens []string) []string {
	if len(tokens) < 3 {
		return tokens
	}
	start := 0
	if isNumeric(tokens[0]) {
		start = 1
	}
	name := tokens[start:]
	if len(name) < 2 || len(name)%2 != 0 {
		return tokens
	}
	half := len(name) / 2
	for i := 0; i < half; i++ {
		if name[i] != name[half+i] {
			return tokens
		}
	}
	return tokens[:start+half]
}

// hasStreetShape requires a leading street number followed by at least one
// name token. Anything else is unparsable.
func hasStreetShape(tokens []string) bool {
	if len(tokens) < 2 {
		return false
	}
	return isNumeric(strings.SplitN(tokens[0], "-", 2)[0])
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
