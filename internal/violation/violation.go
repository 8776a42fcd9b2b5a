// Package violation classifies free-text violation descriptions and maps
// each class to a contest letter template.
//
// Classification is a keyword heuristic over scraped text, not a parser.
// Ambiguous inputs ("no parking - street cleaning exception") can land
// in the wrong class; the rule table is ordered and versioned so those
// cases stay visible and testable.
package violation

import (
	"regexp"
	"strings"
)

// Type is a normalized violation class.
type Type string

const (
	ExpiredPlates     Type = "expired_plates"
	NoCitySticker     Type = "no_city_sticker"
	ExpiredMeter      Type = "expired_meter"
	DisabledZone      Type = "disabled_zone"
	StreetCleaning    Type = "street_cleaning"
	SnowRoute         Type = "snow_route"
	ResidentialPermit Type = "residential_permit"
	RushHour          Type = "rush_hour"
	FireHydrant       Type = "fire_hydrant"
	RedLight          Type = "red_light"
	SpeedCamera       Type = "speed_camera"
	OtherUnknown      Type = "other_unknown"
)

// Known lists every class in rule order, ending with OtherUnknown.
var Known = []Type{
	ExpiredPlates, NoCitySticker, DisabledZone, StreetCleaning, SnowRoute,
	ResidentialPermit, RushHour, FireHydrant, RedLight, SpeedCamera, ExpiredMeter,
	OtherUnknown,
}

// Rule tags input containing any keyword with Type.
type Rule struct {
	Type     Type
	Keywords []string
}

// RulesVersion changes whenever Rules changes meaning.
const RulesVersion = "2025.2"

// Rules is evaluated top to bottom; the first match wins. Specific
// phrases come before generic ones ("expired meter" must not be read as
// expired plates, "snow" is checked after "street cleaning").
var Rules = []Rule{
	{ExpiredPlates, []string{"expired plate", "expired registration", "expired reg", "registration expired", "plates expired", "expired license", "no valid registration"}},
	{NoCitySticker, []string{"city sticker", "wheel tax", "no sticker", "vehicle sticker", "municipal sticker", "9-64-125"}},
	{DisabledZone, []string{"disabled", "handicap", "accessible parking"}},
	{StreetCleaning, []string{"street cleaning", "street sweeping", "sweeper", "9-64-040"}},
	{SnowRoute, []string{"snow route", "snow ban", "snow emergency", "winter overnight"}},
	{ResidentialPermit, []string{"residential permit", "permit parking", "permit zone", "residential zone"}},
	{RushHour, []string{"rush hour"}},
	{FireHydrant, []string{"hydrant"}},
	{RedLight, []string{"red light", "redlight"}},
	{SpeedCamera, []string{"speed camera", "automated speed", "speed violation", "speeding"}},
	{ExpiredMeter, []string{"meter", "pay box", "paybox", "parking payment"}},
}

var spacePattern = regexp.MustCompile(`[\s_]+`)

// Normalize lower-cases, trims and collapses whitespace and underscores.
func Normalize(raw string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(strings.ToLower(raw), " "))
}

// Classify maps raw text onto a Type. It is total and idempotent:
// feeding a Type's own name back in returns the same Type.
func Classify(raw string) Type {
	text := Normalize(raw)
	if text == "" {
		return OtherUnknown
	}
	for _, t := range Known {
		if text == Normalize(string(t)) {
			return t
		}
	}
	for _, r := range Rules {
		for _, kw := range r.Keywords {
			if strings.Contains(text, kw) {
				return r.Type
			}
		}
	}
	return OtherUnknown
}

// Valid reports whether s names a known Type.
func Valid(s string) bool {
	for _, t := range Known {
		if string(t) == s {
			return true
		}
	}
	return false
}
