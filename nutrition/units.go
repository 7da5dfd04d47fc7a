package nutrition

import "strings"

type unitFamily int

const (
	familyNone unitFamily = iota
	familyMass
	familyVolume
)

// Grams per unit.
var massUnits = map[string]float64{
	"g":  1,
	"mg": 0.001,
	"kg": 1000,
	"oz": 28.3495,
	"lb": 453.592,
}

// Millilitres per unit. A cup is the 240 ml nutrition-label cup.
var volumeUnits = map[string]float64{
	"ml":    1,
	"l":     1000,
	"tsp":   4.92892,
	"tbsp":  14.7868,
	"cup":   240,
	"fl oz": 29.5735,
	"pt":    473.176,
	"qt":    946.353,
	"gal":   3785.41,
}

var unitAliases = map[string]string{
	"g": "g", "gr": "g", "gm": "g", "gram": "g", "gramme": "g",
	"mg": "mg", "milligram": "mg",
	"kg": "kg", "kilo": "kg", "kilogram": "kg",
	"oz": "oz", "ounce": "oz",
	"lb": "lb", "pound": "lb",
	"ml": "ml", "milliliter": "ml", "millilitre": "ml", "cc": "ml",
	"l": "l", "liter": "l", "litre": "l",
	"tsp": "tsp", "teaspoon": "tsp", "t": "tsp",
	"tbsp": "tbsp", "tablespoon": "tbsp", "tbs": "tbsp", "tbl": "tbsp",
	"cup": "cup", "c": "cup",
	"fl oz": "fl oz", "floz": "fl oz", "fl. oz": "fl oz", "fluid ounce": "fl oz", "fl ounce": "fl oz",
	"pt": "pt", "pint": "pt",
	"qt": "qt", "quart": "qt",
	"gal": "gal", "gallon": "gal",
}

// canonicalUnit maps a parsed unit to a conversion-table key. It tries the
// whole unit, then the leading two words, then the leading word, so
// "cup of rice" resolves to "cup". It returns "" when nothing matches.
func canonicalUnit(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	if u == "" {
		return ""
	}
	if c, ok := unitAliases[u]; ok {
		return c
	}
	words := strings.Fields(u)
	if len(words) >= 2 {
		if c, ok := lookupAlias(words[0] + " " + words[1]); ok {
			return c
		}
	}
	if c, ok := lookupAlias(words[0]); ok {
		return c
	}
	return ""
}

// lookupAlias tries u as written before its singular, so aliases that end in
// "s" such as "tbs" still match.
func lookupAlias(u string) (string, bool) {
	if c, ok := unitAliases[u]; ok {
		return c, true
	}
	c, ok := unitAliases[depluralize(u)]
	return c, ok
}

func depluralize(s string) string {
	if len(s) > 1 && strings.HasSuffix(s, "s") {
		return s[:len(s)-1]
	}
	return s
}

// toBase converts q into grams or millilitres.
func toBase(q Quantity) (float64, unitFamily) {
	c := canonicalUnit(q.Unit)
	if f, ok := massUnits[c]; ok {
		return q.Amount * f, familyMass
	}
	if f, ok := volumeUnits[c]; ok {
		return q.Amount * f, familyVolume
	}
	return 0, familyNone
}
