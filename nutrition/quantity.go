package nutrition

import (
	"regexp"
	"strconv"
	"strings"
)

// Quantity is a parsed portion expression such as "1 1/2 cups".
type Quantity struct {
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"`
}

var wordAmounts = map[string]float64{
	"a":       1,
	"an":      1,
	"one":     1,
	"two":     2,
	"three":   3,
	"four":    4,
	"five":    5,
	"half":    0.5,
	"quarter": 0.25,
	"double":  2,
	"triple":  3,
	"couple":  2,
}

var (
	mixedRe    = regexp.MustCompile(`^(\d+)\s+(\d+)\s*/\s*(\d+)`)
	fractionRe = regexp.MustCompile(`^(\d+)\s*/\s*(\d+)`)
	decimalRe  = regexp.MustCompile(`^(\d+(?:\.\d+)?|\.\d+)`)
)

// ParseQuantity parses a leading amount and a trailing unit out of a portion
// string. The unit is whatever follows the amount, lower-cased and with a
// trailing "s" removed. ok is false when no amount can be read.
func ParseQuantity(s string) (q Quantity, ok bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Quantity{}, false
	}

	if amount, rest, ok := parseWordAmount(s); ok {
		return Quantity{Amount: amount, Unit: cleanUnit(rest)}, true
	}
	if amount, rest, ok := parseNumericAmount(s); ok {
		return Quantity{Amount: amount, Unit: cleanUnit(rest)}, true
	}
	return Quantity{}, false
}

func parseWordAmount(s string) (float64, string, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, "", false
	}
	amount, ok := wordAmounts[fields[0]]
	if !ok {
		return 0, "", false
	}
	rest := fields[1:]

	// "a couple", "a half", "one quarter"
	if amount == 1 && len(rest) > 0 {
		if v, ok := wordAmounts[rest[0]]; ok && v != 1 {
			amount = v
			rest = rest[1:]
		}
	}
	// "half a cup", "quarter of an inch"
	if len(rest) > 0 && rest[0] == "of" {
		rest = rest[1:]
	}
	if len(rest) > 0 && (rest[0] == "a" || rest[0] == "an") {
		rest = rest[1:]
	}
	return amount, strings.Join(rest, " "), true
}

func parseNumericAmount(s string) (float64, string, bool) {
	if m := mixedRe.FindStringSubmatch(s); m != nil {
		whole, _ := strconv.ParseFloat(m[1], 64)
		num, _ := strconv.ParseFloat(m[2], 64)
		den, _ := strconv.ParseFloat(m[3], 64)
		if den == 0 {
			return 0, "", false
		}
		return whole + num/den, s[len(m[0]):], true
	}
	if m := fractionRe.FindStringSubmatch(s); m != nil {
		num, _ := strconv.ParseFloat(m[1], 64)
		den, _ := strconv.ParseFloat(m[2], 64)
		if den == 0 {
			return 0, "", false
		}
		return num / den, s[len(m[0]):], true
	}
	if m := decimalRe.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, "", false
		}
		return v, s[len(m[0]):], true
	}
	return 0, "", false
}

func cleanUnit(rest string) string {
	u := strings.TrimSpace(rest)
	u = strings.TrimPrefix(u, "of ")
	u = strings.Trim(u, " .,;")
	if _, ok := unitAliases[strings.ToLower(u)]; ok {
		return u
	}
	return depluralize(u)
}
