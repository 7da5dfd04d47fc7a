package nutrition

import (
	"strings"
	"unicode"
)

// modifierWords are dropped when matching names. They never alter what is displayed.
var modifierWords = map[string]bool{
	"organic": true, "fresh": true, "raw": true,
	"low-fat": true, "lowfat": true, "fat-free": true, "nonfat": true, "non-fat": true, "reduced-fat": true,
	"boneless": true, "skinless": true, "lean": true, "extra": true,
	"large": true, "small": true, "medium": true, "whole": true, "plain": true,
	"unsalted": true, "salted": true, "frozen": true, "canned": true, "homemade": true,
	"grilled": true, "baked": true, "boiled": true, "steamed": true, "roasted": true, "fried": true,
	"sliced": true, "diced": true, "chopped": true,
}

// NormalizeName case-folds a food name, drops punctuation other than hyphens
// and collapses whitespace.
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-':
			b.WriteRune(r)
		case r == '\'':
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// StripModifiers removes modifier words from an already normalized name. If
// every word is a modifier the name is returned unchanged.
func StripModifiers(normalized string) string {
	words := strings.Fields(normalized)
	kept := words[:0:0]
	for _, w := range words {
		if !modifierWords[w] {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return normalized
	}
	return strings.Join(kept, " ")
}

// ContainsWords reports whether phrase occurs in text as a run of whole words.
// Both are normalized first and plural words match their singular, so
// "two eggs" contains "egg" but "steak" does not contain "tea".
func ContainsWords(text, phrase string) bool {
	p := singularWords(phrase)
	if p == "" {
		return false
	}
	return strings.Contains(" "+singularWords(text)+" ", " "+p+" ")
}

func singularWords(s string) string {
	words := strings.Fields(NormalizeName(s))
	for i, w := range words {
		words[i] = depluralize(w)
	}
	return strings.Join(words, " ")
}

var zeroCalorieNames = map[string]bool{
	"water": true, "sparkling water": true, "mineral water": true, "ice": true, "ice cube": true,
	"salt": true, "sea salt": true, "kosher salt": true,
	"coffee": true, "black coffee": true, "espresso": true, "americano": true, "cold brew": true,
	"tea": true, "black tea": true, "green tea": true, "herbal tea": true, "unsweetened tea": true,
	"diet soda": true, "diet coke": true, "coke zero": true, "zero-calorie sweetener": true,
	"stevia": true, "sucralose": true, "sweetener": true,
	"spices": true, "spice": true, "pepper": true, "black pepper": true, "cinnamon": true,
	"paprika": true, "cumin": true, "oregano": true, "basil": true, "thyme": true,
	"turmeric": true, "chili powder": true, "garlic powder": true, "onion powder": true,
}

var zeroCalorieHeads = map[string]bool{
	"water": true, "salt": true, "tea": true, "coffee": true, "espresso": true, "spices": true,
}

var caloricQualifiers = map[string]bool{
	"milk": true, "sugar": true, "cream": true, "honey": true, "sweet": true, "sweetened": true,
	"latte": true, "coconut": true, "tonic": true, "syrup": true, "bubble": true, "with": true,
}

// IsZeroCalorie reports whether name is an inherently zero-calorie item
// such as water, salt, plain tea or a spice.
func IsZeroCalorie(name string) bool {
	n := StripModifiers(NormalizeName(name))
	if zeroCalorieNames[n] {
		return true
	}
	words := strings.Fields(n)
	if len(words) == 0 || !zeroCalorieHeads[words[len(words)-1]] {
		return false
	}
	for _, w := range words {
		if caloricQualifiers[w] {
			return false
		}
	}
	return true
}
