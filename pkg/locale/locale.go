// Package locale maps the short language codes used by the farming assistant
// UI ("en", "hi", ...) to the BCP-47 locale tags understood by speech engines.
//
// The mapping table is closed and immutable. Unknown codes resolve to
// [Default].
package locale

import (
	"slices"
	"strings"
)

// Default is the locale tag returned for codes that are not in the table.
const Default = "en-US"

// tags is the closed short-code → locale-tag table.
var tags = map[string]string{
	"en": "en-US",
	"hi": "hi-IN",
	"ta": "ta-IN",
	"te": "te-IN",
}

// greetings holds the phrase spoken when a user tests a voice language.
var greetings = map[string]string{
	"en": "Welcome to Smart Agriculture",
	"hi": "स्मार्ट कृषि में आपका स्वागत है",
	"ta": "ஸ்மார்ட் வேளாண்மைக்கு வரவேற்கிறோம்",
	"te": "స్మార్ట్ వ్యవసాయానికి స్వాగతం",
}

// Resolve returns the locale tag for a short language code. Lookup is
// case-insensitive; unmapped codes (including the empty string) return
// [Default].
func Resolve(code string) string {
	if tag, ok := tags[strings.ToLower(strings.TrimSpace(code))]; ok {
		return tag
	}
	return Default
}

// Known reports whether code has an explicit entry in the table.
func Known(code string) bool {
	_, ok := tags[strings.ToLower(strings.TrimSpace(code))]
	return ok
}

// Supported returns every locale tag in the table, sorted.
func Supported() []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

// Greeting returns the voice test phrase for code, falling back to English.
func Greeting(code string) string {
	if g, ok := greetings[strings.ToLower(strings.TrimSpace(code))]; ok {
		return g
	}
	return greetings["en"]
}
