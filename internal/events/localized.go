package events

import (
	"encoding/json"
	"sort"
	"strings"
)

// DefaultLocale keys plain-string values of localized fields
const DefaultLocale = "default"

// LocalizedText holds a field that upstream sends either as a plain string or as a
// locale -> text object, e.g. {"en": "Tower A", "hy": "..."}.
type LocalizedText map[string]string

// UnmarshalJSON accepts both shapes
func (t *LocalizedText) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = nil
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*t = nil
			return nil
		}
		*t = LocalizedText{DefaultLocale: s}
		return nil
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*t = m
	return nil
}

// Text joins all locale values in a stable order, for full-text indexing
func (t LocalizedText) Text() string {
	if len(t) == 0 {
		return ""
	}
	locales := make([]string, 0, len(t))
	for locale := range t {
		locales = append(locales, locale)
	}
	sort.Strings(locales)

	values := make([]string, 0, len(locales))
	for _, locale := range locales {
		if v := strings.TrimSpace(t[locale]); v != "" {
			values = append(values, v)
		}
	}
	return strings.Join(values, " ")
}

// Preferred returns the text for locale, falling back to English, the default, then any value
func (t LocalizedText) Preferred(locale string) string {
	for _, key := range []string{locale, "en", DefaultLocale} {
		if v, ok := t[key]; ok && v != "" {
			return v
		}
	}
	locales := make([]string, 0, len(t))
	for l := range t {
		locales = append(locales, l)
	}
	sort.Strings(locales)
	for _, l := range locales {
		if t[l] != "" {
			return t[l]
		}
	}
	return ""
}
