// Package forbidden recovers denied field names from free-text
// authorization errors. The query executor reports field-level denials
// as natural-language messages, not structured codes, so recovery is
// pattern-matching on known phrasings. Any wording drift upstream
// silently disables recovery; callers must treat an empty result as
// "not recoverable".
package forbidden

import "regexp"

// Compiled patterns for known denial phrasings.
var (
	// Multi-field form: `access fields "a", "b" in collection`.
	multiFieldRe = regexp.MustCompile(`access fields\s+((?:"[^"]+"[,\s]*)+)in collection`)

	// Single-field form: `access field "a"`; may occur more than once.
	singleFieldRe = regexp.MustCompile(`access field\s+"([^"]+)"`)

	// Quoted tokens inside a matched multi-field list.
	quotedRe = regexp.MustCompile(`"([^"]+)"`)
)

// Extract returns the field names a denial message names, in order of
// first appearance with duplicates removed. Patterns are tried in
// priority order and only the first matching pattern contributes;
// matches from different patterns are never merged. An unrecognized
// message yields nil.
func Extract(message string) []string {
	if m := multiFieldRe.FindStringSubmatch(message); m != nil {
		var fields []string
		for _, q := range quotedRe.FindAllStringSubmatch(m[1], -1) {
			fields = append(fields, q[1])
		}
		return dedupe(fields)
	}

	var fields []string
	for _, m := range singleFieldRe.FindAllStringSubmatch(message, -1) {
		fields = append(fields, m[1])
	}
	return dedupe(fields)
}

// dedupe removes duplicates preserving first-appearance order.
func dedupe(fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
