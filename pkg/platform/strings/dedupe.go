// Package strings cleans list-valued configuration (broker addresses, topic
// names) read from YAML or comma-separated environment variables.
package strings

import (
	"strings"
)

// DedupeAndTrim trims every element and drops empties and repeats, keeping
// the first occurrence's position.
func DedupeAndTrim(values []string) []string {
	return dedupe(values, func(s string) string { return s })
}

// DedupeFold is DedupeAndTrim with case-insensitive comparison. The first
// spelling wins, so "Kafka-1:9092" and "kafka-1:9092" collapse to whichever
// came first.
func DedupeFold(values []string) []string {
	return dedupe(values, strings.ToLower)
}

func dedupe(values []string, key func(string) string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := key(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}
