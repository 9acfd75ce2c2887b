// Package routing matches published topics against subscription patterns.
//
// Topics and patterns are '.'-separated segments. In a pattern, "*" matches
// exactly one segment and "#" matches zero or more trailing segments; "#" is
// only legal as the last segment. All bindings whose pattern matches a topic
// receive the event (fan-out); there is no first-match priority.
package routing

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	dErrors "usagetrail/pkg/domain-errors"
)

const (
	Separator   = "."
	SingleWild  = "*"
	MultiWild   = "#"
	maxSegments = 32
)

type segmentKind uint8

const (
	segLiteral segmentKind = iota
	segSingle
	segMulti
)

type segment struct {
	kind  segmentKind
	value string
}

// Pattern is a parsed, validated routing pattern.
type Pattern struct {
	raw      string
	segments []segment
}

// ParsePattern validates raw. Empty segments, partial wildcards ("ab*") and a
// "#" anywhere but last are rejected with CodeMisconfigured.
func ParsePattern(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, dErrors.New(dErrors.CodeMisconfigured, "routing pattern must not be empty")
	}
	if !utf8.ValidString(raw) {
		return Pattern{}, dErrors.New(dErrors.CodeMisconfigured, "routing pattern must be valid UTF-8")
	}
	parts := strings.Split(raw, Separator)
	if len(parts) > maxSegments {
		return Pattern{}, dErrors.New(dErrors.CodeMisconfigured,
			fmt.Sprintf("routing pattern %q has more than %d segments", raw, maxSegments))
	}

	segments := make([]segment, 0, len(parts))
	for i, part := range parts {
		switch {
		case part == "":
			return Pattern{}, dErrors.New(dErrors.CodeMisconfigured,
				fmt.Sprintf("routing pattern %q has an empty segment at position %d", raw, i))
		case part == MultiWild:
			if i != len(parts)-1 {
				return Pattern{}, dErrors.New(dErrors.CodeMisconfigured,
					fmt.Sprintf("routing pattern %q: %q is only allowed as the last segment", raw, MultiWild))
			}
			segments = append(segments, segment{kind: segMulti})
		case part == SingleWild:
			segments = append(segments, segment{kind: segSingle})
		case strings.ContainsAny(part, SingleWild+MultiWild):
			return Pattern{}, dErrors.New(dErrors.CodeMisconfigured,
				fmt.Sprintf("routing pattern %q: wildcard must fill a whole segment, got %q", raw, part))
		default:
			segments = append(segments, segment{kind: segLiteral, value: part})
		}
	}
	return Pattern{raw: raw, segments: segments}, nil
}

// MustParsePattern panics on an invalid pattern. For tests and constants.
func MustParsePattern(raw string) Pattern {
	p, err := ParsePattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) String() string { return p.raw }

// Match reports whether topic is matched by p. Topics with empty segments,
// including the empty topic, never match.
func (p Pattern) Match(topic string) bool {
	if len(p.segments) == 0 {
		return false
	}
	parts, ok := splitTopic(topic)
	if !ok {
		return false
	}
	return p.matchSegments(parts)
}

// ValidateTopic rejects topics a producer must not publish on.
func ValidateTopic(topic string) error {
	if _, ok := splitTopic(topic); !ok {
		return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid topic %q", topic))
	}
	return nil
}

func splitTopic(topic string) ([]string, bool) {
	if topic == "" {
		return nil, false
	}
	parts := strings.Split(topic, Separator)
	for _, part := range parts {
		if part == "" {
			return nil, false
		}
	}
	return parts, true
}

func (p Pattern) matchSegments(topic []string) bool {
	for i, seg := range p.segments {
		switch seg.kind {
		case segMulti:
			return true
		case segSingle:
			if i >= len(topic) {
				return false
			}
		case segLiteral:
			if i >= len(topic) || topic[i] != seg.value {
				return false
			}
		}
	}
	return len(topic) == len(p.segments)
}

// Regexp renders p as an anchored regular expression with the same matching
// semantics, for brokers that subscribe by regex.
func (p Pattern) Regexp() string {
	var b strings.Builder
	b.WriteString("^")
	for i, seg := range p.segments {
		switch seg.kind {
		case segLiteral:
			if i > 0 {
				b.WriteString(`\.`)
			}
			b.WriteString(regexp.QuoteMeta(seg.value))
		case segSingle:
			if i > 0 {
				b.WriteString(`\.`)
			}
			b.WriteString(`[^.]+`)
		case segMulti:
			if i == 0 {
				b.WriteString(`[^.]+(\.[^.]+)*`)
			} else {
				b.WriteString(`(\.[^.]+)*`)
			}
		}
	}
	b.WriteString("$")
	return b.String()
}
