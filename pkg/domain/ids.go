// Package domain holds the typed identifiers shared by the ingestion pipeline.
package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "usagetrail/pkg/domain-errors"
)

// EventID identifies one logical analytics event. It is derived from the
// event content, so every redelivery of the same event maps to the same ID.
type EventID uuid.UUID

// OrganizationID is the opaque tenant identifier carried by producers.
type OrganizationID string

const maxOrganizationIDLen = 255

// eventNamespace seeds UUIDv5 derivation of EventIDs.
var eventNamespace = uuid.MustParse("9c4c3f4e-2f7a-5b8e-9a51-6d0c2a7e41b3")

// DeriveEventID returns the deterministic ID for the given canonical bytes.
func DeriveEventID(canonical []byte) EventID {
	return EventID(uuid.NewSHA1(eventNamespace, canonical))
}

// ParseEventID parses a textual EventID, rejecting the nil UUID.
func ParseEventID(s string) (EventID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return EventID{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid event id")
	}
	if parsed == uuid.Nil {
		return EventID{}, dErrors.New(dErrors.CodeInvalidInput, "event id must not be nil")
	}
	return EventID(parsed), nil
}

func (id EventID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether the ID was never set.
func (id EventID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *EventID) UnmarshalText(b []byte) error {
	parsed, err := ParseEventID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseOrganizationID validates an organization identifier supplied by a
// producer. Surrounding whitespace is trimmed.
func ParseOrganizationID(s string) (OrganizationID, error) {
	if !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "organization id must be valid UTF-8")
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "organization id must not be empty")
	}
	if len(trimmed) > maxOrganizationIDLen {
		return "", dErrors.New(dErrors.CodeInvalidInput, "organization id too long")
	}
	if strings.IndexFunc(trimmed, unicode.IsControl) >= 0 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "organization id contains control characters")
	}
	return OrganizationID(trimmed), nil
}

func (id OrganizationID) String() string { return string(id) }
